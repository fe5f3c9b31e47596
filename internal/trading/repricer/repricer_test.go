package repricer

import (
	"context"
	"testing"
	"time"

	"scalper/internal/core"
	"scalper/internal/mock"
	"scalper/internal/trading/book"
	"scalper/internal/trading/order"
	"scalper/internal/trading/tpqueue"
	"scalper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var params = Params{
	Tick:     decimal.RequireFromString("0.01"),
	TPTicks:  20,
	Interval: 10 * time.Second,
}

type fixture struct {
	ex       *mock.MockExchange
	state    *book.State
	machine  *Machine
	released []tpqueue.Item
	now      time.Time
	tp       book.TakeProfitOrder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ex:    mock.NewMockExchange("mock"),
		state: book.NewState(),
		now:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	exec := order.NewExecutor(f.ex, "BTCUSDT", logging.NewNopLogger())
	f.machine = New(exec, f.state, func(item tpqueue.Item) {
		f.released = append(f.released, item)
	}, logging.NewNopLogger())
	f.machine.SetClock(func() time.Time { return f.now })

	placed, err := exec.PlaceLimit(context.Background(), core.OrderSideSell,
		decimal.RequireFromString("100.15"), decimal.NewFromInt(1))
	require.NoError(t, err)
	f.tp = book.TakeProfitOrder{
		OrderID:  placed.OrderID,
		Price:    decimal.RequireFromString("100.15"),
		Quantity: decimal.NewFromInt(1),
		BuyPrice: decimal.RequireFromString("99.95"),
	}
	f.state.RecordTPPlaced(f.tp)
	return f
}

func deferredItem() tpqueue.Item {
	return tpqueue.Item{BuyPrice: decimal.RequireFromString("99.80"), Quantity: decimal.NewFromInt(1)}
}

func TestBeginWithdrawsTP(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.machine.Begin(f.tp, deferredItem()))
	assert.True(t, f.machine.IsActive())
	assert.Equal(t, 0, f.state.TPCount())

	// the position stays open while its order is repriced
	assert.Equal(t, "1", f.state.PendingQuantity().String())

	assert.False(t, f.machine.Begin(f.tp, deferredItem()), "only one context may be active")
}

func TestCheckRepricesOnlyWhenLower(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.machine.Begin(f.tp, deferredItem()))
	ctx := context.Background()

	// 100.01 + 20 ticks = 100.21, not an improvement
	f.machine.Check(ctx, params)
	rc, _ := f.machine.Current()
	assert.Equal(t, f.tp.OrderID, rc.OrderID)
	assert.Equal(t, 0, rc.Reprices)

	// interval has not elapsed, a better ask is ignored for now
	f.ex.SetOrderBook("99.89", "99.90")
	f.now = f.now.Add(5 * time.Second)
	f.machine.Check(ctx, params)
	rc, _ = f.machine.Current()
	assert.Equal(t, f.tp.OrderID, rc.OrderID)

	f.now = f.now.Add(5 * time.Second)
	f.machine.Check(ctx, params)
	rc, _ = f.machine.Current()
	assert.NotEqual(t, f.tp.OrderID, rc.OrderID)
	assert.Equal(t, "100.1", rc.Price.String())
	assert.Equal(t, "100.15", rc.OriginalPrice.String())
	assert.Equal(t, f.tp.OrderID, rc.OriginalOrderID)
	assert.Equal(t, 1, rc.Reprices)
	assert.Equal(t, core.OrderStatusCanceled, f.ex.Order(f.tp.OrderID).Status)

	pos, ok := f.state.HeldPosition(rc.OrderID)
	require.True(t, ok)
	assert.Equal(t, "100.1", pos.SellPrice.String())
}

func TestFillResolvesAndReleasesDeferred(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.machine.Begin(f.tp, deferredItem()))
	ctx := context.Background()

	f.ex.SetOrderBook("99.89", "99.90")
	f.machine.Check(ctx, params)
	rc, _ := f.machine.Current()

	f.ex.Fill(rc.OrderID)
	f.machine.Check(ctx, params)

	assert.False(t, f.machine.IsActive())
	require.Len(t, f.released, 1)
	assert.Equal(t, "99.8", f.released[0].BuyPrice.String())
	assert.Equal(t, "0.15", f.state.Stats.RealizedProfit.String())
	assert.Equal(t, 1, f.state.Stats.SellFilled)
	assert.True(t, f.state.PendingQuantity().IsZero())
}

func TestOnFillIgnoresOtherOrders(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.machine.Begin(f.tp, deferredItem()))

	assert.False(t, f.machine.OnFill(context.Background(), "unrelated"))
	assert.True(t, f.machine.Owns(f.tp.OrderID))
	assert.True(t, f.machine.OnFill(context.Background(), f.tp.OrderID))
	assert.False(t, f.machine.IsActive())

	// a second delivery of the same fill is a no-op
	assert.False(t, f.machine.OnFill(context.Background(), f.tp.OrderID))
	assert.Equal(t, 1, f.state.Stats.SellFilled)
}

func TestFailedPlacementRetriesNextCycle(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.machine.Begin(f.tp, deferredItem()))
	ctx := context.Background()

	f.ex.SetOrderBook("99.89", "99.90")
	f.ex.FailPlacements(1, assert.AnError)
	f.machine.Check(ctx, params)

	rc, ok := f.machine.Current()
	require.True(t, ok)
	assert.Empty(t, rc.OrderID)

	f.now = f.now.Add(params.Interval)
	f.machine.Check(ctx, params)
	rc, _ = f.machine.Current()
	assert.NotEmpty(t, rc.OrderID)
	assert.Equal(t, "1", f.state.PendingQuantity().String())
}

func TestAbortReturnsUnsoldQuantity(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.machine.Begin(f.tp, deferredItem()))

	rc := f.machine.Abort(context.Background())
	require.NotNil(t, rc)
	assert.Equal(t, "1", rc.Quantity.String())
	require.NotNil(t, rc.Deferred)
	assert.False(t, f.machine.IsActive())
	assert.Empty(t, f.released)
	assert.Equal(t, core.OrderStatusCanceled, f.ex.Order(f.tp.OrderID).Status)
	assert.True(t, f.state.PendingQuantity().IsZero())

	assert.Nil(t, f.machine.Abort(context.Background()))
}

func TestAbortAfterRacedFill(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.machine.Begin(f.tp, deferredItem()))
	f.ex.Fill(f.tp.OrderID)

	rc := f.machine.Abort(context.Background())
	require.NotNil(t, rc)
	assert.True(t, rc.Quantity.IsZero())
	assert.NotNil(t, rc.Deferred)
	assert.Equal(t, "0.2", f.state.Stats.RealizedProfit.String())
}

func TestRepriceWithUnknownFinalStateWaitsForNextCheck(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.machine.Begin(f.tp, deferredItem()))
	ctx := context.Background()

	f.ex.SetOrderBook("99.89", "99.90")
	f.ex.FailReadsAfterCancel(assert.AnError)
	f.machine.Check(ctx, params)

	rc, ok := f.machine.Current()
	require.True(t, ok)
	assert.Equal(t, f.tp.OrderID, rc.OrderID)
	assert.Equal(t, 0, rc.Reprices)
	assert.Empty(t, f.ex.Resting(core.OrderSideSell), "no replacement while the old order may have filled")

	f.ex.FailReadsAfterCancel(nil)
	f.now = f.now.Add(params.Interval)
	f.machine.Check(ctx, params)

	rc, ok = f.machine.Current()
	require.True(t, ok)
	assert.Equal(t, 1, rc.Reprices)
	resting := f.ex.Resting(core.OrderSideSell)
	require.Len(t, resting, 1)
	assert.Equal(t, "100.1", resting[0].Price.String())
	assert.Equal(t, "1", resting[0].Quantity.String())
}

func TestAbortWithUnknownFinalStateIsUnresolved(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.machine.Begin(f.tp, deferredItem()))
	f.ex.Fill(f.tp.OrderID)
	f.ex.SetGetOrderError(assert.AnError)

	rc := f.machine.Abort(context.Background())
	require.NotNil(t, rc)
	assert.True(t, rc.Unresolved)
	assert.NotNil(t, rc.Deferred)
	assert.False(t, f.machine.IsActive())
	assert.Empty(t, f.released)
}
