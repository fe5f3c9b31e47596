package tpbook

import (
	"context"
	"errors"
	"testing"

	"scalper/internal/core"
	"scalper/internal/mock"
	"scalper/internal/trading/book"
	"scalper/internal/trading/order"
	"scalper/internal/trading/repricer"
	"scalper/internal/trading/tpqueue"
	"scalper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	ex       *mock.MockExchange
	exec     *order.Executor
	state    *book.State
	rp       *repricer.Machine
	tpb      *Book
	requeued []tpqueue.Item
	released []tpqueue.Item
	params   Params
}

func newFixture() *fixture {
	f := &fixture{
		ex:    mock.NewMockExchange("mock"),
		state: book.NewState(),
		params: Params{
			Tick:                    d("0.01"),
			TPTicks:                 20,
			MaxSellTPOrders:         5,
			AveragingThresholdTicks: 100,
		},
	}
	log := logging.NewNopLogger()
	f.exec = order.NewExecutor(f.ex, "BTCUSDT", log)
	f.rp = repricer.New(f.exec, f.state, func(it tpqueue.Item) { f.released = append(f.released, it) }, log)
	f.tpb = New(f.exec, f.state, f.rp, func(it tpqueue.Item) { f.requeued = append(f.requeued, it) }, log)
	return f
}

func fill(price, qty string) tpqueue.Item {
	return tpqueue.Item{BuyPrice: d(price), Quantity: d(qty)}
}

func assertSorted(t *testing.T, tps []book.TakeProfitOrder) {
	t.Helper()
	for i := 1; i < len(tps); i++ {
		assert.False(t, tps[i].Price.LessThan(tps[i-1].Price), "TP book out of order at %d", i)
	}
}

func TestPlainTP(t *testing.T) {
	f := newFixture()

	outcome, err := f.tpb.Create(context.Background(), fill("99.95", "1"), f.params)
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaced, outcome)

	tps := f.state.TPs()
	require.Len(t, tps, 1)
	assert.Equal(t, "100.15", tps[0].Price.String())
	assert.Equal(t, "99.95", tps[0].BuyPrice.String())
	assert.Equal(t, 1, f.state.Stats.SellCreated)

	resting := f.ex.Resting(core.OrderSideSell)
	require.Len(t, resting, 1)
	assert.Equal(t, "100.15", resting[0].Price.String())
}

func TestTargetPriceOverridesPlan(t *testing.T) {
	f := newFixture()
	item := fill("99.95", "1")
	item.TargetPrice = d("100.5")

	_, err := f.tpb.Create(context.Background(), item, f.params)
	require.NoError(t, err)
	assert.Equal(t, "100.5", f.state.TPs()[0].Price.String())
}

func TestCapacityHandsHighestToRepricer(t *testing.T) {
	f := newFixture()
	f.params.MaxSellTPOrders = 1
	ctx := context.Background()

	_, err := f.tpb.Create(ctx, fill("99.95", "1"), f.params)
	require.NoError(t, err)

	outcome, err := f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.True(t, f.rp.IsActive())
	assert.Equal(t, 0, f.state.TPCount())

	rc, ok := f.rp.Current()
	require.True(t, ok)
	assert.Equal(t, "100.15", rc.Price.String())
	require.NotNil(t, rc.Deferred)
	assert.Equal(t, "99.8", rc.Deferred.BuyPrice.String())

	// the withdrawn order keeps resting, nothing was market sold
	assert.Len(t, f.ex.Resting(core.OrderSideSell), 1)
}

func TestCapacityWhileRepricingIsNotReady(t *testing.T) {
	f := newFixture()
	f.params.MaxSellTPOrders = 1
	ctx := context.Background()

	_, err := f.tpb.Create(ctx, fill("99.95", "1"), f.params)
	require.NoError(t, err)
	_, err = f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.NoError(t, err)

	// book has room again but a fresh full book must not start a second context
	_, err = f.tpb.Create(ctx, fill("99.70", "1"), f.params)
	require.NoError(t, err)
	_, err = f.tpb.Create(ctx, fill("99.60", "1"), f.params)
	assert.ErrorIs(t, err, tpqueue.ErrNotReady)
}

func TestAveragingMergesAtWeightedPrice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// highest TP at 105.00
	item := fill("104.80", "1")
	_, err := f.tpb.Create(ctx, item, f.params)
	require.NoError(t, err)
	before := f.state.PendingQuantity()
	highestID := f.state.TPs()[0].OrderID

	// planned 100.00, 500 ticks below
	outcome, err := f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAveraged, outcome)

	tps := f.state.TPs()
	require.Len(t, tps, 2)
	for _, tp := range tps {
		assert.Equal(t, "102.5", tp.Price.String())
		assert.True(t, tp.IsAveraged)
		assert.Equal(t, "1", tp.Quantity.String())
	}
	buyPrices := []string{tps[0].BuyPrice.String(), tps[1].BuyPrice.String()}
	assert.ElementsMatch(t, []string{"104.8", "99.8"}, buyPrices)

	assert.True(t, before.Add(d("1")).Equal(f.state.PendingQuantity()), "quantity conserved")
	assert.Equal(t, core.OrderStatusCanceled, f.ex.Order(highestID).Status)
	assertSorted(t, tps)
}

func TestAveragingBelowThresholdPlacesPlain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.tpb.Create(ctx, fill("100.79", "1"), f.params)
	require.NoError(t, err)
	// planned 100.00 vs highest 100.99 is 99 ticks
	outcome, err := f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaced, outcome)

	tps := f.state.TPs()
	require.Len(t, tps, 2)
	assert.Equal(t, "100", tps[0].Price.String())
	assert.Equal(t, "100.99", tps[1].Price.String())
}

func TestAveragingTargetAlreadyFilled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.tpb.Create(ctx, fill("104.80", "1"), f.params)
	require.NoError(t, err)
	f.ex.Fill(f.state.TPs()[0].OrderID)

	outcome, err := f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaced, outcome)

	assert.Equal(t, "0.2", f.state.Stats.RealizedProfit.String())
	tps := f.state.TPs()
	require.Len(t, tps, 1)
	assert.Equal(t, "100", tps[0].Price.String())
	assert.False(t, tps[0].IsAveraged)
}

func TestAveragingSecondLotFailureRetriesWithTarget(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.tpb.Create(ctx, fill("104.80", "1"), f.params)
	require.NoError(t, err)

	// the first lot goes through, the second is rejected
	f.ex.FailPlacementAfter(1, errors.New("rejected"))

	_, err = f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.Error(t, err)
	var rq *tpqueue.RetryError
	require.True(t, errors.As(err, &rq))
	assert.Equal(t, "102.5", rq.Item.TargetPrice.String())
	assert.Equal(t, "99.8", rq.Item.BuyPrice.String())
	assert.Len(t, f.state.TPs(), 1)
}

func TestAveragingFirstLotFailureRequeues(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.tpb.Create(ctx, fill("104.80", "1"), f.params)
	require.NoError(t, err)
	f.ex.FailPlacements(1, errors.New("rejected"))

	_, err = f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.NoError(t, err)
	require.Len(t, f.requeued, 1)
	assert.Equal(t, "104.8", f.requeued[0].BuyPrice.String())
	assert.Equal(t, "102.5", f.requeued[0].TargetPrice.String())
	assert.Len(t, f.state.TPs(), 1)
}

func TestAveragingTargetFilledWithUnknownStateIsRetried(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.tpb.Create(ctx, fill("104.80", "1"), f.params)
	require.NoError(t, err)
	target := f.state.TPs()[0]
	f.ex.Fill(target.OrderID)
	f.ex.SetGetOrderError(errors.New("timeout"))

	outcome, err := f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.Error(t, err)
	assert.ErrorIs(t, err, order.ErrFinalStateUnknown)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, f.ex.Resting(core.OrderSideSell), "nothing re-placed for a lot that may be sold")

	tp, ok := f.state.TP(target.OrderID)
	require.True(t, ok, "target stays tracked until its state is known")
	assert.True(t, tp.CancelPending)
	assert.True(t, f.state.Stats.RealizedProfit.IsZero())

	f.ex.SetGetOrderError(nil)
	outcome, err = f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaced, outcome)

	resting := f.ex.Resting(core.OrderSideSell)
	require.Len(t, resting, 1)
	assert.Equal(t, "1", resting[0].Quantity.String())
	assert.Equal(t, "100", resting[0].Price.String())
	assert.Equal(t, "0.2", f.state.Stats.RealizedProfit.String())
	assert.Equal(t, 1, f.state.Stats.SellFilled)
}

func TestAveragingTargetCanceledWithUnknownStateMergesOnRetry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.tpb.Create(ctx, fill("104.80", "1"), f.params)
	require.NoError(t, err)
	f.ex.FailReadsAfterCancel(errors.New("timeout"))

	_, err = f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.ErrorIs(t, err, order.ErrFinalStateUnknown)
	require.Equal(t, 1, f.state.TPCount())

	f.ex.FailReadsAfterCancel(nil)
	outcome, err := f.tpb.Create(ctx, fill("99.80", "1"), f.params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAveraged, outcome)

	tps := f.state.TPs()
	require.Len(t, tps, 2)
	for _, tp := range tps {
		assert.Equal(t, "102.5", tp.Price.String())
		assert.False(t, tp.CancelPending)
	}
	assert.Len(t, f.ex.Resting(core.OrderSideSell), 2)
	assert.True(t, f.state.Stats.RealizedProfit.IsZero())
}
