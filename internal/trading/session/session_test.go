package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/mock"
	"scalper/internal/store"
	"scalper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const pollEvery = 5 * time.Millisecond

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		APIKey:          "key",
		APISecret:       "secret",
		Symbol:          "btcusdt",
		TickSize:        0.01,
		MaxBuyOrders:    2,
		OffsetTicks:     5,
		LayerStepTicks:  10,
		BuyTTL:          60,
		RepriceTicks:    50,
		TPTicks:         20,
		MaxSellTPOrders: 5,
		OrderQty:        1,
		LoopInterval:    10,
	}
}

func testOptions() Options {
	return Options{
		TPIdlePoll:     5 * time.Millisecond,
		TPRetryInitial: time.Millisecond,
		TPRetryMax:     5 * time.Millisecond,
		TestOrderCheck: 5 * time.Millisecond,
		MarketSellPoll: time.Millisecond,
	}
}

type harness struct {
	ex        *mock.MockExchange
	ctrl      *Controller
	factories int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ex: mock.NewMockExchange("mock")}
	h.ctrl = NewController(func(cfg config.SessionConfig) (core.IExchange, error) {
		h.factories++
		return h.ex, nil
	}, store.NewMemoryStore(), logging.NewNopLogger(), testOptions())
	t.Cleanup(func() { _ = h.ctrl.Stop(context.Background()) })
	return h
}

func (h *harness) status() Status {
	return h.ctrl.Status(context.Background())
}

func (h *harness) waitBuys(t *testing.T, n int) Status {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.status().BuyOrders) == n }, waitFor, pollEvery)
	return h.status()
}

func orderUpdate(o *core.Order) core.StreamEvent {
	return core.StreamEvent{
		Kind: core.EventOrderUpdate,
		Order: &core.OrderUpdate{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Status:        o.Status,
			Price:         o.Price,
			Quantity:      o.Quantity,
			CumulativeQty: o.ExecutedQty,
		},
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.APIKey = ""

	err := h.ctrl.Start(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Zero(t, h.factories, "no gateway built for a rejected config")
	assert.False(t, h.status().Running)

	cfg = testConfig()
	cfg.OrderQty = 0
	assert.ErrorIs(t, h.ctrl.Start(context.Background(), cfg), ErrInvalidConfig)
}

func TestStartTwiceRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))
	assert.ErrorIs(t, h.ctrl.Start(context.Background(), testConfig()), ErrAlreadyRunning)
}

func TestLadderPlacedOnStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))

	st := h.waitBuys(t, 2)
	assert.True(t, st.Running)
	assert.True(t, st.StreamConnected)
	assert.Equal(t, "BTCUSDT", st.Symbol)

	prices := []string{st.BuyOrders[0].Price.String(), st.BuyOrders[1].Price.String()}
	assert.ElementsMatch(t, []string{"99.95", "99.85"}, prices)
}

func TestAdoptsRestingSells(t *testing.T) {
	h := newHarness(t)
	h.ex.AddOpenOrder("BTCUSDT", core.OrderSideSell, "100.20", "2", "0.5")
	h.ex.AddOpenOrder("BTCUSDT", core.OrderSideBuy, "99.00", "1", "0")

	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))

	st := h.status()
	require.Len(t, st.TPOrders, 1)
	tp := st.TPOrders[0]
	assert.True(t, tp.IsPreexisting)
	assert.Equal(t, "1.5", tp.Quantity.String())
	assert.Equal(t, "100", tp.BuyPrice.String())
	assert.Zero(t, st.Stats.SellCreated)
}

func TestFillAccountedOnceAcrossPushAndPoll(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))
	st := h.waitBuys(t, 2)

	var buyID string
	for _, b := range st.BuyOrders {
		if b.LayerIndex == 0 {
			buyID = b.OrderID
		}
	}
	filled := h.ex.Fill(buyID)
	h.ex.Emit(orderUpdate(filled))
	h.ex.Emit(orderUpdate(filled))

	require.Eventually(t, func() bool { return len(h.status().TPOrders) == 1 }, waitFor, pollEvery)
	st = h.status()
	tp := st.TPOrders[0]
	assert.Equal(t, "100.15", tp.Price.String())
	assert.Equal(t, "99.95", tp.BuyPrice.String())

	tpFilled := h.ex.Fill(tp.OrderID)
	h.ex.Emit(orderUpdate(tpFilled))
	h.ex.Emit(orderUpdate(tpFilled))

	require.Eventually(t, func() bool { return h.status().Stats.SellFilled == 1 }, waitFor, pollEvery)
	// let a few more ticks sweep
	time.Sleep(50 * time.Millisecond)

	st = h.status()
	assert.Equal(t, 1, st.Stats.BuyFilled)
	assert.Equal(t, 1, st.Stats.SellFilled)
	assert.Equal(t, "0.2", st.RealizedProfit.String())
	assert.Empty(t, st.TPOrders)
}

func TestCapacityInvariantHolds(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.MaxBuyOrders = 4
	cfg.MaxSellTPOrders = 2
	require.NoError(t, h.ctrl.Start(context.Background(), cfg))

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, o := range h.ex.Resting(core.OrderSideBuy) {
			h.ex.Fill(o.OrderID)
			break
		}
		st := h.status()
		assert.LessOrEqual(t, len(st.BuyOrders)+len(st.TPOrders), cfg.MaxSellTPOrders+1)
		time.Sleep(3 * time.Millisecond)
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))
	h.waitBuys(t, 2)

	require.NoError(t, h.ctrl.Pause(context.Background()))
	st := h.status()
	assert.True(t, st.Paused)
	assert.Empty(t, st.BuyOrders)
	assert.Equal(t, 2, st.Stats.BuyCanceled)

	assert.ErrorIs(t, h.ctrl.Pause(context.Background()), ErrCannotPause)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.status().BuyOrders, "no buys while paused")

	require.NoError(t, h.ctrl.Resume())
	assert.ErrorIs(t, h.ctrl.Resume(), ErrCannotResume)
	h.waitBuys(t, 2)
	assert.False(t, h.status().Paused)
}

func TestLifecycleRequiresRunning(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctrl.Pause(context.Background()), ErrNotRunning)
	assert.ErrorIs(t, h.ctrl.Resume(), ErrNotRunning)
	_, err := h.ctrl.UpdateConfig(testConfig())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoError(t, h.ctrl.Stop(context.Background()), "stop is idempotent")
}

func TestStopRecordsHistory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))
	h.waitBuys(t, 2)

	require.NoError(t, h.ctrl.Stop(context.Background()))
	require.NoError(t, h.ctrl.Stop(context.Background()))

	st := h.status()
	assert.False(t, st.Running)
	assert.Empty(t, st.BuyOrders)
	assert.False(t, h.ex.StreamActive())
	assert.Empty(t, h.ex.Resting(core.OrderSideBuy))

	history, err := h.ctrl.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].ID)
	assert.Equal(t, "BTCUSDT", history[0].Symbol)
	assert.Regexp(t, `^\d+h \d+m \d+s$`, history[0].Duration)
	require.Len(t, st.History, 1)

	require.NoError(t, h.ctrl.ClearHistory(context.Background()))
	history, err = h.ctrl.History(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStopKeepsTPsWithoutLiquidation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))
	st := h.waitBuys(t, 2)
	h.ex.Fill(st.BuyOrders[0].OrderID)
	require.Eventually(t, func() bool { return len(h.status().TPOrders) == 1 }, waitFor, pollEvery)

	require.NoError(t, h.ctrl.Stop(context.Background()))
	assert.Len(t, h.ex.Resting(core.OrderSideSell), 1)
	assert.True(t, h.status().Stats.ForcedLiquidationProfit.IsZero())
}

// fills the lower layer while the book holds its single TP, so the
// request is deferred behind repricing of the first TP
func (h *harness) fillIntoRepricing(t *testing.T, cfg config.SessionConfig) {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background(), cfg))
	st := h.waitBuys(t, 2)

	byLayer := map[int]string{}
	for _, b := range st.BuyOrders {
		byLayer[b.LayerIndex] = b.OrderID
	}
	h.ex.Fill(byLayer[0])
	require.Eventually(t, func() bool { return len(h.status().TPOrders) == 1 }, waitFor, pollEvery)
	h.ex.Fill(byLayer[1])
	require.Eventually(t, func() bool {
		rc := h.status().Repricing
		return rc != nil && rc.Deferred != nil
	}, waitFor, pollEvery)
}

func TestStopProtectsDeferredAndRepricingLots(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.MaxSellTPOrders = 1
	h.fillIntoRepricing(t, cfg)

	rc := h.status().Repricing
	assert.Equal(t, "99.85", rc.Deferred.BuyPrice.String())
	assert.Equal(t, "100.15", rc.OriginalPrice.String())

	require.NoError(t, h.ctrl.Stop(context.Background()))

	resting := h.ex.Resting(core.OrderSideSell)
	require.Len(t, resting, 2)
	assert.Equal(t, "100.05", resting[0].Price.String())
	assert.Equal(t, "100.15", resting[1].Price.String())
	total := decimal.Zero
	for _, o := range resting {
		total = total.Add(o.Quantity)
	}
	assert.Equal(t, "2", total.String(), "every bought unit has a resting sell")

	st := h.status()
	assert.Nil(t, st.Repricing)
	assert.Len(t, st.TPOrders, 2)
}

func TestLiquidationSkipsLotsWithUnknownState(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.SellAllOnStop = true
	require.NoError(t, h.ctrl.Start(context.Background(), cfg))
	st := h.waitBuys(t, 2)
	h.ex.Fill(st.BuyOrders[0].OrderID)
	require.Eventually(t, func() bool { return len(h.status().TPOrders) == 1 }, waitFor, pollEvery)
	tpID := h.status().TPOrders[0].OrderID

	// the TP fills while order reads fail
	h.ex.SetGetOrderError(errors.New("timeout"))
	h.ex.Fill(tpID)
	require.NoError(t, h.ctrl.Stop(context.Background()))

	for _, o := range h.ex.Orders() {
		assert.NotEqual(t, core.OrderTypeMarket, o.Type, "no market sell for a lot that may be sold")
	}
	st = h.status()
	assert.True(t, st.Stats.ForcedLiquidationProfit.IsZero())
	require.Len(t, st.TPOrders, 1)
	assert.Equal(t, tpID, st.TPOrders[0].OrderID)
}

func TestStopLiquidatesAtMarket(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.SellAllOnStop = true
	require.NoError(t, h.ctrl.Start(context.Background(), cfg))
	st := h.waitBuys(t, 2)

	var buyID string
	for _, b := range st.BuyOrders {
		if b.LayerIndex == 0 {
			buyID = b.OrderID
		}
	}
	h.ex.Fill(buyID)
	require.Eventually(t, func() bool { return len(h.status().TPOrders) == 1 }, waitFor, pollEvery)

	h.ex.SetOrderBook("100.05", "100.06")
	require.NoError(t, h.ctrl.Stop(context.Background()))

	st = h.status()
	assert.Empty(t, st.TPOrders)
	assert.Empty(t, h.ex.Resting(core.OrderSideSell))
	assert.Equal(t, "0.1", st.ForcedLiquidationProfit.String())
	assert.Equal(t, "0.1", st.RealizedProfit.String())
	assert.Equal(t, 1, st.Stats.SellFilled)
	assert.True(t, st.PendingQuantity.IsZero())
}

func TestLiquidationWithoutOrderBookOnlyCancels(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.SellAllOnStop = true
	require.NoError(t, h.ctrl.Start(context.Background(), cfg))
	st := h.waitBuys(t, 2)
	h.ex.Fill(st.BuyOrders[0].OrderID)
	require.Eventually(t, func() bool { return len(h.status().TPOrders) == 1 }, waitFor, pollEvery)

	h.ex.SetOrderBookError(errors.New("book down"))
	require.NoError(t, h.ctrl.Stop(context.Background()))

	st = h.status()
	assert.Empty(t, h.ex.Resting(core.OrderSideSell))
	assert.True(t, st.ForcedLiquidationProfit.IsZero())
	for _, o := range h.ex.Orders() {
		assert.NotEqual(t, core.OrderTypeMarket, o.Type)
	}
}

func TestDegradedStream(t *testing.T) {
	h := newHarness(t)
	h.ex.SetStreamError(errors.New("refused"))
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))

	st := h.status()
	assert.True(t, st.Running)
	assert.True(t, st.StreamDegraded)
	assert.False(t, st.StreamConnected)

	// fills still arrive through the poll sweep
	st = h.waitBuys(t, 2)
	h.ex.Fill(st.BuyOrders[0].OrderID)
	require.Eventually(t, func() bool { return h.status().Stats.BuyFilled == 1 }, waitFor, pollEvery)
}

func TestConnectionExhaustedMarksDegraded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))

	require.True(t, h.ex.Emit(core.StreamEvent{
		Kind:       core.EventConnectionState,
		Connection: &core.ConnectionState{Connected: false, Exhausted: true, Attempt: 10},
	}))
	require.Eventually(t, func() bool { return h.status().StreamDegraded }, waitFor, pollEvery)
	assert.True(t, h.status().Running)
}

func TestUpdateConfigKeepsSymbol(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))

	patch := testConfig()
	patch.Symbol = "ETHUSDT"
	patch.TPTicks = 30
	changes, err := h.ctrl.UpdateConfig(patch)
	require.NoError(t, err)
	assert.Contains(t, changes, "tpTicks: 20 -> 30")

	st := h.status()
	assert.Equal(t, "BTCUSDT", st.Config.Symbol)
	assert.Equal(t, 30, st.Config.TPTicks)

	patch.OrderQty = -1
	_, err = h.ctrl.UpdateConfig(patch)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClearStats(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))
	h.waitBuys(t, 2)
	assert.ErrorIs(t, h.ctrl.ClearStats(), ErrAlreadyRunning)

	require.NoError(t, h.ctrl.Stop(context.Background()))
	assert.Equal(t, 2, h.status().Stats.BuyCreated)

	require.NoError(t, h.ctrl.ClearStats())
	st := h.status()
	assert.Zero(t, st.Stats.BuyCreated)
	assert.Empty(t, st.Logs)
}

func TestStatusCarriesLogs(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))
	h.waitBuys(t, 2)

	logs := h.status().Logs
	require.NotEmpty(t, logs)
	assert.LessOrEqual(t, len(logs), StatusLogLines)
}

func TestTestSingleOrder(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()

	go func() {
		for i := 0; i < 400; i++ {
			if buys := h.ex.Resting(core.OrderSideBuy); len(buys) > 0 {
				h.ex.Fill(buys[0].OrderID)
				return
			}
			time.Sleep(pollEvery)
		}
	}()

	res, err := h.ctrl.TestSingleOrder(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.BuyOrderID)
	require.NotEmpty(t, res.TPOrderID)

	tp := h.ex.Order(res.TPOrderID)
	assert.Equal(t, "100.25", tp.Price.String())
	assert.Equal(t, core.OrderSideSell, tp.Side)
}

func TestTestSingleOrderStopsOnUnknownBuyState(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.BuyTTL = 1
	h.ex.SetGetOrderError(errors.New("timeout"))

	res, err := h.ctrl.TestSingleOrder(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Message, "state unknown")
	assert.Len(t, h.ex.Orders(), 1, "no second buy while the first may have filled")
}

func TestTestSingleOrderRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), testConfig()))

	_, err := h.ctrl.TestSingleOrder(context.Background(), testConfig())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestBalancesAndOrderBook(t *testing.T) {
	h := newHarness(t)
	h.ex.SetBalances([]core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(100)}})

	balances, err := h.ctrl.Balances(context.Background(), testConfig())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)

	ob, err := h.ctrl.OrderBook(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, "100", ob.BestBid.String())

	cfg := testConfig()
	cfg.APISecret = ""
	_, err = h.ctrl.Balances(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1h 2m 3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "0h 0m 0s", FormatDuration(0))
	assert.Equal(t, "26h 0m 1s", FormatDuration(26*time.Hour+1400*time.Millisecond))
}
