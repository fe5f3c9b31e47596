package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/trading/order"
	"scalper/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// MaxTestOrderAttempts bounds how often a test buy is re-placed
const MaxTestOrderAttempts = 10

// TestOrderResult is the outcome of a single test order round trip
type TestOrderResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Attempts   int    `json:"attempts"`
	BuyOrderID string `json:"buyOrderId,omitempty"`
	TPOrderID  string `json:"tpOrderId,omitempty"`
}

// TestSingleOrder places one buy near the best bid, re-placing it when it
// drifts or outlives the TTL, and places its TP once filled. It is rejected
// while a session runs.
func (c *Controller) TestSingleOrder(ctx context.Context, cfg config.SessionConfig) (*TestOrderResult, error) {
	c.mu.Lock()
	if c.testing {
		c.mu.Unlock()
		return nil, ErrTestInProgress
	}
	if c.current != nil && c.current.Running() {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.testing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.testing = false
		c.mu.Unlock()
	}()

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	exchange, err := c.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	logger := c.logger.WithField("component", "test_order")
	exec := order.NewExecutor(exchange, cfg.Symbol, logger)
	defer exec.Close()

	t := &testRun{c: c, cfg: cfg, exec: exec, logger: logger}
	return t.run(ctx), nil
}

type testRun struct {
	c      *Controller
	cfg    config.SessionConfig
	exec   *order.Executor
	logger core.ILogger
}

func (t *testRun) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (t *testRun) run(ctx context.Context) *TestOrderResult {
	tick := t.cfg.Tick()
	qty := t.cfg.Quantity()
	check := t.c.opts.TestOrderCheck
	res := &TestOrderResult{}

	t.logger.Info("Starting test order", "symbol", t.cfg.Symbol, "quantity", qty.String())

	for res.Attempts < MaxTestOrderAttempts {
		res.Attempts++
		if ctx.Err() != nil {
			break
		}

		ob, err := t.exec.OrderBook(ctx)
		if err != nil {
			t.logger.Warn("Order book unavailable", "attempt", res.Attempts, "error", err)
			t.sleep(ctx, check)
			continue
		}

		price := tradingutils.RoundToTick(ob.BestBid.Add(tradingutils.Ticks(t.cfg.OffsetTicks, tick)), tick)
		placed, err := t.exec.PlaceLimit(ctx, core.OrderSideBuy, price, qty)
		if err != nil {
			t.logger.Warn("Test buy placement failed", "attempt", res.Attempts, "error", err)
			t.sleep(ctx, check)
			continue
		}
		res.BuyOrderID = placed.OrderID
		t.logger.Info("Test buy placed", "order_id", placed.OrderID, "price", price.String(), "attempt", res.Attempts)

		filled, executed := t.await(ctx, placed.OrderID, price)
		if filled {
			return t.placeTP(ctx, res, price, executed)
		}

		final, err := t.exec.CancelAndFetch(ctx, placed.OrderID)
		switch {
		case errors.Is(err, order.ErrFinalStateUnknown):
			res.Message = fmt.Sprintf("test buy %s state unknown after cancel", placed.OrderID)
			t.logger.Error("Test order ended with unknown buy state", "order_id", placed.OrderID, "error", err)
			return res
		case err != nil:
			t.logger.Warn("Test buy cancel failed", "order_id", placed.OrderID, "error", err)
		case final.Filled():
			return t.placeTP(ctx, res, price, final.FilledQuantity())
		}
	}

	res.Message = fmt.Sprintf("test order not filled after %d attempts", res.Attempts)
	t.logger.Error("Test order ended without fill", "attempts", res.Attempts)
	return res
}

// await polls a test buy until it fills, drifts by the reprice distance or
// outlives the TTL
func (t *testRun) await(ctx context.Context, orderID string, price decimal.Decimal) (bool, decimal.Decimal) {
	tick := t.cfg.Tick()
	check := t.c.opts.TestOrderCheck
	checks := int(t.cfg.BuyTTLDuration() / check)
	if checks < 1 {
		checks = 1
	}

	for i := 0; i < checks; i++ {
		if !t.sleep(ctx, check) {
			return false, decimal.Zero
		}

		if ob, err := t.exec.OrderBook(ctx); err == nil && t.cfg.RepriceTicks > 0 {
			drift := tradingutils.TicksBetween(price, ob.BestBid, tick)
			if drift.GreaterThanOrEqual(decimal.NewFromInt(int64(t.cfg.RepriceTicks))) {
				t.logger.Warn("Test buy drifted, re-placing", "order_id", orderID, "ticks", drift.StringFixed(1))
				return false, decimal.Zero
			}
		}

		status, err := t.exec.Status(ctx, orderID)
		if err != nil {
			continue
		}
		if status.Filled() {
			return true, status.FilledQuantity()
		}
	}
	return false, decimal.Zero
}

func (t *testRun) placeTP(ctx context.Context, res *TestOrderResult, buyPrice, qty decimal.Decimal) *TestOrderResult {
	tick := t.cfg.Tick()
	tpPrice := tradingutils.RoundToTick(buyPrice.Add(tradingutils.Ticks(t.cfg.TPTicks, tick)), tick)
	tp, err := t.exec.PlaceLimit(ctx, core.OrderSideSell, tpPrice, qty)
	if err != nil {
		res.Message = fmt.Sprintf("test buy filled but TP placement failed: %v", err)
		t.logger.Error("Test TP placement failed", "price", tpPrice.String(), "error", err)
		return res
	}
	res.Success = true
	res.TPOrderID = tp.OrderID
	res.Message = "test order filled"
	t.logger.Info("Test order completed", "buy_price", buyPrice.String(), "tp_order_id", tp.OrderID, "tp_price", tpPrice.String())
	return res
}
