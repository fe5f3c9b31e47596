// Package tpbook places take-profit orders for filled buys, applying the
// capacity and averaging policies of the TP book.
package tpbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scalper/internal/core"
	"scalper/internal/trading/book"
	"scalper/internal/trading/order"
	"scalper/internal/trading/repricer"
	"scalper/internal/trading/tpqueue"
	"scalper/pkg/telemetry"
	"scalper/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Params are the live tunables read for every request
type Params struct {
	Tick    decimal.Decimal
	TPTicks int
	// MaxSellTPOrders is the TP ceiling; zero disables it, which only the
	// stop path does
	MaxSellTPOrders         int
	AveragingThresholdTicks int
}

// Outcome says what Create did with a request
type Outcome int

const (
	OutcomePlaced Outcome = iota
	OutcomeAveraged
	OutcomeDeferred
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomePlaced:
		return "placed"
	case OutcomeAveraged:
		return "averaged"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "skipped"
	}
}

// Book creates TP orders against the shared state
type Book struct {
	exec     *order.Executor
	state    *book.State
	repricer *repricer.Machine
	requeue  func(tpqueue.Item)
	logger   core.ILogger
	now      func() time.Time
}

// New creates a TP book. requeue puts an item back at the head of the
// creation queue.
func New(exec *order.Executor, state *book.State, rp *repricer.Machine, requeue func(tpqueue.Item), logger core.ILogger) *Book {
	return &Book{
		exec:     exec,
		state:    state,
		repricer: rp,
		requeue:  requeue,
		logger:   logger.WithField("component", "tp_book"),
		now:      time.Now,
	}
}

// PlannedPrice is the sell price for an item before any policy applies
func PlannedPrice(item tpqueue.Item, p Params) decimal.Decimal {
	if item.TargetPrice.IsPositive() {
		return tradingutils.RoundToTick(item.TargetPrice, p.Tick)
	}
	return tradingutils.RoundToTick(item.BuyPrice.Add(tradingutils.Ticks(p.TPTicks, p.Tick)), p.Tick)
}

// Create handles one TP request. An error leaves the request for a retry;
// a *tpqueue.RetryError names the request to retry instead.
func (b *Book) Create(ctx context.Context, item tpqueue.Item, p Params) (Outcome, error) {
	if !item.Quantity.IsPositive() {
		return OutcomeSkipped, nil
	}
	planned := PlannedPrice(item, p)

	if p.MaxSellTPOrders > 0 && b.state.TPCount() >= p.MaxSellTPOrders {
		highest, _ := b.state.HighestTP()
		if !b.repricer.Begin(highest, item) {
			return OutcomeSkipped, tpqueue.ErrNotReady
		}
		b.logger.Info("TP request deferred until repricing resolves",
			"buy_price", item.BuyPrice.String(), "planned", planned.String())
		return OutcomeDeferred, nil
	}

	if highest, ok := b.state.HighestTP(); ok {
		threshold := tradingutils.Ticks(p.AveragingThresholdTicks, p.Tick)
		if p.AveragingThresholdTicks > 0 && highest.Price.Sub(planned).GreaterThanOrEqual(threshold) {
			merged, err := b.average(ctx, highest, item, planned, p)
			switch {
			case merged:
				return OutcomeAveraged, err
			case err != nil:
				return OutcomeSkipped, err
			}
		}
	}

	if _, err := b.place(ctx, planned, item.Quantity, item.BuyPrice, false); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomePlaced, nil
}

// average merges the highest TP with the new request at their quantity
// weighted price. It reports false when the highest TP turned out to be
// filled, in which case the caller places a plain TP. When the highest TP
// cannot be read back it stays in the book and the request is retried.
func (b *Book) average(ctx context.Context, highest book.TakeProfitOrder, item tpqueue.Item, planned decimal.Decimal, p Params) (bool, error) {
	final, err := b.exec.CancelAndFetch(ctx, highest.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrFinalStateUnknown) {
			b.state.MarkTPCancelPending(highest.OrderID)
			b.logger.Warn("Averaging target state unknown after cancel, request retried",
				"order_id", highest.OrderID, "price", highest.Price.String())
		}
		return false, fmt.Errorf("cancel %s for averaging: %w", highest.OrderID, err)
	}

	if final.Filled() {
		_, profit, _ := b.state.RecordTPFill(highest.OrderID)
		telemetry.GetGlobalMetrics().RecordFilled(ctx, b.exec.Symbol(), string(core.OrderSideSell))
		telemetry.GetGlobalMetrics().RecordRealized(ctx, b.exec.Symbol(), profit.InexactFloat64())
		b.logger.Info("Averaging target filled before cancel",
			"order_id", highest.OrderID, "profit", profit.String())
		return false, nil
	}

	existingQty := highest.Quantity
	if final.ExecutedQty.IsPositive() {
		b.state.CreditPartialSell(highest.OrderID, final.ExecutedQty, highest.Price)
		existingQty = existingQty.Sub(final.ExecutedQty)
	}
	b.state.ReplaceTPForAveraging(highest.OrderID)

	avg := tradingutils.RoundToTick(
		tradingutils.WeightedAverage(highest.Price, existingQty, planned, item.Quantity), p.Tick)

	b.logger.Info("Averaging TP orders",
		"highest_price", highest.Price.String(),
		"planned_price", planned.String(),
		"average_price", avg.String(),
		"existing_qty", existingQty.String(),
		"new_qty", item.Quantity.String())

	if existingQty.IsPositive() {
		if _, err := b.place(ctx, avg, existingQty, highest.BuyPrice, true); err != nil {
			b.logger.Warn("Averaged lot placement failed, requeued",
				"buy_price", highest.BuyPrice.String(), "error", err)
			b.requeue(tpqueue.Item{
				BuyPrice:    highest.BuyPrice,
				Quantity:    existingQty,
				TargetPrice: avg,
				EnqueuedAt:  b.now(),
			})
		}
	}

	if _, err := b.place(ctx, avg, item.Quantity, item.BuyPrice, true); err != nil {
		retry := item
		retry.TargetPrice = avg
		return true, tpqueue.Retry(retry, err)
	}
	return true, nil
}

func (b *Book) place(ctx context.Context, price, qty, buyPrice decimal.Decimal, averaged bool) (book.TakeProfitOrder, error) {
	placed, err := b.exec.PlaceLimit(ctx, core.OrderSideSell, price, qty)
	if err != nil {
		return book.TakeProfitOrder{}, err
	}
	tp := book.TakeProfitOrder{
		OrderID:       placed.OrderID,
		ClientOrderID: placed.ClientOrderID,
		Price:         price,
		Quantity:      qty,
		BuyPrice:      buyPrice,
		CreatedAt:     b.now(),
		IsAveraged:    averaged,
	}
	b.state.RecordTPPlaced(tp)
	b.logger.Info("TP order placed",
		"order_id", tp.OrderID,
		"price", price.String(),
		"buy_price", buyPrice.String(),
		"quantity", qty.String(),
		"averaged", averaged)
	return tp, nil
}
