// Package reconcile merges pushed order events and the periodic status poll
// into one stream of fill and cancel transitions.
package reconcile

import (
	"context"

	"scalper/internal/core"
	"scalper/internal/trading/book"
	"scalper/internal/trading/ladder"
	"scalper/internal/trading/order"
	"scalper/internal/trading/repricer"
	"scalper/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Source tags where a transition was observed
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

const tradeMemory = 4096

// Reconciler applies order transitions to the session state. Callers
// serialize access.
type Reconciler struct {
	exec     *order.Executor
	state    *book.State
	ladder   *ladder.Manager
	repricer *repricer.Machine
	logger   core.ILogger

	trades     map[string]struct{}
	tradeOrder []string

	unmatched int
}

// New creates a reconciler over the session components
func New(exec *order.Executor, state *book.State, lm *ladder.Manager, rp *repricer.Machine, logger core.ILogger) *Reconciler {
	return &Reconciler{
		exec:     exec,
		state:    state,
		ladder:   lm,
		repricer: rp,
		logger:   logger.WithField("component", "reconciler"),
		trades:   make(map[string]struct{}),
	}
}

// Unmatched returns how many pushed events could not be matched
func (r *Reconciler) Unmatched() int {
	return r.unmatched
}

func (r *Reconciler) heuristic() bool {
	return !r.exec.Exchange().SupportsClientOrderID()
}

func buyIdentities(buys []book.BuyOrder) []Tracked {
	out := make([]Tracked, len(buys))
	for i, b := range buys {
		out[i] = Tracked{OrderID: b.OrderID, ClientOrderID: b.ClientOrderID}
	}
	return out
}

func tpIdentities(tps []book.TakeProfitOrder) []Tracked {
	out := make([]Tracked, len(tps))
	for i, tp := range tps {
		out[i] = Tracked{OrderID: tp.OrderID, ClientOrderID: tp.ClientOrderID}
	}
	return out
}

// HandleOrderUpdate applies a pushed order update
func (r *Reconciler) HandleOrderUpdate(ctx context.Context, u *core.OrderUpdate) {
	if u == nil {
		return
	}
	if sym := r.exec.Symbol(); u.Symbol != "" && u.Symbol != sym {
		return
	}

	final := &core.Order{
		OrderID:       u.OrderID,
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Side:          u.Side,
		Status:        u.Status,
		Price:         u.Price,
		Quantity:      u.Quantity,
		ExecutedQty:   u.CumulativeQty,
		AvgPrice:      u.AvgPrice,
	}

	if id, ok := r.matchRepricing(u.OrderID, u.ClientOrderID); ok {
		if final.Filled() {
			r.repricer.OnFill(ctx, id)
		}
		return
	}

	heuristic := r.heuristic()
	if id, ok := Match(u.OrderID, u.ClientOrderID, buyIdentities(r.state.Buys()), heuristic); ok {
		r.applyBuy(ctx, id, final, SourcePush)
		return
	}
	if id, ok := Match(u.OrderID, u.ClientOrderID, tpIdentities(r.state.TPs()), heuristic); ok {
		r.applyTP(ctx, id, final, SourcePush)
		return
	}

	if r.state.WasSettled(u.OrderID) || r.state.WasSettled(u.ClientOrderID) {
		r.logger.Debug("Update for settled order ignored",
			"order_id", u.OrderID, "status", u.Status.String())
		return
	}
	r.unmatched++
	r.logger.Warn("Unmatched order update discarded",
		"order_id", u.OrderID,
		"client_order_id", u.ClientOrderID,
		"side", string(u.Side),
		"status", u.Status.String())
}

func (r *Reconciler) matchRepricing(orderID, clientOrderID string) (string, bool) {
	rc, ok := r.repricer.Current()
	if !ok || rc.OrderID == "" {
		return "", false
	}
	return Match(orderID, clientOrderID, []Tracked{{OrderID: rc.OrderID}}, true)
}

// HandleTradeUpdate accumulates fees of pushed executions once per trade
func (r *Reconciler) HandleTradeUpdate(ctx context.Context, t *core.TradeUpdate) {
	if t == nil {
		return
	}
	if t.TradeID != "" {
		if _, seen := r.trades[t.TradeID]; seen {
			return
		}
		if len(r.tradeOrder) >= tradeMemory {
			delete(r.trades, r.tradeOrder[0])
			r.tradeOrder = r.tradeOrder[1:]
		}
		r.trades[t.TradeID] = struct{}{}
		r.tradeOrder = append(r.tradeOrder, t.TradeID)
	}

	if t.Fee.IsPositive() {
		r.state.AddFee(t.Fee)
	}
	r.logger.Debug("Trade executed",
		"trade_id", t.TradeID,
		"order_id", t.OrderID,
		"side", string(t.Side),
		"price", t.Price.String(),
		"quantity", t.Quantity.String(),
		"fee", t.Fee.String(),
		"fee_asset", t.FeeAsset)
}

// Sweep polls the status of tracked orders. Buys are all checked; TP orders
// are checked lowest price first and the sweep stops at the first one still
// resting unless full is set.
func (r *Reconciler) Sweep(ctx context.Context, full bool) {
	for _, b := range r.state.Buys() {
		o, err := r.exec.Status(ctx, b.OrderID)
		if err != nil {
			r.logger.Warn("Buy status unavailable", "order_id", b.OrderID, "error", err)
			continue
		}
		r.applyBuy(ctx, b.OrderID, o, SourcePoll)
	}

	for _, tp := range r.state.TPs() {
		o, err := r.exec.Status(ctx, tp.OrderID)
		if err != nil {
			r.logger.Warn("TP status unavailable", "order_id", tp.OrderID, "error", err)
			if !full {
				return
			}
			continue
		}
		settled := r.applyTP(ctx, tp.OrderID, o, SourcePoll)
		if !settled && !full {
			return
		}
	}
}

func (r *Reconciler) applyBuy(ctx context.Context, id string, o *core.Order, src Source) {
	switch {
	case o.Filled():
		if r.ladder.RecordFill(ctx, id, o.FilledQuantity()) {
			r.logger.Debug("Buy fill reconciled", "order_id", id, "source", string(src))
		}
	case o.Status.IsTerminal():
		r.logger.Warn("Buy order canceled outside the engine",
			"order_id", id, "status", o.Status.String(), "source", string(src))
		r.ladder.Settle(ctx, id, o, "external")
	case o.ExecutedQty.IsPositive():
		r.state.UpdateBuyFilled(id, o.ExecutedQty)
	}
}

// applyTP reports whether the TP left the book
func (r *Reconciler) applyTP(ctx context.Context, id string, o *core.Order, src Source) bool {
	switch {
	case o.Filled():
		tp, profit, ok := r.state.RecordTPFill(id)
		if !ok {
			return true
		}
		sym := r.exec.Symbol()
		telemetry.GetGlobalMetrics().RecordFilled(ctx, sym, string(core.OrderSideSell))
		telemetry.GetGlobalMetrics().RecordRealized(ctx, sym, profit.InexactFloat64())
		r.logger.Info("TP order filled",
			"order_id", id,
			"price", tp.Price.String(),
			"buy_price", tp.BuyPrice.String(),
			"quantity", tp.Quantity.String(),
			"profit", profit.String(),
			"source", string(src))
		return true
	case o.Status.IsTerminal():
		if tp, ok := r.state.TP(id); ok && tp.CancelPending {
			r.logger.Debug("Cancel of pending TP observed, left for its canceler",
				"order_id", id, "status", o.Status.String(), "source", string(src))
			return true
		}
		if tp, ok := r.state.TP(id); ok && o.ExecutedQty.IsPositive() {
			r.state.CreditPartialSell(id, o.ExecutedQty, tp.Price)
		}
		tp, ok := r.state.RecordTPCancel(id)
		if !ok {
			return true
		}
		remaining := tp.Quantity.Sub(o.ExecutedQty)
		r.logger.Warn("TP order canceled outside the engine, position unprotected",
			"order_id", id,
			"price", tp.Price.String(),
			"unprotected_qty", decimal.Max(remaining, decimal.Zero).String(),
			"source", string(src))
		return true
	}
	return false
}
