// Package repricer walks the evicted highest TP order toward the market while
// the TP book is at capacity.
package repricer

import (
	"context"
	"time"

	"scalper/internal/core"
	"scalper/internal/trading/book"
	"scalper/internal/trading/order"
	"scalper/internal/trading/tpqueue"
	"scalper/pkg/telemetry"
	"scalper/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Params are the live tunables read on every check
type Params struct {
	Tick     decimal.Decimal
	TPTicks  int
	Interval time.Duration
}

// Context describes the order under repricing
type Context struct {
	// OrderID is the resting sell; empty while a replacement is pending
	OrderID         string          `json:"orderId"`
	OriginalOrderID string          `json:"originalOrderId"`
	OriginalPrice   decimal.Decimal `json:"originalPrice"`
	BuyPrice        decimal.Decimal `json:"buyPrice"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"currentPrice"`
	StartedAt       time.Time       `json:"startedAt"`
	LastRepriceAt   time.Time       `json:"lastRepriceAt"`
	Reprices        int             `json:"reprices"`
	Deferred        *tpqueue.Item   `json:"deferred,omitempty"`

	// Unresolved is set by Abort when the order's final state could not be
	// established; Quantity is then not known to be unsold
	Unresolved bool `json:"-"`

	positionKey string
}

// Machine is the single repricing context of a session. It is inactive
// until Begin and returns to inactive when the order fills or is aborted.
// Callers serialize access.
type Machine struct {
	exec    *order.Executor
	state   *book.State
	release func(tpqueue.Item)
	logger  core.ILogger
	now     func() time.Time

	active *Context
}

// New creates an inactive machine. release receives the deferred TP item
// once repricing resolves.
func New(exec *order.Executor, state *book.State, release func(tpqueue.Item), logger core.ILogger) *Machine {
	return &Machine{
		exec:    exec,
		state:   state,
		release: release,
		logger:  logger.WithField("component", "repricer"),
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// IsActive reports whether an order is under repricing
func (m *Machine) IsActive() bool {
	return m.active != nil
}

// Current returns a copy of the active context
func (m *Machine) Current() (Context, bool) {
	if m.active == nil {
		return Context{}, false
	}
	return *m.active, true
}

// Begin withdraws tp from the book and takes it under repricing. deferred is
// the TP request that found the book full.
func (m *Machine) Begin(tp book.TakeProfitOrder, deferred tpqueue.Item) bool {
	if m.active != nil {
		m.logger.Warn("Repricing already active, refusing second context",
			"active_order_id", m.active.OrderID, "order_id", tp.OrderID)
		return false
	}
	if _, ok := m.state.WithdrawTP(tp.OrderID); !ok {
		return false
	}

	m.active = &Context{
		OrderID:         tp.OrderID,
		OriginalOrderID: tp.OrderID,
		OriginalPrice:   tp.Price,
		BuyPrice:        tp.BuyPrice,
		Quantity:        tp.Quantity,
		Price:           tp.Price,
		StartedAt:       m.now(),
		Deferred:        &deferred,
		positionKey:     tp.OrderID,
	}
	telemetry.GetGlobalMetrics().SetRepricingActive(m.exec.Symbol(), true)
	m.logger.Info("TP book full, repricing highest TP",
		"order_id", tp.OrderID,
		"price", tp.Price.String(),
		"buy_price", tp.BuyPrice.String(),
		"quantity", tp.Quantity.String())
	return true
}

// Check looks for a fill and reprices once the interval has elapsed
func (m *Machine) Check(ctx context.Context, p Params) {
	rc := m.active
	if rc == nil {
		return
	}

	if rc.OrderID != "" {
		status, err := m.exec.Status(ctx, rc.OrderID)
		if err != nil {
			m.logger.Warn("Repricing order status unavailable", "order_id", rc.OrderID, "error", err)
			return
		}
		switch {
		case status.Filled():
			m.resolve(ctx, rc.Price)
			return
		case status.Status.IsTerminal():
			m.logger.Warn("Repricing order canceled outside the engine, replacing",
				"order_id", rc.OrderID, "status", status.Status.String())
			m.creditPartial(status)
			rc.OrderID = ""
		}
	}

	if !rc.LastRepriceAt.IsZero() && m.now().Sub(rc.LastRepriceAt) < p.Interval {
		return
	}

	ob, err := m.exec.OrderBook(ctx)
	if err != nil {
		m.logger.Warn("Order book unavailable for repricing", "error", err)
		return
	}
	rc.LastRepriceAt = m.now()

	candidate := tradingutils.RoundToTick(ob.BestAsk.Add(tradingutils.Ticks(p.TPTicks, p.Tick)), p.Tick)
	if rc.OrderID != "" && !candidate.LessThan(rc.Price) {
		m.logger.Debug("Reprice skipped, price not improved",
			"current", rc.Price.String(), "candidate", candidate.String())
		return
	}

	if rc.OrderID != "" {
		final, err := m.exec.CancelAndFetch(ctx, rc.OrderID)
		if err != nil {
			m.logger.Warn("Reprice cancel failed", "order_id", rc.OrderID, "error", err)
			return
		}
		if final.Filled() {
			m.resolve(ctx, rc.Price)
			return
		}
		m.creditPartial(final)
		rc.OrderID = ""
	}

	placed, err := m.exec.PlaceLimit(ctx, core.OrderSideSell, candidate, rc.Quantity)
	if err != nil {
		m.logger.Error("Reprice placement failed, retrying next cycle",
			"price", candidate.String(), "quantity", rc.Quantity.String(), "error", err)
		return
	}

	m.state.MovePosition(rc.positionKey, placed.OrderID, candidate)
	rc.positionKey = placed.OrderID
	rc.OrderID = placed.OrderID
	rc.Price = candidate
	rc.Reprices++
	m.logger.Info("Repriced TP",
		"order_id", placed.OrderID,
		"price", candidate.String(),
		"reprices", rc.Reprices)
}

// creditPartial books the executed part of a replaced order
func (m *Machine) creditPartial(final *core.Order) {
	if final == nil || !final.ExecutedQty.IsPositive() {
		return
	}
	rc := m.active
	qty := final.ExecutedQty
	profit := m.state.CreditPartialSell(rc.positionKey, qty, rc.Price)
	rc.Quantity = rc.Quantity.Sub(qty)
	m.logger.Info("Repricing order partially filled before replacement",
		"order_id", final.OrderID,
		"filled", qty.String(),
		"profit", profit.String())
}

// OnFill resolves the context if orderID is the repricing order. It reports
// whether the id belonged to the machine.
func (m *Machine) OnFill(ctx context.Context, orderID string) bool {
	if m.active == nil || m.active.OrderID == "" || m.active.OrderID != orderID {
		return false
	}
	m.resolve(ctx, m.active.Price)
	return true
}

// Owns reports whether orderID is the current repricing order
func (m *Machine) Owns(orderID string) bool {
	return m.active != nil && m.active.OrderID != "" && m.active.OrderID == orderID
}

func (m *Machine) resolve(ctx context.Context, price decimal.Decimal) {
	rc := m.active
	m.active = nil
	telemetry.GetGlobalMetrics().SetRepricingActive(m.exec.Symbol(), false)

	_, profit, _ := m.state.CloseHeldPosition(rc.positionKey, true, price)
	telemetry.GetGlobalMetrics().RecordRealized(ctx, m.exec.Symbol(), profit.InexactFloat64())
	m.logger.Info("Repricing order filled",
		"order_id", rc.OrderID,
		"price", price.String(),
		"profit", profit.String(),
		"reprices", rc.Reprices)

	if rc.Deferred != nil && m.release != nil {
		m.release(*rc.Deferred)
	}
}

// Abort cancels the repricing order and leaves the machine inactive. The
// returned context carries the unsold quantity, which is zero when the order
// had already filled, and the deferred item, which is not released. When the
// order could not be canceled or read back the context is marked Unresolved.
// It returns nil when no repricing was active.
func (m *Machine) Abort(ctx context.Context) *Context {
	rc := m.active
	if rc == nil {
		return nil
	}

	if rc.OrderID != "" {
		final, err := m.exec.CancelAndFetch(ctx, rc.OrderID)
		if err != nil {
			m.logger.Error("Repricing order state unknown on abort",
				"order_id", rc.OrderID, "quantity", rc.Quantity.String(), "error", err)
			m.active = nil
			telemetry.GetGlobalMetrics().SetRepricingActive(m.exec.Symbol(), false)
			m.state.CloseHeldPosition(rc.positionKey, false, decimal.Zero)
			out := *rc
			out.Unresolved = true
			return &out
		}
		if final.Filled() {
			deferred := rc.Deferred
			rc.Deferred = nil
			m.resolve(ctx, rc.Price)
			out := *rc
			out.Quantity = decimal.Zero
			out.Deferred = deferred
			return &out
		}
		m.creditPartial(final)
	}

	m.active = nil
	telemetry.GetGlobalMetrics().SetRepricingActive(m.exec.Symbol(), false)
	m.state.CloseHeldPosition(rc.positionKey, false, decimal.Zero)
	out := *rc
	return &out
}
