// Package ladder maintains the resting buy orders below the best bid
package ladder

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

// CapacitySlack is the room above the TP ceiling that resting buys may use.
// A buy that fills while the book sits at the ceiling triggers repricing of
// the highest TP rather than a breach.
const CapacitySlack = 1

// Params are the live tunables read on every tick
type Params struct {
	Tick            decimal.Decimal
	Quantity        decimal.Decimal
	MaxBuyOrders    int
	OffsetTicks     int
	LayerStepTicks  int
	RepriceTicks    int
	MaxSellTPOrders int
	BuyTTL          time.Duration
	FillCooldown    time.Duration
}

// Manager places, ages out and reprices the buy ladder. Callers serialize
// access.
type Manager struct {
	exec    *order.Executor
	state   *book.State
	enqueue func(tpqueue.Item)
	queued  func() int
	logger  core.ILogger
	now     func() time.Time
}

// New creates a ladder manager. enqueue receives TP requests for filled
// quantity; queued reports how many TP requests are pending.
func New(exec *order.Executor, state *book.State, enqueue func(tpqueue.Item), queued func() int, logger core.ILogger) *Manager {
	return &Manager{
		exec:    exec,
		state:   state,
		enqueue: enqueue,
		queued:  queued,
		logger:  logger.WithField("component", "ladder"),
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// LayerPrice is the target price of a layer before collision shifting
func LayerPrice(bestBid decimal.Decimal, layer int, p Params) decimal.Decimal {
	ticks := p.OffsetTicks + layer*p.LayerStepTicks
	return tradingutils.RoundToTick(bestBid.Sub(tradingutils.Ticks(ticks, p.Tick)), p.Tick)
}

// Manage cancels buys that outlived the TTL or drifted from the best bid.
// Replacements happen on the next creation pass.
func (m *Manager) Manage(ctx context.Context, ob *core.OrderBook, p Params) {
	now := m.now()
	for _, b := range m.state.Buys() {
		age := now.Sub(b.CreatedAt)
		drift := tradingutils.TicksBetween(b.Price, ob.BestBid, p.Tick)

		switch {
		case p.BuyTTL > 0 && age >= p.BuyTTL:
			m.cancel(ctx, b, "ttl")
		case p.RepriceTicks > 0 && drift.GreaterThanOrEqual(decimal.NewFromInt(int64(p.RepriceTicks))):
			m.cancel(ctx, b, "reprice")
		}
	}
}

// cancel removes one buy, crediting whatever executed before the cancel
func (m *Manager) cancel(ctx context.Context, b book.BuyOrder, reason string) {
	final, err := m.exec.CancelAndFetch(ctx, b.OrderID)
	if err != nil {
		m.logger.Warn("Buy cancel failed, retrying next tick",
			"order_id", b.OrderID, "reason", reason, "error", err)
		return
	}
	m.Settle(ctx, b.OrderID, final, reason)
}

// Settle applies the final state of a buy that is no longer resting
func (m *Manager) Settle(ctx context.Context, orderID string, final *core.Order, reason string) {
	if final != nil && final.Filled() {
		m.RecordFill(ctx, orderID, final.FilledQuantity())
		return
	}
	if final != nil {
		m.state.UpdateBuyFilled(orderID, final.ExecutedQty)
	}

	b, ok := m.state.RecordBuyCancel(orderID, m.now())
	if !ok {
		return
	}
	telemetry.GetGlobalMetrics().RecordCanceled(ctx, m.exec.Symbol(), string(core.OrderSideBuy))
	m.logger.Info("Buy order canceled",
		"order_id", orderID,
		"reason", reason,
		"price", b.Price.String(),
		"filled", b.FilledQuantity.String())

	if b.FilledQuantity.IsPositive() {
		m.enqueue(tpqueue.Item{BuyPrice: b.Price, Quantity: b.FilledQuantity, EnqueuedAt: m.now()})
	}
}

// RecordFill completes a fully filled buy and requests its TP. It reports
// false when the buy was already settled.
func (m *Manager) RecordFill(ctx context.Context, orderID string, executed decimal.Decimal) bool {
	b, ok := m.state.RecordBuyFill(orderID, m.now())
	if !ok {
		return false
	}
	qty := b.Quantity
	if executed.IsPositive() {
		qty = executed
	}
	telemetry.GetGlobalMetrics().RecordFilled(ctx, m.exec.Symbol(), string(core.OrderSideBuy))
	m.logger.Info("Buy order filled",
		"order_id", orderID,
		"price", b.Price.String(),
		"quantity", qty.String())
	m.enqueue(tpqueue.Item{BuyPrice: b.Price, Quantity: qty, EnqueuedAt: m.now()})
	return true
}

// CancelAll cancels every resting buy concurrently and settles each one
func (m *Manager) CancelAll(ctx context.Context, reason string) {
	buys := m.state.Buys()
	if len(buys) == 0 {
		return
	}
	ids := make([]string, len(buys))
	for i, b := range buys {
		ids[i] = b.OrderID
	}

	failures := m.exec.CancelAll(ctx, ids)
	for _, id := range ids {
		if err, failed := failures[id]; failed {
			m.logger.Warn("Buy cancel failed", "order_id", id, "reason", reason, "error", err)
			continue
		}
		final, err := m.exec.Status(ctx, id)
		if err != nil {
			m.logger.Error("Final buy state unknown after cancel, left tracked",
				"order_id", id, "reason", reason, "error", err)
			continue
		}
		m.Settle(ctx, id, final, reason)
	}
}

// Create fills empty layers up to the ladder size. It places nothing during
// the post fill cooldown or once buys plus TP orders plus pending TP
// requests reach the TP ceiling plus CapacitySlack.
func (m *Manager) Create(ctx context.Context, ob *core.OrderBook, p Params) int {
	now := m.now()
	last := m.state.Stats.LastBuyFillAt
	if p.FillCooldown > 0 && !last.IsZero() && now.Sub(last) < p.FillCooldown {
		return 0
	}

	occupied := make(map[int]bool)
	prices := make([]decimal.Decimal, 0, p.MaxBuyOrders)
	for _, b := range m.state.Buys() {
		occupied[b.LayerIndex] = true
		prices = append(prices, b.Price)
	}

	placed := 0
	for layer := 0; layer < p.MaxBuyOrders; layer++ {
		if occupied[layer] {
			continue
		}
		if !m.hasCapacity(p) {
			m.logger.Debug("Buy creation suppressed at capacity",
				"buys", m.state.BuyCount(), "tps", m.state.TPCount(), "queued", m.queued())
			break
		}

		price := m.resolveCollision(LayerPrice(ob.BestBid, layer, p), prices, p)
		if !price.IsPositive() {
			continue
		}

		o, err := m.exec.PlaceLimit(ctx, core.OrderSideBuy, price, p.Quantity)
		if err != nil {
			m.logger.Warn("Buy placement failed", "layer", layer, "price", price.String(), "error", err)
			break
		}
		m.state.RecordBuyPlaced(book.BuyOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Price:         price,
			Quantity:      p.Quantity,
			CreatedAt:     now,
			LayerIndex:    layer,
		})
		prices = append(prices, price)
		placed++
		m.logger.Info("Buy order placed", "order_id", o.OrderID, "layer", layer, "price", price.String())
	}
	return placed
}

func (m *Manager) hasCapacity(p Params) bool {
	used := m.state.BuyCount() + m.state.TPCount() + m.queued()
	return used < p.MaxSellTPOrders+CapacitySlack
}

// resolveCollision steps a price down by one layer step while it sits within
// half a tick of a price already used
func (m *Manager) resolveCollision(price decimal.Decimal, used []decimal.Decimal, p Params) decimal.Decimal {
	half := p.Tick.Div(decimal.NewFromInt(2))
	step := tradingutils.Ticks(max(p.LayerStepTicks, 1), p.Tick)

	for attempt := 0; attempt <= len(used); attempt++ {
		collides := false
		for _, u := range used {
			if u.Sub(price).Abs().LessThan(half) {
				collides = true
				break
			}
		}
		if !collides {
			return price
		}
		price = tradingutils.RoundToTick(price.Sub(step), p.Tick)
	}
	return price
}
