package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal    = "scalper_pnl_realized_total"
	MetricOrdersPlacedTotal   = "scalper_orders_placed_total"
	MetricOrdersFilledTotal   = "scalper_orders_filled_total"
	MetricOrdersCanceledTotal = "scalper_orders_canceled_total"
	MetricBuyOrdersActive     = "scalper_buy_orders_active"
	MetricTPOrdersActive      = "scalper_tp_orders_active"
	MetricRepricingActive     = "scalper_repricing_active"
	MetricTPQueueDepth        = "scalper_tp_queue_depth"
	MetricStreamConnected     = "scalper_stream_connected"
)

// MetricsHolder holds initialized instruments. Setters are safe to call
// before InitMetrics; counters are then dropped and gauges still observed
// once instruments exist.
type MetricsHolder struct {
	PnLRealizedTotal    metric.Float64Counter
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersCanceledTotal metric.Int64Counter

	mu              sync.RWMutex
	activeBuys      map[string]int64
	activeTPs       map[string]int64
	repricingActive map[string]int64
	queueDepth      map[string]int64
	streamConnected map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeBuys:      make(map[string]int64),
			activeTPs:       make(map[string]int64),
			repricingActive: make(map[string]int64),
			queueDepth:      make(map[string]int64),
			streamConnected: make(map[string]int64),
		}
	})
	return globalMetrics
}

func (m *MetricsHolder) gauge(meter metric.Meter, name, desc string, values map[string]int64) error {
	_, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range values {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	return err
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.mu.Lock()
	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit"))
	if err == nil {
		m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	}
	if err == nil {
		m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	}
	if err == nil {
		m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Total orders canceled"))
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	gauges := []struct {
		name   string
		desc   string
		values map[string]int64
	}{
		{MetricBuyOrdersActive, "Resting ladder buy orders", m.activeBuys},
		{MetricTPOrdersActive, "Resting take-profit orders", m.activeTPs},
		{MetricRepricingActive, "Repricing state (1=active, 0=inactive)", m.repricingActive},
		{MetricTPQueueDepth, "Pending take-profit creation requests", m.queueDepth},
		{MetricStreamConnected, "Push channel state (1=connected, 0=down)", m.streamConnected},
	}
	for _, g := range gauges {
		if err := m.gauge(meter, g.name, g.desc, g.values); err != nil {
			return err
		}
	}
	return nil
}

func sideAttrs(symbol, side string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("side", side))
}

// RecordPlaced counts a placed order
func (m *MetricsHolder) RecordPlaced(ctx context.Context, symbol, side string) {
	m.mu.RLock()
	c := m.OrdersPlacedTotal
	m.mu.RUnlock()
	if c != nil {
		c.Add(ctx, 1, sideAttrs(symbol, side))
	}
}

// RecordFilled counts a filled order
func (m *MetricsHolder) RecordFilled(ctx context.Context, symbol, side string) {
	m.mu.RLock()
	c := m.OrdersFilledTotal
	m.mu.RUnlock()
	if c != nil {
		c.Add(ctx, 1, sideAttrs(symbol, side))
	}
}

// RecordCanceled counts a canceled order
func (m *MetricsHolder) RecordCanceled(ctx context.Context, symbol, side string) {
	m.mu.RLock()
	c := m.OrdersCanceledTotal
	m.mu.RUnlock()
	if c != nil {
		c.Add(ctx, 1, sideAttrs(symbol, side))
	}
}

// RecordRealized adds realized profit; losses are recorded as negative adds
// on a separate attribute since counters must be monotonic.
func (m *MetricsHolder) RecordRealized(ctx context.Context, symbol string, profit float64) {
	m.mu.RLock()
	c := m.PnLRealizedTotal
	m.mu.RUnlock()
	if c == nil {
		return
	}
	direction := "gain"
	if profit < 0 {
		direction = "loss"
		profit = -profit
	}
	c.Add(ctx, profit, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("direction", direction)))
}

// SetOrderCounts updates the resting order gauges
func (m *MetricsHolder) SetOrderCounts(symbol string, buys, tps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeBuys[symbol] = int64(buys)
	m.activeTPs[symbol] = int64(tps)
}

// SetRepricingActive updates the repricing gauge
func (m *MetricsHolder) SetRepricingActive(symbol string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repricingActive[symbol] = boolToInt(active)
}

// SetQueueDepth updates the TP queue gauge
func (m *MetricsHolder) SetQueueDepth(symbol string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth[symbol] = int64(depth)
}

// SetStreamConnected updates the push channel gauge
func (m *MetricsHolder) SetStreamConnected(symbol string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamConnected[symbol] = boolToInt(connected)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
