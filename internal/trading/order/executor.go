// Package order provides rate limited, traced order execution over a gateway
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"scalper/internal/core"
	"scalper/pkg/concurrency"
	apperrors "scalper/pkg/errors"
	"scalper/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ClientOrderPrefix starts every correlation id this engine assigns
const ClientOrderPrefix = "scalp_"

// ErrFinalStateUnknown is returned by CancelAndFetch when the cancel went
// through but the order could not be read back. The order may have filled;
// callers keep tracking it and settle it on a later cycle.
var ErrFinalStateUnknown = errors.New("final order state unknown")

const (
	healthWindow       = 5 * time.Minute
	healthMaxErrors    = 50
	errorRingCapacity  = 256
	defaultRateLimit   = 10
	defaultRateBurst   = 20
	defaultCancelPool  = 4
	defaultCancelQueue = 64
)

// Executor issues exchange calls for one symbol. It never retries: a failed
// call is returned to the caller, which abandons the operation for the cycle.
type Executor struct {
	exchange core.IExchange
	symbol   string
	logger   core.ILogger

	rateLimiter *rate.Limiter
	pool        *concurrency.WorkerPool

	errMu      sync.Mutex
	errorTimes []time.Time
	errorIndex int

	now         func() time.Time
	newClientID func() string

	// OTel
	tracer        trace.Tracer
	placeCounter  metric.Int64Counter
	cancelCounter metric.Int64Counter
	failCounter   metric.Int64Counter
}

// Option configures an Executor
type Option func(*Executor)

// WithRateLimit sets the request rate limit in requests per second
func WithRateLimit(limit float64, burst int) Option {
	return func(e *Executor) {
		if limit > 0 && burst > 0 {
			e.rateLimiter = rate.NewLimiter(rate.Limit(limit), burst)
		}
	}
}

// WithPool sets the worker pool used by CancelAll
func WithPool(pool *concurrency.WorkerPool) Option {
	return func(e *Executor) {
		e.pool = pool
	}
}

// WithClientIDGenerator overrides correlation id generation
func WithClientIDGenerator(gen func() string) Option {
	return func(e *Executor) {
		e.newClientID = gen
	}
}

// NewExecutor creates an executor bound to one gateway and symbol
func NewExecutor(exchange core.IExchange, symbol string, logger core.ILogger, opts ...Option) *Executor {
	tracer := telemetry.GetTracer("order-executor")
	meter := telemetry.GetMeter("order-executor")

	placeCounter, _ := meter.Int64Counter("order_placements_total",
		metric.WithDescription("Total number of order placement attempts"))
	cancelCounter, _ := meter.Int64Counter("order_cancels_total",
		metric.WithDescription("Total number of order cancel attempts"))
	failCounter, _ := meter.Int64Counter("order_failures_total",
		metric.WithDescription("Total number of failed exchange calls"))

	e := &Executor{
		exchange:      exchange,
		symbol:        symbol,
		logger:        logger.WithField("component", "order_executor"),
		rateLimiter:   rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateBurst),
		errorTimes:    make([]time.Time, 0, errorRingCapacity),
		now:           time.Now,
		newClientID:   NewClientOrderID,
		tracer:        tracer,
		placeCounter:  placeCounter,
		cancelCounter: cancelCounter,
		failCounter:   failCounter,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "cancel",
			MaxWorkers:  defaultCancelPool,
			MaxCapacity: defaultCancelQueue,
		}, e.logger)
	}
	return e
}

// NewClientOrderID returns a fresh correlation id
func NewClientOrderID() string {
	return ClientOrderPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Symbol returns the symbol this executor trades
func (e *Executor) Symbol() string {
	return e.symbol
}

// Exchange returns the underlying gateway
func (e *Executor) Exchange() core.IExchange {
	return e.exchange
}

func (e *Executor) wait(ctx context.Context) error {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// PlaceLimit places a limit order with a fresh correlation id
func (e *Executor) PlaceLimit(ctx context.Context, side core.OrderSide, price, qty decimal.Decimal) (*core.Order, error) {
	return e.place(ctx, &core.PlaceOrderRequest{
		Symbol:        e.symbol,
		Side:          side,
		Type:          core.OrderTypeLimit,
		Price:         price,
		Quantity:      qty,
		ClientOrderID: e.newClientID(),
	})
}

// PlaceMarket places a market order with a fresh correlation id
func (e *Executor) PlaceMarket(ctx context.Context, side core.OrderSide, qty decimal.Decimal) (*core.Order, error) {
	return e.place(ctx, &core.PlaceOrderRequest{
		Symbol:        e.symbol,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: e.newClientID(),
	})
}

func (e *Executor) place(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	ctx, span := e.tracer.Start(ctx, "PlaceOrder",
		trace.WithAttributes(
			attribute.String("symbol", req.Symbol),
			attribute.String("side", string(req.Side)),
			attribute.String("type", string(req.Type)),
			attribute.String("price", req.Price.String()),
			attribute.String("quantity", req.Quantity.String()),
		),
	)
	defer span.End()

	if err := e.wait(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.placeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(req.Side))))

	order, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		e.fail(ctx, span, "place", err)
		return nil, err
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	span.SetAttributes(attribute.String("order_id", order.OrderID))
	telemetry.GetGlobalMetrics().RecordPlaced(ctx, e.symbol, string(req.Side))
	return order, nil
}

// Cancel cancels an order. An order that is no longer resting counts as
// canceled.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	ctx, span := e.tracer.Start(ctx, "CancelOrder",
		trace.WithAttributes(
			attribute.String("symbol", e.symbol),
			attribute.String("order_id", orderID),
		),
	)
	defer span.End()

	if err := e.wait(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	e.cancelCounter.Add(ctx, 1)

	err := e.exchange.CancelOrder(ctx, e.symbol, orderID)
	if err == nil {
		return nil
	}
	if apperrors.IsAlreadyCompleted(err) {
		e.logger.Debug("Cancel target already completed", "order_id", orderID)
		span.SetAttributes(attribute.Bool("already_completed", true))
		return nil
	}
	e.fail(ctx, span, "cancel", err)
	return err
}

// CancelAndFetch cancels an order and then reads its final state, so a fill
// that raced the cancel is visible to the caller. A failed read returns
// ErrFinalStateUnknown.
func (e *Executor) CancelAndFetch(ctx context.Context, orderID string) (*core.Order, error) {
	if err := e.Cancel(ctx, orderID); err != nil {
		return nil, err
	}
	final, err := e.Status(ctx, orderID)
	if err != nil {
		e.logger.Warn("Final state unavailable after cancel", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrFinalStateUnknown, orderID, err)
	}
	return final, nil
}

// CancelAll cancels orders concurrently and returns the failures by id
func (e *Executor) CancelAll(ctx context.Context, orderIDs []string) map[string]error {
	var mu sync.Mutex
	failures := make(map[string]error)

	tasks := make([]func(), 0, len(orderIDs))
	for _, id := range orderIDs {
		id := id
		tasks = append(tasks, func() {
			if err := e.Cancel(ctx, id); err != nil {
				mu.Lock()
				failures[id] = err
				mu.Unlock()
			}
		})
	}
	e.pool.RunAll(tasks)
	return failures
}

// Status returns the venue's current view of an order
func (e *Executor) Status(ctx context.Context, orderID string) (*core.Order, error) {
	ctx, span := e.tracer.Start(ctx, "GetOrder",
		trace.WithAttributes(attribute.String("order_id", orderID)),
	)
	defer span.End()

	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	order, err := e.exchange.GetOrder(ctx, e.symbol, orderID)
	if err != nil {
		e.fail(ctx, span, "status", err)
		return nil, err
	}
	return order, nil
}

// OrderBook returns the top of book
func (e *Executor) OrderBook(ctx context.Context) (*core.OrderBook, error) {
	ctx, span := e.tracer.Start(ctx, "GetOrderBook")
	defer span.End()

	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	book, err := e.exchange.GetOrderBook(ctx, e.symbol)
	if err != nil {
		e.fail(ctx, span, "orderbook", err)
		return nil, err
	}
	if !book.BestBid.IsPositive() || !book.BestAsk.IsPositive() {
		err := fmt.Errorf("empty order book for %s", e.symbol)
		e.fail(ctx, span, "orderbook", err)
		return nil, err
	}
	return book, nil
}

// OpenOrders lists the symbol's resting orders
func (e *Executor) OpenOrders(ctx context.Context) ([]*core.Order, error) {
	ctx, span := e.tracer.Start(ctx, "GetOpenOrders")
	defer span.End()

	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := e.exchange.GetOpenOrders(ctx, e.symbol)
	if err != nil {
		e.fail(ctx, span, "open_orders", err)
		return nil, err
	}
	return orders, nil
}

// CheckHealth returns an error if too many calls failed recently
func (e *Executor) CheckHealth() error {
	if n := e.recentErrorCount(healthWindow); n > healthMaxErrors {
		return fmt.Errorf("high error rate: %d errors in last %s", n, healthWindow)
	}
	return nil
}

// Close stops the cancel pool
func (e *Executor) Close() {
	e.pool.Stop()
}

func (e *Executor) fail(ctx context.Context, span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	e.recordError()
}

func (e *Executor) recordError() {
	e.errMu.Lock()
	defer e.errMu.Unlock()

	now := e.now()
	if len(e.errorTimes) < errorRingCapacity {
		e.errorTimes = append(e.errorTimes, now)
		return
	}
	e.errorTimes[e.errorIndex] = now
	e.errorIndex = (e.errorIndex + 1) % errorRingCapacity
}

func (e *Executor) recentErrorCount(window time.Duration) int {
	e.errMu.Lock()
	defer e.errMu.Unlock()

	cutoff := e.now().Add(-window)
	count := 0
	for _, ts := range e.errorTimes {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}
