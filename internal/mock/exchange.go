// Package mock provides an in-memory exchange gateway for tests
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockExchange implements core.IExchange against an in-memory order store.
// Orders only fill when a test calls Fill or PartialFill, except market
// orders which fill immediately at the touch.
type MockExchange struct {
	name string

	mu             sync.Mutex
	orders         map[string]*core.Order
	clientOrderMap map[string]string
	sequence       []string
	orderIDCounter int64
	idPrefix       string

	book    core.OrderBook
	bookErr error

	placeFailures int
	placeErr      error
	failAfter     int
	failAfterErr  error
	cancelErr     error
	getErr        error
	readCancelErr error
	cancelSeen    bool
	openErr       error
	streamErr     error

	canceled  []string
	getCalls  map[string]int
	balances  []core.Balance
	events    chan<- core.StreamEvent
	clientIDs bool

	now func() time.Time
}

// NewMockExchange creates a mock with a 100.00/100.01 book
func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:           name,
		orders:         make(map[string]*core.Order),
		clientOrderMap: make(map[string]string),
		getCalls:       make(map[string]int),
		orderIDCounter: 1000,
		idPrefix:       "C02",
		book: core.OrderBook{
			BestBid: decimal.RequireFromString("100.00"),
			BestAsk: decimal.RequireFromString("100.01"),
		},
		clientIDs: true,
		failAfter: -1,
		now:       time.Now,
	}
}

// SetNow overrides the clock used for order timestamps
func (m *MockExchange) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetOrderBook sets the top of book; a nil error clears a previous failure
func (m *MockExchange) SetOrderBook(bid, ask string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.book = core.OrderBook{BestBid: decimal.RequireFromString(bid), BestAsk: decimal.RequireFromString(ask)}
	m.bookErr = nil
}

// SetOrderBookError makes GetOrderBook fail with err
func (m *MockExchange) SetOrderBookError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookErr = err
}

// FailPlacements makes the next n PlaceOrder calls fail with err
func (m *MockExchange) FailPlacements(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeFailures = n
	m.placeErr = err
}

// FailPlacementAfter lets skip placements succeed and rejects the next one
func (m *MockExchange) FailPlacementAfter(skip int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = skip
	m.failAfterErr = err
}

// SetCancelError makes every CancelOrder fail with err until cleared with nil
func (m *MockExchange) SetCancelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// SetGetOrderError makes every GetOrder fail with err until cleared with nil
func (m *MockExchange) SetGetOrderError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// FailReadsAfterCancel makes GetOrder fail with err once any cancel has been
// requested, until cleared with nil
func (m *MockExchange) FailReadsAfterCancel(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCancelErr = err
	m.cancelSeen = false
}

// SetOpenOrdersError makes GetOpenOrders fail with err
func (m *MockExchange) SetOpenOrdersError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetStreamError makes StartUserStream fail with err
func (m *MockExchange) SetStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErr = err
}

// SetClientOrderIDSupport toggles correlation id round tripping
func (m *MockExchange) SetClientOrderIDSupport(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientIDs = ok
}

// SetBalances sets the balances returned by GetBalances
func (m *MockExchange) SetBalances(balances []core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

func (m *MockExchange) GetName() string {
	return m.name
}

func (m *MockExchange) SupportsClientOrderID() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientIDs
}

func (m *MockExchange) nextID() string {
	m.orderIDCounter++
	return fmt.Sprintf("%s__%d", m.idPrefix, m.orderIDCounter)
}

// PlaceOrder places an order into the mock exchange
func (m *MockExchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParameter, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.placeFailures > 0 {
		m.placeFailures--
		return nil, m.placeErr
	}
	if m.failAfter >= 0 {
		if m.failAfter == 0 {
			m.failAfter = -1
			return nil, m.failAfterErr
		}
		m.failAfter--
	}

	// Idempotency: a repeated client order id returns the existing order
	if req.ClientOrderID != "" {
		if existingID, ok := m.clientOrderMap[req.ClientOrderID]; ok {
			return copyOrder(m.orders[existingID]), nil
		}
	}

	order := &core.Order{
		OrderID:       m.nextID(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        core.OrderStatusNew,
		Price:         req.Price,
		Quantity:      req.Quantity,
		CreatedAt:     m.now(),
	}

	if req.Type == core.OrderTypeMarket {
		fill := m.book.BestBid
		if req.Side == core.OrderSideBuy {
			fill = m.book.BestAsk
		}
		order.Status = core.OrderStatusFilled
		order.ExecutedQty = req.Quantity
		order.AvgPrice = fill
	}

	m.orders[order.OrderID] = order
	m.sequence = append(m.sequence, order.OrderID)
	if req.ClientOrderID != "" {
		m.clientOrderMap[req.ClientOrderID] = order.OrderID
	}
	return copyOrder(order), nil
}

// CancelOrder cancels a resting order. Completed orders yield
// ErrOrderAlreadyCompleted the way the venue reports them.
func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelSeen = true

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderAlreadyCompleted, orderID)
	}

	if order.ExecutedQty.IsPositive() {
		order.Status = core.OrderStatusPartiallyCanceled
	} else {
		order.Status = core.OrderStatusCanceled
	}
	m.canceled = append(m.canceled, orderID)
	return nil
}

func (m *MockExchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getCalls[orderID]++
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.cancelSeen && m.readCancelErr != nil {
		return nil, m.readCancelErr
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return copyOrder(order), nil
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return nil, m.openErr
	}
	var out []*core.Order
	for _, id := range m.sequence {
		o := m.orders[id]
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			out = append(out, copyOrder(o))
		}
	}
	return out, nil
}

func (m *MockExchange) GetOrderBook(ctx context.Context, symbol string) (*core.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bookErr != nil {
		return nil, m.bookErr
	}
	book := m.book
	book.Symbol = symbol
	return &book, nil
}

func (m *MockExchange) GetBalances(ctx context.Context) ([]core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Balance(nil), m.balances...), nil
}

func (m *MockExchange) StartUserStream(ctx context.Context, events chan<- core.StreamEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.streamErr != nil {
		return m.streamErr
	}
	m.events = events
	return nil
}

func (m *MockExchange) StopUserStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	return nil
}

// StreamActive reports whether a push channel is registered
func (m *MockExchange) StreamActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events != nil
}

// Emit delivers an event on the registered push channel. It reports false
// when no stream is active or the channel is full.
func (m *MockExchange) Emit(ev core.StreamEvent) bool {
	m.mu.Lock()
	events := m.events
	m.mu.Unlock()

	if events == nil {
		return false
	}
	select {
	case events <- ev:
		return true
	default:
		return false
	}
}

// Fill marks an order as fully executed and returns its final state
func (m *MockExchange) Fill(orderID string) *core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	order.Status = core.OrderStatusFilled
	order.ExecutedQty = order.Quantity
	order.AvgPrice = order.Price
	return copyOrder(order)
}

// PartialFill executes qty of an order, leaving the rest resting
func (m *MockExchange) PartialFill(orderID string, qty decimal.Decimal) *core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	order.ExecutedQty = order.ExecutedQty.Add(qty)
	if order.ExecutedQty.GreaterThanOrEqual(order.Quantity) {
		order.ExecutedQty = order.Quantity
		order.Status = core.OrderStatusFilled
	} else {
		order.Status = core.OrderStatusPartiallyFilled
	}
	order.AvgPrice = order.Price
	return copyOrder(order)
}

// CancelExternally cancels an order as if a user did it on the venue
func (m *MockExchange) CancelExternally(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order, ok := m.orders[orderID]; ok {
		order.Status = core.OrderStatusCanceled
	}
}

// AddOpenOrder inserts a resting order that was not placed through PlaceOrder
func (m *MockExchange) AddOpenOrder(symbol string, side core.OrderSide, price, qty, executed string) *core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := &core.Order{
		OrderID:     m.nextID(),
		Symbol:      symbol,
		Side:        side,
		Type:        core.OrderTypeLimit,
		Status:      core.OrderStatusNew,
		Price:       decimal.RequireFromString(price),
		Quantity:    decimal.RequireFromString(qty),
		ExecutedQty: decimal.RequireFromString(executed),
		CreatedAt:   m.now(),
	}
	if order.ExecutedQty.IsPositive() {
		order.Status = core.OrderStatusPartiallyFilled
	}
	m.orders[order.OrderID] = order
	m.sequence = append(m.sequence, order.OrderID)
	return copyOrder(order)
}

// Order returns a copy of an order by id
func (m *MockExchange) Order(orderID string) *core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOrder(m.orders[orderID])
}

// Orders returns every order in placement sequence
func (m *MockExchange) Orders() []*core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Order, 0, len(m.sequence))
	for _, id := range m.sequence {
		out = append(out, copyOrder(m.orders[id]))
	}
	return out
}

// Resting returns the non-terminal orders of a side sorted by price
func (m *MockExchange) Resting(side core.OrderSide) []*core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Order
	for _, id := range m.sequence {
		o := m.orders[id]
		if o.Side == side && !o.Status.IsTerminal() {
			out = append(out, copyOrder(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

// Canceled returns ids canceled through CancelOrder
func (m *MockExchange) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.canceled...)
}

// GetOrderCalls returns how often GetOrder was called for an id
func (m *MockExchange) GetOrderCalls(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls[orderID]
}

func copyOrder(o *core.Order) *core.Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
