package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the side of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution type of an order
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state reported by the venue
type OrderStatus int

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusNew
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusPartiallyCanceled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "NEW"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCanceled:
		return "CANCELED"
	case OrderStatusPartiallyCanceled:
		return "PARTIALLY_CANCELED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status name in JSON payloads
func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the order can no longer rest on the book
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusPartiallyCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// PlaceOrderRequest describes an order to submit
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // ignored for market orders
	ClientOrderID string
}

// Validate checks the request for obviously malformed values
func (r *PlaceOrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", r.Quantity)
	}
	if r.Type == OrderTypeLimit && !r.Price.IsPositive() {
		return fmt.Errorf("limit price must be positive, got %s", r.Price)
	}
	return nil
}

// Order is the venue's view of an order
type Order struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Filled reports whether the venue considers the order fully executed
func (o *Order) Filled() bool {
	return o != nil && o.Status == OrderStatusFilled
}

// PartiallyFilled reports whether part of the order executed and the rest still rests
func (o *Order) PartiallyFilled() bool {
	return o != nil && o.Status == OrderStatusPartiallyFilled
}

// FilledQuantity returns the executed quantity, falling back to the full
// quantity for filled orders that do not report it.
func (o *Order) FilledQuantity() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	if o.Status == OrderStatusFilled && !o.ExecutedQty.IsPositive() {
		return o.Quantity
	}
	return o.ExecutedQty
}

// RemainingQuantity is the unexecuted part of the order
func (o *Order) RemainingQuantity() decimal.Decimal {
	rem := o.Quantity.Sub(o.ExecutedQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// OrderBook is the top of book snapshot
type OrderBook struct {
	Symbol  string          `json:"symbol"`
	BestBid decimal.Decimal `json:"bestBid"`
	BestAsk decimal.Decimal `json:"bestAsk"`
}

// EventKind discriminates StreamEvent payloads
type EventKind int

const (
	EventOrderUpdate EventKind = iota + 1
	EventTradeUpdate
	EventConnectionState
)

func (k EventKind) String() string {
	switch k {
	case EventOrderUpdate:
		return "order_update"
	case EventTradeUpdate:
		return "trade_update"
	case EventConnectionState:
		return "connection_state"
	default:
		return "unknown"
	}
}

// OrderUpdate is a pushed order state change
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	CumulativeQty decimal.Decimal
	AvgPrice      decimal.Decimal
	UpdateTime    time.Time
}

// TradeUpdate is a pushed execution (deal)
type TradeUpdate struct {
	TradeID       string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	IsMaker       bool
	Time          time.Time
}

// ConnectionState reports push channel lifecycle changes
type ConnectionState struct {
	Connected bool
	// Exhausted is set once the reconnect budget is spent; no further
	// connection attempts will be made.
	Exhausted bool
	Attempt   int
	Err       error
}

// StreamEvent is a typed push channel message; exactly one payload is set
type StreamEvent struct {
	Kind       EventKind
	Order      *OrderUpdate
	Trade      *TradeUpdate
	Connection *ConnectionState
}
