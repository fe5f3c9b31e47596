// Package core defines the core interfaces for the scalping engine
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange is the gateway the engine trades through. Implementations own
// request signing, transport and push channel lifecycle.
type IExchange interface {
	// Identity
	GetName() string

	// Order operations
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// Market data
	GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error)

	// Account
	GetBalances(ctx context.Context) ([]Balance, error)

	// Push channel. Events are delivered with non-blocking sends; the caller
	// owns the channel and must keep draining it until StopUserStream returns.
	StartUserStream(ctx context.Context, events chan<- StreamEvent) error
	StopUserStream() error

	// SupportsClientOrderID reports whether client order ids assigned at
	// placement are echoed back verbatim on push events.
	SupportsClientOrderID() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// Balance is a single asset balance on the venue
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}
