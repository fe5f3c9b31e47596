// Package mexc provides MEXC spot connectivity: signed REST calls and the
// listen key user data stream.
package mexc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
	apphttp "scalper/pkg/http"
	"scalper/pkg/websocket"

	"github.com/goccy/go-json"
)

const (
	DefaultBaseURL      = "https://api.mexc.com"
	DefaultWSURL        = "wss://wbs-api.mexc.com/ws"
	DefaultRecvWindowMs = 5000
	DefaultKeepalive    = 30 * time.Minute
	depthLimit          = "5"
)

// Config configures one gateway instance
type Config struct {
	APIKey       string
	APISecret    string
	BaseURL      string
	WSURL        string
	RecvWindowMs int
	Timeout      time.Duration
	// ListenKeyKeepalive is how often the stream token is extended
	ListenKeyKeepalive time.Duration
	Stream             websocket.Options
	HTTP               *apphttp.Options
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}
	if c.RecvWindowMs <= 0 {
		c.RecvWindowMs = DefaultRecvWindowMs
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ListenKeyKeepalive <= 0 {
		c.ListenKeyKeepalive = DefaultKeepalive
	}
	if c.Stream == (websocket.Options{}) {
		c.Stream = websocket.DefaultOptions()
	}
}

// Exchange implements core.IExchange for MEXC spot
type Exchange struct {
	cfg    Config
	signer *Signer
	rest   *apphttp.Client
	logger core.ILogger

	mu     sync.Mutex
	stream *userStream
}

// New creates a gateway
func New(cfg Config, logger core.ILogger) *Exchange {
	cfg.applyDefaults()
	signer := NewSigner(cfg.APIKey, cfg.APISecret, cfg.RecvWindowMs)

	httpOpts := apphttp.DefaultOptions()
	if cfg.HTTP != nil {
		httpOpts = *cfg.HTTP
	}
	httpOpts.Timeout = cfg.Timeout

	return &Exchange{
		cfg:    cfg,
		signer: signer,
		rest:   apphttp.NewClientWithOptions(cfg.BaseURL, signer, httpOpts),
		logger: logger.WithField("component", "mexc"),
	}
}

func (e *Exchange) GetName() string {
	return "mexc"
}

// SupportsClientOrderID is false: push payloads do not reliably echo the
// newClientOrderId given at placement, so matching falls back to the
// prefix-stripping heuristic after exact ids.
func (e *Exchange) SupportsClientOrderID() bool {
	return false
}

// wrap converts transport and venue failures into the sentinel taxonomy
func (e *Exchange) wrap(op string, err error) error {
	var apiErr *apphttp.APIError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Errorf("%s: %w", op, parseError(apiErr.StatusCode, apiErr.Body))
	case errors.Is(err, apphttp.ErrCircuitOpen):
		return fmt.Errorf("%s: %w: %v", op, apperrors.ErrSystemOverload, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, apperrors.ErrNetwork, err)
	}
}

func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParameter, err)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.Type == core.OrderTypeLimit {
		params.Set("price", req.Price.String())
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := e.rest.Post(ctx, "/api/v3/order", params)
	if err != nil {
		return nil, e.wrap("place order", err)
	}

	var raw restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	if raw.OrderID == "" {
		return nil, fmt.Errorf("%w: no order id in %s", apperrors.ErrOrderRejected, string(body))
	}

	order := raw.toOrder()
	// the placement ack carries no status or echo of the request
	order.Status = core.OrderStatusNew
	order.Side = req.Side
	order.Type = req.Type
	if order.Symbol == "" {
		order.Symbol = req.Symbol
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	if order.Quantity.IsZero() {
		order.Quantity = req.Quantity
	}
	if order.Price.IsZero() {
		order.Price = req.Price
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	return order, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	if _, err := e.rest.Delete(ctx, "/api/v3/order", params); err != nil {
		return e.wrap("cancel order", err)
	}
	return nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := e.rest.Get(ctx, "/api/v3/order", params)
	if err != nil {
		return nil, e.wrap("get order", err)
	}

	var raw restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	if raw.OrderID == "" {
		return nil, fmt.Errorf("get order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	return raw.toOrder(), nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := e.rest.Get(ctx, "/api/v3/openOrders", params)
	if err != nil {
		return nil, e.wrap("open orders", err)
	}

	var raw []restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	orders := make([]*core.Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, raw[i].toOrder())
	}
	return orders, nil
}

func (e *Exchange) GetOrderBook(ctx context.Context, symbol string) (*core.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", depthLimit)

	body, err := e.rest.GetPublic(ctx, "/api/v3/depth", params)
	if err != nil {
		return nil, e.wrap("order book", err)
	}

	var raw struct {
		Bids [][]flexString `json:"bids"`
		Asks [][]flexString `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	if len(raw.Bids) == 0 || len(raw.Asks) == 0 || len(raw.Bids[0]) == 0 || len(raw.Asks[0]) == 0 {
		return nil, fmt.Errorf("order book %s: empty side", symbol)
	}

	return &core.OrderBook{
		Symbol:  symbol,
		BestBid: raw.Bids[0][0].Decimal(),
		BestAsk: raw.Asks[0][0].Decimal(),
	}, nil
}

func (e *Exchange) GetBalances(ctx context.Context) ([]core.Balance, error) {
	body, err := e.rest.Get(ctx, "/api/v3/account", nil)
	if err != nil {
		return nil, e.wrap("account", err)
	}

	var raw struct {
		Balances []struct {
			Asset  string     `json:"asset"`
			Free   flexString `json:"free"`
			Locked flexString `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}

	balances := make([]core.Balance, 0, len(raw.Balances))
	for _, b := range raw.Balances {
		balances = append(balances, core.Balance{
			Asset:  b.Asset,
			Free:   b.Free.Decimal(),
			Locked: b.Locked.Decimal(),
		})
	}
	return balances, nil
}

// createListenKey opens a user data stream token
func (e *Exchange) createListenKey(ctx context.Context) (string, error) {
	body, err := e.rest.Post(ctx, "/api/v3/userDataStream", nil)
	if err != nil {
		return "", e.wrap("create listen key", err)
	}
	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if res.ListenKey == "" {
		return "", fmt.Errorf("%w: empty listen key", apperrors.ErrStreamUnavailable)
	}
	return res.ListenKey, nil
}

func (e *Exchange) extendListenKey(ctx context.Context, key string) error {
	_, err := e.rest.Put(ctx, "/api/v3/userDataStream", url.Values{"listenKey": {key}})
	if err != nil {
		return e.wrap("extend listen key", err)
	}
	return nil
}

func (e *Exchange) closeListenKey(ctx context.Context, key string) error {
	_, err := e.rest.Delete(ctx, "/api/v3/userDataStream", url.Values{"listenKey": {key}})
	if err != nil {
		return e.wrap("close listen key", err)
	}
	return nil
}
