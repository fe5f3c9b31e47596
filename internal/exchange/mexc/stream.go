package mexc

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
	"scalper/pkg/websocket"

	"github.com/goccy/go-json"
)

const (
	OrdersChannel = "spot@private.orders.v3.api.pb"
	DealsChannel  = "spot@private.deals.v3.api.pb"
)

type pushEnvelope struct {
	Channel       string     `json:"channel"`
	Symbol        string     `json:"symbol"`
	SendTime      int64      `json:"sendTime"`
	PrivateOrders *pushOrder `json:"privateOrders"`
	PrivateDeals  *pushDeal  `json:"privateDeals"`
}

type pushOrder struct {
	ID                 flexString `json:"id"`
	ClientID           flexString `json:"clientId"`
	Price              flexString `json:"price"`
	Quantity           flexString `json:"quantity"`
	AvgPrice           flexString `json:"avgPrice"`
	CumulativeQuantity flexString `json:"cumulativeQuantity"`
	Status             int        `json:"status"`
	TradeType          int        `json:"tradeType"`
	OrderType          int        `json:"orderType"`
	CreateTime         int64      `json:"createTime"`
}

type pushDeal struct {
	TradeID       flexString `json:"tradeId"`
	OrderID       flexString `json:"orderId"`
	ClientOrderID flexString `json:"clientOrderId"`
	Price         flexString `json:"price"`
	Quantity      flexString `json:"quantity"`
	FeeAmount     flexString `json:"feeAmount"`
	FeeCurrency   string     `json:"feeCurrency"`
	TradeType     int        `json:"tradeType"`
	IsMaker       bool       `json:"isMaker"`
	Time          int64      `json:"time"`
}

// decodePush turns one stream frame into an event. Acks, pongs and frames
// for other channels yield ok=false.
func decodePush(message []byte) (core.StreamEvent, bool, error) {
	message = bytes.TrimSpace(message)
	if len(message) == 0 || message[0] != '{' {
		return core.StreamEvent{}, false, nil
	}

	var env pushEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return core.StreamEvent{}, false, err
	}

	switch {
	case env.Channel == OrdersChannel && env.PrivateOrders != nil:
		o := env.PrivateOrders
		orderID := o.ID.String()
		if orderID == "" {
			orderID = o.ClientID.String()
		}
		updated := millis(env.SendTime)
		if updated.IsZero() {
			updated = millis(o.CreateTime)
		}
		return core.StreamEvent{
			Kind: core.EventOrderUpdate,
			Order: &core.OrderUpdate{
				OrderID:       orderID,
				ClientOrderID: o.ClientID.String(),
				Symbol:        env.Symbol,
				Side:          mapTradeType(o.TradeType),
				Type:          mapPushOrderType(o.OrderType),
				Status:        mapPushStatus(o.Status),
				Price:         o.Price.Decimal(),
				Quantity:      o.Quantity.Decimal(),
				CumulativeQty: o.CumulativeQuantity.Decimal(),
				AvgPrice:      o.AvgPrice.Decimal(),
				UpdateTime:    updated,
			},
		}, true, nil

	case env.Channel == DealsChannel && env.PrivateDeals != nil:
		d := env.PrivateDeals
		return core.StreamEvent{
			Kind: core.EventTradeUpdate,
			Trade: &core.TradeUpdate{
				TradeID:       d.TradeID.String(),
				OrderID:       d.OrderID.String(),
				ClientOrderID: d.ClientOrderID.String(),
				Symbol:        env.Symbol,
				Side:          mapTradeType(d.TradeType),
				Price:         d.Price.Decimal(),
				Quantity:      d.Quantity.Decimal(),
				Fee:           d.FeeAmount.Decimal(),
				FeeAsset:      d.FeeCurrency,
				IsMaker:       d.IsMaker,
				Time:          millis(d.Time),
			},
		}, true, nil
	}
	return core.StreamEvent{}, false, nil
}

// userStream is one listen key session: the socket, the listen key
// keepalive and the event sink.
type userStream struct {
	ex     *Exchange
	events chan<- core.StreamEvent
	ws     *websocket.Client
	logger core.ILogger

	mu     sync.Mutex
	key    string
	reuse  bool // the key created at start has not been dialed yet
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartUserStream creates a listen key and starts the push connection. A
// failure to obtain the first key is returned so the caller can run without
// push delivery.
func (e *Exchange) StartUserStream(ctx context.Context, events chan<- core.StreamEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		return fmt.Errorf("%w: stream already running", apperrors.ErrStreamUnavailable)
	}

	key, err := e.createListenKey(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStreamUnavailable, err)
	}

	s := &userStream{
		ex:     e,
		events: events,
		logger: e.logger.WithField("stream", "user_data"),
		key:    key,
		reuse:  true,
	}
	s.ws = websocket.NewResolvingClient(s.resolve, s.handle, e.logger, e.cfg.Stream)
	s.ws.SetOnConnected(s.subscribe)
	s.ws.SetOnState(s.onState)

	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.keepalive(streamCtx)

	s.ws.Start()
	e.stream = s
	s.logger.Info("User data stream started")
	return nil
}

// StopUserStream closes the connection and the listen key. No event is
// delivered after it returns.
func (e *Exchange) StopUserStream() error {
	e.mu.Lock()
	s := e.stream
	e.stream = nil
	e.mu.Unlock()

	if s == nil {
		return nil
	}

	s.cancel()
	s.ws.Stop()
	s.wg.Wait()

	s.mu.Lock()
	s.closed = true
	key := s.key
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.closeListenKey(ctx, key); err != nil {
		s.logger.Warn("Failed to close listen key", "error", err)
		return err
	}
	s.logger.Info("User data stream stopped")
	return nil
}

func (s *userStream) resolve(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.reuse {
		s.reuse = false
		key := s.key
		s.mu.Unlock()
		return s.url(key), nil
	}
	s.mu.Unlock()

	key, err := s.ex.createListenKey(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	return s.url(key), nil
}

func (s *userStream) url(key string) string {
	return s.ex.cfg.WSURL + "?listenKey=" + url.QueryEscape(key)
}

func (s *userStream) subscribe(ctx context.Context) error {
	for _, ch := range []string{OrdersChannel, DealsChannel} {
		msg := map[string]interface{}{
			"method": "SUBSCRIPTION",
			"params": []string{ch},
		}
		if err := s.ws.Send(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	s.logger.Info("Subscribed to order and deal channels")
	return nil
}

func (s *userStream) keepalive(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.ex.cfg.ListenKeyKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			key := s.key
			s.mu.Unlock()

			if err := s.ex.extendListenKey(ctx, key); err != nil {
				s.logger.Warn("Listen key keepalive failed", "error", err)
				continue
			}
			s.logger.Debug("Listen key extended")
		}
	}
}

func (s *userStream) handle(message []byte) {
	ev, ok, err := decodePush(message)
	if err != nil {
		s.logger.Debug("Ignoring undecodable frame", "error", err)
		return
	}
	if ok {
		s.deliver(ev)
	}
}

func (s *userStream) onState(st websocket.State) {
	s.deliver(core.StreamEvent{
		Kind: core.EventConnectionState,
		Connection: &core.ConnectionState{
			Connected: st.Connected,
			Exhausted: st.Exhausted,
			Attempt:   st.Attempt,
			Err:       st.Err,
		},
	})
}

func (s *userStream) deliver(ev core.StreamEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Event channel full, dropping event", "kind", ev.Kind.String())
	}
}
