package mexc

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// flexString accepts both quoted and bare JSON scalars. The venue is not
// consistent about quoting ids and numbers across REST and push payloads.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

func (f flexString) String() string { return string(f) }

func (f flexString) Decimal() decimal.Decimal {
	if f == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(f))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func mapRESTStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED":
		return core.OrderStatusCanceled
	case "PARTIALLY_CANCELED":
		return core.OrderStatusPartiallyCanceled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED":
		return core.OrderStatusExpired
	default:
		return core.OrderStatusUnknown
	}
}

// push status codes: 1 new, 2 filled, 3 partially filled, 4 canceled,
// 5 partially canceled
func mapPushStatus(code int) core.OrderStatus {
	switch code {
	case 1:
		return core.OrderStatusNew
	case 2:
		return core.OrderStatusFilled
	case 3:
		return core.OrderStatusPartiallyFilled
	case 4:
		return core.OrderStatusCanceled
	case 5:
		return core.OrderStatusPartiallyCanceled
	default:
		return core.OrderStatusUnknown
	}
}

func mapTradeType(code int) core.OrderSide {
	if code == 2 {
		return core.OrderSideSell
	}
	return core.OrderSideBuy
}

func mapPushOrderType(code int) core.OrderType {
	if code == 5 {
		return core.OrderTypeMarket
	}
	return core.OrderTypeLimit
}

func mapRESTType(raw string) core.OrderType {
	if raw == "MARKET" {
		return core.OrderTypeMarket
	}
	return core.OrderTypeLimit
}

type restOrder struct {
	Symbol              string     `json:"symbol"`
	OrderID             flexString `json:"orderId"`
	ClientOrderID       string     `json:"clientOrderId"`
	Price               flexString `json:"price"`
	OrigQty             flexString `json:"origQty"`
	ExecutedQty         flexString `json:"executedQty"`
	CummulativeQuoteQty flexString `json:"cummulativeQuoteQty"`
	Status              string     `json:"status"`
	Type                string     `json:"type"`
	Side                string     `json:"side"`
	Time                int64      `json:"time"`
	TransactTime        int64      `json:"transactTime"`
}

func (r *restOrder) toOrder() *core.Order {
	executed := r.ExecutedQty.Decimal()
	created := millis(r.Time)
	if created.IsZero() {
		created = millis(r.TransactTime)
	}

	o := &core.Order{
		OrderID:       r.OrderID.String(),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.OrderSide(r.Side),
		Type:          mapRESTType(r.Type),
		Status:        mapRESTStatus(r.Status),
		Price:         r.Price.Decimal(),
		Quantity:      r.OrigQty.Decimal(),
		ExecutedQty:   executed,
		CreatedAt:     created,
	}
	if quote := r.CummulativeQuoteQty.Decimal(); executed.IsPositive() && quote.IsPositive() {
		o.AvgPrice = quote.Div(executed)
	}
	return o
}

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseError maps a venue error body onto the sentinel taxonomy
func parseError(status int, body []byte) error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || (resp.Code == 0 && resp.Msg == "") {
		switch {
		case status == http.StatusTooManyRequests:
			return fmt.Errorf("%w: status %d", apperrors.ErrRateLimitExceeded, status)
		case status >= 500:
			return fmt.Errorf("%w: status %d", apperrors.ErrSystemOverload, status)
		}
		return fmt.Errorf("mexc error: status=%d body=%s", status, string(body))
	}

	var sentinel error
	switch resp.Code {
	case -2011:
		sentinel = apperrors.ErrOrderAlreadyCompleted
	case -2013:
		sentinel = apperrors.ErrOrderNotFound
	case 10072, 700001, 700002:
		sentinel = apperrors.ErrAuthenticationFailed
	case 700003:
		sentinel = apperrors.ErrTimestampOutOfBounds
	case 10101, 30004, 30005:
		sentinel = apperrors.ErrInsufficientFunds
	case 10007, 30014:
		sentinel = apperrors.ErrInvalidSymbol
	case 429, 510:
		sentinel = apperrors.ErrRateLimitExceeded
	case 30002, 30029, 700004:
		sentinel = apperrors.ErrInvalidOrderParameter
	}

	if sentinel == nil {
		switch {
		case strings.Contains(resp.Msg, "Unknown order"):
			sentinel = apperrors.ErrOrderAlreadyCompleted
		case status == http.StatusTooManyRequests:
			sentinel = apperrors.ErrRateLimitExceeded
		case status >= 500:
			sentinel = apperrors.ErrSystemOverload
		default:
			sentinel = apperrors.ErrOrderRejected
		}
	}
	return fmt.Errorf("%w: mexc %d: %s", sentinel, resp.Code, resp.Msg)
}
