package reconcile

import (
	"strings"

	"scalper/internal/trading/order"
)

// idSeparator splits a venue scoped prefix from the bare order id
const idSeparator = "__"

// Tracked is the identity of an order the session owns
type Tracked struct {
	OrderID       string
	ClientOrderID string
}

// StripClientPrefix removes the engine's correlation prefix or anything up
// to the last separator. Ids without either come back unchanged.
func StripClientPrefix(id string) string {
	if strings.HasPrefix(id, order.ClientOrderPrefix) {
		return strings.TrimPrefix(id, order.ClientOrderPrefix)
	}
	if idx := strings.LastIndex(id, idSeparator); idx >= 0 {
		return id[idx+len(idSeparator):]
	}
	return id
}

// Match finds the tracked order an event refers to. It tries the exchange
// id, then the correlation id, and only when heuristic is set falls back to
// comparing ids with their prefixes stripped in both directions.
func Match(orderID, clientOrderID string, tracked []Tracked, heuristic bool) (string, bool) {
	if orderID != "" {
		for _, t := range tracked {
			if t.OrderID == orderID {
				return t.OrderID, true
			}
		}
	}
	if clientOrderID != "" {
		for _, t := range tracked {
			if t.ClientOrderID != "" && t.ClientOrderID == clientOrderID {
				return t.OrderID, true
			}
		}
	}
	if !heuristic {
		return "", false
	}

	keys := make([]string, 0, 2)
	for _, k := range []string{orderID, clientOrderID} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	for _, t := range tracked {
		for _, own := range []string{t.OrderID, t.ClientOrderID} {
			if own == "" {
				continue
			}
			for _, k := range keys {
				if equalStripped(k, own) {
					return t.OrderID, true
				}
			}
		}
	}
	return "", false
}

func equalStripped(a, b string) bool {
	sa, sb := StripClientPrefix(a), StripClientPrefix(b)
	return (sa != "" && sa == b) || (sb != "" && a == sb)
}
