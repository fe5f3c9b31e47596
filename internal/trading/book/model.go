// Package book holds the session's owned order collections and statistics.
// State is not safe for concurrent use; the session serializes access.
package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// BuyOrder is one resting ladder order
type BuyOrder struct {
	OrderID        string          `json:"orderId"`
	ClientOrderID  string          `json:"clientOrderId,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	CreatedAt      time.Time       `json:"createdAt"`
	LayerIndex     int             `json:"layerIndex"`
}

// TakeProfitOrder is one resting sell placed against a filled buy
type TakeProfitOrder struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	BuyPrice      decimal.Decimal `json:"buyPrice"`
	CreatedAt     time.Time       `json:"createdAt"`
	IsAveraged    bool            `json:"isAveraged"`
	IsPreexisting bool            `json:"isPreexisting"`
	// CancelPending marks an order canceled by the engine whose final state
	// has not been read back yet
	CancelPending bool `json:"cancelPending,omitempty"`
}

// Profit is the realized profit if the order fills in full
func (tp *TakeProfitOrder) Profit() decimal.Decimal {
	return tp.Price.Sub(tp.BuyPrice).Mul(tp.Quantity)
}

// PendingPosition mirrors an outstanding TP for entry price reporting
type PendingPosition struct {
	OrderID   string          `json:"orderId"`
	BuyPrice  decimal.Decimal `json:"buyPrice"`
	Quantity  decimal.Decimal `json:"quantity"`
	SellPrice decimal.Decimal `json:"sellPrice"`
}

// Stats are the cumulative session counters
type Stats struct {
	BuyCreated              int             `json:"totalBuyOrdersCreated"`
	BuyFilled               int             `json:"totalBuyOrdersFilled"`
	BuyCanceled             int             `json:"totalBuyOrdersCanceled"`
	SellCreated             int             `json:"totalSellOrdersCreated"`
	SellFilled              int             `json:"totalSellOrdersFilled"`
	SellCanceled            int             `json:"totalSellOrdersCanceled"`
	RealizedProfit          decimal.Decimal `json:"realProfit"`
	ForcedLiquidationProfit decimal.Decimal `json:"marketSellProfit"`
	Fees                    decimal.Decimal `json:"totalFees"`
	LastBuyFillAt           time.Time       `json:"lastBuyFillTime"`
}

// ConfigEcho is the subset of session config recorded with each run
type ConfigEcho struct {
	TickSize     float64 `json:"tickSize"`
	OrderQty     float64 `json:"orderQty"`
	TPTicks      int     `json:"tpTicks"`
	MaxBuyOrders int     `json:"maxBuyOrders"`
}

// RunHistoryEntry is the immutable record of one finished session
type RunHistoryEntry struct {
	ID                      string          `json:"id"`
	StartTime               time.Time       `json:"startTime"`
	EndTime                 time.Time       `json:"endTime"`
	Duration                string          `json:"duration"`
	DurationMs              int64           `json:"durationMs"`
	Symbol                  string          `json:"symbol"`
	BuyFilled               int             `json:"buyFilled"`
	SellFilled              int             `json:"sellFilled"`
	RealizedProfit          decimal.Decimal `json:"realProfit"`
	ForcedLiquidationProfit decimal.Decimal `json:"marketSellProfit"`
	Config                  ConfigEcho      `json:"config"`
}
