package session

import (
	"time"

	"scalper/internal/config"
	"scalper/internal/trading/book"
	"scalper/internal/trading/repricer"
	"scalper/internal/trading/tpqueue"
	"scalper/pkg/logging"

	"github.com/shopspring/decimal"
)

// Status is the control surface view of the engine
type Status struct {
	Running         bool   `json:"running"`
	Paused          bool   `json:"paused"`
	Waiting         bool   `json:"waiting"`
	StreamConnected bool   `json:"streamConnected"`
	StreamDegraded  bool   `json:"streamDegraded"`
	Symbol          string `json:"symbol,omitempty"`

	Stats                   book.Stats      `json:"stats"`
	RealizedProfit          decimal.Decimal `json:"realProfit"`
	EstimatedProfit         decimal.Decimal `json:"estimatedProfit"`
	ForcedLiquidationProfit decimal.Decimal `json:"marketSellProfit"`
	AverageBuyPrice         decimal.Decimal `json:"avgBuyPrice"`
	PendingQuantity         decimal.Decimal `json:"totalPendingQty"`

	BuyOrders        []book.BuyOrder        `json:"activeBuyOrders"`
	TPOrders         []book.TakeProfitOrder `json:"activeSellTPOrders"`
	PendingPositions []book.PendingPosition `json:"pendingPositions"`
	Repricing        *repricer.Context      `json:"repricing,omitempty"`
	QueuedTPs        []tpqueue.Item         `json:"queuedTps"`
	UnmatchedEvents  int                    `json:"unmatchedEvents"`

	StartTime *time.Time            `json:"startTime,omitempty"`
	EndTime   *time.Time            `json:"endTime,omitempty"`
	Config    *config.SessionConfig `json:"config,omitempty"`

	Logs    []logging.Record       `json:"logs"`
	History []book.RunHistoryEntry `json:"history"`
}

// Snapshot returns the session's current status. Logs and history are
// filled in by the controller.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	st := Status{
		Running:                 s.running,
		Paused:                  s.paused,
		Waiting:                 s.repricer.IsActive(),
		StreamConnected:         s.streamConnected,
		StreamDegraded:          s.streamDegraded,
		Symbol:                  cfg.Symbol,
		Stats:                   s.state.Stats,
		RealizedProfit:          s.state.Stats.RealizedProfit,
		EstimatedProfit:         s.state.EstimatedProfit(),
		ForcedLiquidationProfit: s.state.Stats.ForcedLiquidationProfit,
		AverageBuyPrice:         s.state.AverageBuyPrice(),
		PendingQuantity:         s.state.PendingQuantity(),
		BuyOrders:               s.state.Buys(),
		TPOrders:                s.state.TPs(),
		PendingPositions:        s.state.Positions(),
		QueuedTPs:               s.queue.Items(),
		UnmatchedEvents:         s.reconciler.Unmatched(),
		Config:                  &cfg,
	}
	if rc, ok := s.repricer.Current(); ok {
		st.Repricing = &rc
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartTime = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		st.EndTime = &t
	}
	return st
}
