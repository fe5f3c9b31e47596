package session

import (
	"context"
	"time"

	"scalper/internal/core"
	"scalper/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// lot is a quantity bought at a known price that still needs selling
type lot struct {
	buyPrice decimal.Decimal
	qty      decimal.Decimal
	source   string
}

// liquidate cancels every TP order and market sells the quantity behind it,
// along with the repricing order and any queued TP requests. Without an
// order book the TP orders are only canceled.
func (s *Session) liquidate(ctx context.Context) {
	var lots []lot

	for _, tp := range s.state.TPs() {
		final, err := s.exec.CancelAndFetch(ctx, tp.OrderID)
		if err != nil {
			s.logger.Error("TP cancel unconfirmed, not market sold", "order_id", tp.OrderID, "error", err)
			continue
		}
		if final.Filled() {
			if _, profit, ok := s.state.RecordTPFill(tp.OrderID); ok {
				telemetry.GetGlobalMetrics().RecordRealized(ctx, s.cfg.Symbol, profit.InexactFloat64())
			}
			continue
		}

		qty := tp.Quantity
		if final.ExecutedQty.IsPositive() {
			s.state.CreditPartialSell(tp.OrderID, final.ExecutedQty, tp.Price)
			qty = qty.Sub(final.ExecutedQty)
		}
		s.state.RecordTPCancel(tp.OrderID)
		lots = append(lots, lot{buyPrice: tp.BuyPrice, qty: qty, source: "tp"})
	}

	if rc := s.repricer.Abort(ctx); rc != nil {
		switch {
		case rc.Unresolved:
			s.logger.Error("Repricing order state unknown, not market sold",
				"order_id", rc.OrderID, "quantity", rc.Quantity.String())
		case rc.Quantity.IsPositive():
			lots = append(lots, lot{buyPrice: rc.BuyPrice, qty: rc.Quantity, source: "repricing"})
		}
		if rc.Deferred != nil {
			lots = append(lots, lot{buyPrice: rc.Deferred.BuyPrice, qty: rc.Deferred.Quantity, source: "deferred"})
		}
	}
	for _, item := range s.queue.Drain() {
		lots = append(lots, lot{buyPrice: item.BuyPrice, qty: item.Quantity, source: "queued"})
	}

	if len(lots) == 0 {
		return
	}

	ob, err := s.exec.OrderBook(ctx)
	if err != nil {
		s.logger.Error("Order book unavailable, TP orders canceled without market sell",
			"lots", len(lots), "error", err)
		return
	}

	for _, l := range lots {
		if l.qty.IsPositive() {
			s.marketSell(ctx, l, ob.BestBid)
		}
	}
}

// marketSell sells one lot and waits for the fill up to the configured
// timeout. An order that does not fill in time is abandoned uncredited.
func (s *Session) marketSell(ctx context.Context, l lot, bestBid decimal.Decimal) {
	o, err := s.exec.PlaceMarket(ctx, core.OrderSideSell, l.qty)
	if err != nil {
		s.logger.Error("Market sell failed", "quantity", l.qty.String(), "source", l.source, "error", err)
		return
	}

	deadline := s.now().Add(s.cfg.MarketSellWait())
	for !o.Filled() {
		if !s.now().Before(deadline) {
			s.logger.Error("Market sell not filled in time, abandoned",
				"order_id", o.OrderID, "quantity", l.qty.String(), "timeout", s.cfg.MarketSellWait().String())
			return
		}
		select {
		case <-ctx.Done():
			s.logger.Error("Market sell tracking interrupted", "order_id", o.OrderID, "error", ctx.Err())
			return
		case <-time.After(s.opts.MarketSellPoll):
		}

		status, err := s.exec.Status(ctx, o.OrderID)
		if err != nil {
			s.logger.Warn("Market sell status unavailable", "order_id", o.OrderID, "error", err)
			continue
		}
		o = status
	}

	price := bestBid
	if o.AvgPrice.IsPositive() {
		price = o.AvgPrice
	}
	qty := o.FilledQuantity()
	profit := s.state.RecordLiquidation(l.buyPrice, price, qty)
	telemetry.GetGlobalMetrics().RecordFilled(ctx, s.cfg.Symbol, string(core.OrderSideSell))
	telemetry.GetGlobalMetrics().RecordRealized(ctx, s.cfg.Symbol, profit.InexactFloat64())
	s.logger.Info("Market sold",
		"order_id", o.OrderID,
		"quantity", qty.String(),
		"price", price.String(),
		"buy_price", l.buyPrice.String(),
		"profit", profit.String(),
		"source", l.source)
}
