package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// State owns the buy ladder, the price sorted TP book, the pending
// positions and the session statistics. Every mutation goes through one of
// the transition methods below.
type State struct {
	buys      []*BuyOrder
	tps       []*TakeProfitOrder
	positions map[string]*PendingPosition
	Stats     Stats

	settled      map[string]struct{}
	settledOrder []string
}

// settledCapacity bounds the memory of ids that left the state
const settledCapacity = 2048

// NewState returns an empty state
func NewState() *State {
	return &State{
		positions: make(map[string]*PendingPosition),
		settled:   make(map[string]struct{}),
	}
}

// WasSettled reports whether an order or correlation id left the state
// recently, so late or duplicate notifications for it can be ignored.
func (s *State) WasSettled(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s.settled[id]
	return ok
}

func (s *State) markSettled(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.settled[id]; ok {
			continue
		}
		if len(s.settledOrder) >= settledCapacity {
			delete(s.settled, s.settledOrder[0])
			s.settledOrder = s.settledOrder[1:]
		}
		s.settled[id] = struct{}{}
		s.settledOrder = append(s.settledOrder, id)
	}
}

// --- buy ladder ---

// Buys returns copies of the resting buy orders
func (s *State) Buys() []BuyOrder {
	out := make([]BuyOrder, len(s.buys))
	for i, b := range s.buys {
		out[i] = *b
	}
	return out
}

// BuyCount returns the number of resting buys
func (s *State) BuyCount() int {
	return len(s.buys)
}

// Buy returns a copy of a tracked buy
func (s *State) Buy(orderID string) (BuyOrder, bool) {
	for _, b := range s.buys {
		if b.OrderID == orderID {
			return *b, true
		}
	}
	return BuyOrder{}, false
}

// RecordBuyPlaced tracks a newly placed ladder order
func (s *State) RecordBuyPlaced(b BuyOrder) {
	s.buys = append(s.buys, &b)
	s.Stats.BuyCreated++
}

// UpdateBuyFilled raises a buy's filled quantity; it never decreases it
func (s *State) UpdateBuyFilled(orderID string, filled decimal.Decimal) bool {
	for _, b := range s.buys {
		if b.OrderID == orderID {
			if filled.GreaterThan(b.FilledQuantity) {
				b.FilledQuantity = decimal.Min(filled, b.Quantity)
			}
			return true
		}
	}
	return false
}

// RecordBuyFill removes a fully filled buy and counts the fill
func (s *State) RecordBuyFill(orderID string, at time.Time) (BuyOrder, bool) {
	b, ok := s.removeBuy(orderID)
	if !ok {
		return BuyOrder{}, false
	}
	s.Stats.BuyFilled++
	s.Stats.LastBuyFillAt = at
	return b, true
}

// RecordBuyCancel removes a canceled buy. A partial fill counts as a fill
// too and the returned buy carries the quantity to protect with a TP.
func (s *State) RecordBuyCancel(orderID string, at time.Time) (BuyOrder, bool) {
	b, ok := s.removeBuy(orderID)
	if !ok {
		return BuyOrder{}, false
	}
	s.Stats.BuyCanceled++
	if b.FilledQuantity.IsPositive() {
		s.Stats.BuyFilled++
		s.Stats.LastBuyFillAt = at
	}
	return b, true
}

func (s *State) removeBuy(orderID string) (BuyOrder, bool) {
	for i, b := range s.buys {
		if b.OrderID == orderID {
			s.buys = append(s.buys[:i], s.buys[i+1:]...)
			s.markSettled(b.OrderID, b.ClientOrderID)
			return *b, true
		}
	}
	return BuyOrder{}, false
}

// --- TP book ---

// TPs returns copies of the TP orders, ascending by price
func (s *State) TPs() []TakeProfitOrder {
	out := make([]TakeProfitOrder, len(s.tps))
	for i, tp := range s.tps {
		out[i] = *tp
	}
	return out
}

// TPCount returns the number of resting TP orders
func (s *State) TPCount() int {
	return len(s.tps)
}

// TP returns a copy of a tracked TP order
func (s *State) TP(orderID string) (TakeProfitOrder, bool) {
	for _, tp := range s.tps {
		if tp.OrderID == orderID {
			return *tp, true
		}
	}
	return TakeProfitOrder{}, false
}

// HighestTP returns the priciest TP order
func (s *State) HighestTP() (TakeProfitOrder, bool) {
	if len(s.tps) == 0 {
		return TakeProfitOrder{}, false
	}
	return *s.tps[len(s.tps)-1], true
}

// RecordTPPlaced inserts a TP keeping the book sorted and opens its position
func (s *State) RecordTPPlaced(tp TakeProfitOrder) {
	s.insertTP(tp)
	s.Stats.SellCreated++
}

// AdoptTP inserts a TP found on the venue at start without counting it as created
func (s *State) AdoptTP(tp TakeProfitOrder) {
	s.insertTP(tp)
}

func (s *State) insertTP(tp TakeProfitOrder) {
	// insert after equal prices so earlier orders keep precedence
	idx := sort.Search(len(s.tps), func(i int) bool {
		return s.tps[i].Price.GreaterThan(tp.Price)
	})
	s.tps = append(s.tps, nil)
	copy(s.tps[idx+1:], s.tps[idx:])
	s.tps[idx] = &tp

	s.positions[tp.OrderID] = &PendingPosition{
		OrderID:   tp.OrderID,
		BuyPrice:  tp.BuyPrice,
		Quantity:  tp.Quantity,
		SellPrice: tp.Price,
	}
}

// RecordTPFill removes a filled TP and credits its profit
func (s *State) RecordTPFill(orderID string) (TakeProfitOrder, decimal.Decimal, bool) {
	tp, ok := s.removeTP(orderID)
	if !ok {
		return TakeProfitOrder{}, decimal.Zero, false
	}
	delete(s.positions, orderID)
	profit := tp.Profit()
	s.Stats.SellFilled++
	s.Stats.RealizedProfit = s.Stats.RealizedProfit.Add(profit)
	return tp, profit, true
}

// RecordTPCancel removes a canceled TP and closes its position
func (s *State) RecordTPCancel(orderID string) (TakeProfitOrder, bool) {
	tp, ok := s.removeTP(orderID)
	if !ok {
		return TakeProfitOrder{}, false
	}
	delete(s.positions, orderID)
	s.Stats.SellCanceled++
	return tp, true
}

// MarkTPCancelPending flags a TP whose cancel went through but whose final
// state is still unknown. It stays in the book until the canceler settles it.
func (s *State) MarkTPCancelPending(orderID string) bool {
	for _, tp := range s.tps {
		if tp.OrderID == orderID {
			tp.CancelPending = true
			return true
		}
	}
	return false
}

// WithdrawTP removes a TP from the book without touching its position or the
// counters. The order keeps resting under the repricer's control.
func (s *State) WithdrawTP(orderID string) (TakeProfitOrder, bool) {
	return s.removeTP(orderID)
}

// ReplaceTPForAveraging removes a TP canceled for a merge. The position is
// closed; the merged orders open new ones.
func (s *State) ReplaceTPForAveraging(orderID string) (TakeProfitOrder, bool) {
	tp, ok := s.removeTP(orderID)
	if !ok {
		return TakeProfitOrder{}, false
	}
	delete(s.positions, orderID)
	s.Stats.SellCanceled++
	return tp, true
}

func (s *State) removeTP(orderID string) (TakeProfitOrder, bool) {
	for i, tp := range s.tps {
		if tp.OrderID == orderID {
			s.tps = append(s.tps[:i], s.tps[i+1:]...)
			s.markSettled(tp.OrderID, tp.ClientOrderID)
			return *tp, true
		}
	}
	return TakeProfitOrder{}, false
}

// --- positions held outside the book ---

// MovePosition re-keys a position after its sell order was replaced
func (s *State) MovePosition(oldID, newID string, sellPrice decimal.Decimal) {
	p, ok := s.positions[oldID]
	if !ok {
		return
	}
	delete(s.positions, oldID)
	s.markSettled(oldID)
	p.OrderID = newID
	p.SellPrice = sellPrice
	s.positions[newID] = p
}

// CloseHeldPosition settles a position whose order lives outside the book.
// A fill credits profit at sellPrice; otherwise the position is dropped as canceled.
func (s *State) CloseHeldPosition(orderID string, filled bool, sellPrice decimal.Decimal) (PendingPosition, decimal.Decimal, bool) {
	p, ok := s.positions[orderID]
	if !ok {
		return PendingPosition{}, decimal.Zero, false
	}
	delete(s.positions, orderID)
	s.markSettled(orderID)
	if !filled {
		s.Stats.SellCanceled++
		return *p, decimal.Zero, true
	}
	profit := sellPrice.Sub(p.BuyPrice).Mul(p.Quantity)
	s.Stats.SellFilled++
	s.Stats.RealizedProfit = s.Stats.RealizedProfit.Add(profit)
	return *p, profit, true
}

// CreditPartialSell credits qty of a held position sold at sellPrice and
// shrinks the position. It does not count a fill.
func (s *State) CreditPartialSell(orderID string, qty, sellPrice decimal.Decimal) decimal.Decimal {
	p, ok := s.positions[orderID]
	if !ok || !qty.IsPositive() {
		return decimal.Zero
	}
	qty = decimal.Min(qty, p.Quantity)
	profit := sellPrice.Sub(p.BuyPrice).Mul(qty)
	p.Quantity = p.Quantity.Sub(qty)
	s.Stats.RealizedProfit = s.Stats.RealizedProfit.Add(profit)
	return profit
}

// HeldPosition returns a copy of a position by its order id
func (s *State) HeldPosition(orderID string) (PendingPosition, bool) {
	p, ok := s.positions[orderID]
	if !ok {
		return PendingPosition{}, false
	}
	return *p, true
}

// RecordLiquidation credits a forced market sale
func (s *State) RecordLiquidation(buyPrice, fillPrice, qty decimal.Decimal) decimal.Decimal {
	profit := fillPrice.Sub(buyPrice).Mul(qty)
	s.Stats.SellFilled++
	s.Stats.RealizedProfit = s.Stats.RealizedProfit.Add(profit)
	s.Stats.ForcedLiquidationProfit = s.Stats.ForcedLiquidationProfit.Add(profit)
	return profit
}

// AddFee accumulates a trade fee
func (s *State) AddFee(fee decimal.Decimal) {
	s.Stats.Fees = s.Stats.Fees.Add(fee)
}

// Positions returns the open positions ordered by sell price
func (s *State) Positions() []PendingPosition {
	out := make([]PendingPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SellPrice.Equal(out[j].SellPrice) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].SellPrice.LessThan(out[j].SellPrice)
	})
	return out
}

// PendingQuantity is the total quantity awaiting a sell
func (s *State) PendingQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.positions {
		total = total.Add(p.Quantity)
	}
	return total
}

// AverageBuyPrice is the quantity weighted entry price of open positions
func (s *State) AverageBuyPrice() decimal.Decimal {
	qty := decimal.Zero
	cost := decimal.Zero
	for _, p := range s.positions {
		qty = qty.Add(p.Quantity)
		cost = cost.Add(p.BuyPrice.Mul(p.Quantity))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return cost.Div(qty)
}

// EstimatedProfit is realized profit plus what every open position earns at
// its current sell price
func (s *State) EstimatedProfit() decimal.Decimal {
	total := s.Stats.RealizedProfit
	for _, p := range s.positions {
		total = total.Add(p.SellPrice.Sub(p.BuyPrice).Mul(p.Quantity))
	}
	return total
}

// ResetStats zeroes the counters, keeping the collections
func (s *State) ResetStats() {
	s.Stats = Stats{}
}
