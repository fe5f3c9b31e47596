package book

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tp(id, price, buy, qty string) TakeProfitOrder {
	return TakeProfitOrder{OrderID: id, Price: d(price), BuyPrice: d(buy), Quantity: d(qty)}
}

func assertSorted(t *testing.T, s *State) {
	t.Helper()
	tps := s.TPs()
	for i := 1; i < len(tps); i++ {
		assert.False(t, tps[i].Price.LessThan(tps[i-1].Price), "book not sorted at %d: %s < %s", i, tps[i].Price, tps[i-1].Price)
	}
}

func TestTPBookStaysSorted(t *testing.T) {
	s := NewState()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		switch {
		case s.TPCount() > 0 && rng.Intn(3) == 0:
			tps := s.TPs()
			victim := tps[rng.Intn(len(tps))]
			if rng.Intn(2) == 0 {
				s.RecordTPFill(victim.OrderID)
			} else {
				s.RecordTPCancel(victim.OrderID)
			}
		default:
			price := decimal.NewFromInt(int64(9900 + rng.Intn(200))).Div(decimal.NewFromInt(100))
			s.RecordTPPlaced(TakeProfitOrder{OrderID: fmt.Sprintf("tp-%d", i), Price: price, BuyPrice: price.Sub(d("0.2")), Quantity: d("1")})
		}
		assertSorted(t, s)
		assert.Len(t, s.Positions(), s.TPCount())
	}
}

func TestEqualPricesKeepInsertionOrder(t *testing.T) {
	s := NewState()
	s.RecordTPPlaced(tp("a", "100.15", "99.95", "1"))
	s.RecordTPPlaced(tp("b", "100.15", "99.90", "1"))
	s.RecordTPPlaced(tp("c", "100.10", "99.90", "1"))

	tps := s.TPs()
	require.Len(t, tps, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{tps[0].OrderID, tps[1].OrderID, tps[2].OrderID})

	highest, ok := s.HighestTP()
	require.True(t, ok)
	assert.Equal(t, "b", highest.OrderID)
}

func TestTPFillCreditsProfitOnce(t *testing.T) {
	s := NewState()
	s.RecordTPPlaced(tp("a", "100.15", "99.95", "1"))

	_, profit, ok := s.RecordTPFill("a")
	require.True(t, ok)
	assert.True(t, d("0.2").Equal(profit))

	_, _, ok = s.RecordTPFill("a")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Stats.SellFilled)
	assert.True(t, d("0.2").Equal(s.Stats.RealizedProfit))
	assert.Empty(t, s.Positions())
}

func TestBuyTransitions(t *testing.T) {
	s := NewState()
	now := time.Unix(1000, 0)
	s.RecordBuyPlaced(BuyOrder{OrderID: "b1", Price: d("99.95"), Quantity: d("2")})
	s.RecordBuyPlaced(BuyOrder{OrderID: "b2", Price: d("99.85"), Quantity: d("2")})

	assert.True(t, s.UpdateBuyFilled("b1", d("1")))
	assert.True(t, s.UpdateBuyFilled("b1", d("0.5")), "lower fill is ignored")
	b, ok := s.Buy("b1")
	require.True(t, ok)
	assert.True(t, d("1").Equal(b.FilledQuantity))

	canceled, ok := s.RecordBuyCancel("b1", now)
	require.True(t, ok)
	assert.True(t, d("1").Equal(canceled.FilledQuantity))
	assert.Equal(t, 1, s.Stats.BuyCanceled)
	assert.Equal(t, 1, s.Stats.BuyFilled)
	assert.Equal(t, now, s.Stats.LastBuyFillAt)

	_, ok = s.RecordBuyFill("b2", now)
	require.True(t, ok)
	_, ok = s.RecordBuyFill("b2", now)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Stats.BuyFilled)
	assert.Equal(t, 2, s.Stats.BuyCreated)
	assert.Zero(t, s.BuyCount())
}

func TestWithdrawnTPKeepsPosition(t *testing.T) {
	s := NewState()
	s.RecordTPPlaced(tp("a", "100.15", "99.95", "1"))

	_, ok := s.WithdrawTP("a")
	require.True(t, ok)
	assert.Zero(t, s.TPCount())
	require.Len(t, s.Positions(), 1)

	s.MovePosition("a", "a2", d("100.05"))
	_, profit, ok := s.CloseHeldPosition("a2", true, d("100.05"))
	require.True(t, ok)
	assert.True(t, d("0.1").Equal(profit))
	assert.Empty(t, s.Positions())
	assert.Equal(t, 1, s.Stats.SellFilled)
}

func TestAggregates(t *testing.T) {
	s := NewState()
	s.RecordTPPlaced(tp("a", "100.15", "99.95", "1"))
	s.RecordTPPlaced(tp("b", "100.30", "100.10", "3"))
	s.Stats.RealizedProfit = d("1")

	assert.True(t, d("4").Equal(s.PendingQuantity()))
	assert.True(t, d("100.0625").Equal(s.AverageBuyPrice()))
	// 1 + 0.2*1 + 0.2*3
	assert.True(t, d("1.8").Equal(s.EstimatedProfit()))
}

func TestRecordLiquidation(t *testing.T) {
	s := NewState()
	profit := s.RecordLiquidation(d("100"), d("99.5"), d("2"))
	assert.True(t, d("-1").Equal(profit))
	assert.True(t, d("-1").Equal(s.Stats.RealizedProfit))
	assert.True(t, d("-1").Equal(s.Stats.ForcedLiquidationProfit))
}
