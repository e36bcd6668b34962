package accounting

import (
	"testing"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// TestGrossRoundTrip checks the buy 100 / sell 110 scenario with no fee rate.
func TestGrossRoundTrip(t *testing.T) {
	held := models.Holding{BuyOrderID: "buy-1", Price: d("100"), Amount: d("1")}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	trade := NewTrade("BTC/USDT", 0, held, "sell-1", d("110"), FeePolicy{}, at)

	assert.True(t, trade.Profit.Equal(d("10")), "profit, got %s", trade.Profit)
	assert.True(t, trade.ProfitPercent.Equal(d("10")), "profit percent, got %s", trade.ProfitPercent)
	assert.True(t, trade.Fees.IsZero())
	assert.True(t, trade.FeeExclusive)
	assert.Equal(t, "buy-1", trade.BuyOrderID)
	assert.Equal(t, "sell-1", trade.SellOrderID)
	assert.Equal(t, at, trade.ExecutedAt)
	assert.NotEmpty(t, trade.ID)
}

func TestNetRoundTrip(t *testing.T) {
	held := models.Holding{BuyOrderID: "buy-1", Price: d("100"), Amount: d("2")}
	policy := FeePolicy{Rate: d("0.001")}

	trade := NewTrade("BTC/USDT", 3, held, "sell-1", d("110"), policy, time.Now())

	// fees = 0.001 * (200 + 220)
	assert.True(t, trade.Fees.Equal(d("0.42")), "fees, got %s", trade.Fees)
	assert.True(t, trade.Profit.Equal(d("19.58")), "profit, got %s", trade.Profit)
	assert.True(t, trade.ProfitPercent.Equal(d("9.79")), "percent, got %s", trade.ProfitPercent)
	assert.False(t, trade.FeeExclusive)
	assert.Equal(t, 3, trade.Level)
}

func TestLosingTradeAndApply(t *testing.T) {
	held := models.Holding{BuyOrderID: "b", Price: d("100"), Amount: d("1")}
	trade := NewTrade("ETH/USDT", 1, held, "s", d("95"), FeePolicy{}, time.Now())
	assert.True(t, trade.Profit.Equal(d("-5")))

	state := models.NewGridBotState("ETH/USDT")
	Apply(state, trade)
	Apply(state, NewTrade("ETH/USDT", 1, held, "s2", d("110"), FeePolicy{}, time.Now()))
	assert.True(t, state.CumulativeProfit.Equal(d("5")))
	assert.Equal(t, 2, state.TradeCount)
}
