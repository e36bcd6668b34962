package accounting

import (
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeePolicy decides how fees enter the profit of a round trip.
// A zero Rate means fees are unknown: profit is gross and the trade is flagged fee-exclusive.
type FeePolicy struct {
	Rate decimal.Decimal
}

// Fees returns the fees for a round trip and whether they were left out.
func (p FeePolicy) Fees(buyNotional, sellNotional decimal.Decimal) (decimal.Decimal, bool) {
	if !p.Rate.IsPositive() {
		return decimal.Zero, true
	}
	return buyNotional.Add(sellNotional).Mul(p.Rate), false
}

// NewTrade builds the trade closed by a sell fill against the held buy.
func NewTrade(pair string, level int, closed models.Holding, sellOrderID string, sellPrice decimal.Decimal, policy FeePolicy, at time.Time) models.GridTrade {
	amount := closed.Amount
	buyNotional := closed.Price.Mul(amount)
	sellNotional := sellPrice.Mul(amount)
	fees, exclusive := policy.Fees(buyNotional, sellNotional)

	profit := sellNotional.Sub(buyNotional).Sub(fees)
	percent := decimal.Zero
	if buyNotional.IsPositive() {
		percent = profit.Div(buyNotional).Mul(hundred)
	}

	return models.GridTrade{
		ID:            uuid.NewString(),
		Pair:          pair,
		Level:         level,
		BuyOrderID:    closed.BuyOrderID,
		SellOrderID:   sellOrderID,
		BuyPrice:      closed.Price,
		SellPrice:     sellPrice,
		Amount:        amount,
		Fees:          fees,
		Profit:        profit,
		ProfitPercent: percent,
		FeeExclusive:  exclusive,
		ExecutedAt:    at,
	}
}

// Apply adds a trade to the pair's running totals.
func Apply(state *models.GridBotState, trade models.GridTrade) {
	state.CumulativeProfit = state.CumulativeProfit.Add(trade.Profit)
	state.TradeCount++
}
