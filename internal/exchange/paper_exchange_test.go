package exchange

import (
	"context"
	"testing"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestPaper() *PaperExchange {
	ex := NewPaperExchange(PaperOptions{Mode: models.ModeSandbox, QuoteAsset: "USDT", MinOrderValue: d("10")})
	ex.Deposit("USDT", d("1000"))
	ex.SetPrice("BTC/USDT", d("100"))
	return ex
}

func limitBuy(cid, price, amount string) models.OrderRequest {
	return models.OrderRequest{Pair: "BTC/USDT", Side: models.Buy, Type: models.Limit, Amount: d(amount), Price: d(price), ClientOrderID: cid}
}

func TestPaperLimitOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	ex := newTestPaper()

	o, err := ex.CreateOrder(ctx, limitBuy("c1", "95", "1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, o.Status)
	assert.True(t, ex.Balance("USDT").Equal(d("905")), "95 USDT locked")

	open, err := ex.GetOpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, open, 1)

	ex.SetPrice("BTC/USDT", d("94"))
	got, err := ex.GetOrder(ctx, "BTC/USDT", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, got.Status)
	assert.True(t, got.FillPrice().Equal(d("95")), "fills at the limit price")
	assert.True(t, ex.Balance("BTC").Equal(d("1")))
	assert.True(t, ex.Balance("USDT").Equal(d("905")))

	open, err = ex.GetOpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPaperRejections(t *testing.T) {
	ctx := context.Background()
	ex := newTestPaper()

	_, err := ex.CreateOrder(ctx, limitBuy("small", "95", "0.01"))
	assert.ErrorIs(t, err, models.ErrExchangeRejected, "below minimum notional")

	_, err = ex.CreateOrder(ctx, limitBuy("big", "95", "100"))
	assert.ErrorIs(t, err, models.ErrExchangeRejected, "insufficient balance")

	_, err = ex.CreateOrder(ctx, limitBuy("dup", "95", "1"))
	require.NoError(t, err)
	_, err = ex.CreateOrder(ctx, limitBuy("dup", "95", "1"))
	assert.ErrorIs(t, err, models.ErrExchangeRejected, "duplicate client order id")

	_, err = ex.GetOrder(ctx, "BTC/USDT", "unknown")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestPaperCancel(t *testing.T) {
	ctx := context.Background()
	ex := newTestPaper()
	_, err := ex.CreateOrder(ctx, limitBuy("c1", "95", "1"))
	require.NoError(t, err)

	ok, err := ex.CancelOrder(ctx, "BTC/USDT", "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ex.Balance("USDT").Equal(d("1000")), "lock released")

	ok, err = ex.CancelOrder(ctx, "BTC/USDT", "c1")
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled")
}

func TestPaperCancelAllAndSellAll(t *testing.T) {
	ctx := context.Background()
	ex := newTestPaper()
	ex.Deposit("BTC", d("0.5"))

	_, err := ex.CreateOrder(ctx, limitBuy("b1", "95", "1"))
	require.NoError(t, err)
	_, err = ex.CreateOrder(ctx, models.OrderRequest{Pair: "BTC/USDT", Side: models.Sell, Type: models.Limit, Amount: d("0.5"), Price: d("110"), ClientOrderID: "s1"})
	require.NoError(t, err)

	n, err := ex.CancelAllOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sold, err := ex.SellAllPositions(ctx)
	require.NoError(t, err)
	require.Len(t, sold, 1)
	assert.True(t, sold["BTC"].Equal(d("0.5")))
	assert.True(t, ex.Balance("BTC").IsZero())
	assert.True(t, ex.Balance("USDT").Equal(d("1050")))

	n, err = ex.CancelAllOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to cancel")
}

func TestPaperEnvironmentsAreSeparate(t *testing.T) {
	ctx := context.Background()
	ex := newTestPaper()
	_, err := ex.CreateOrder(ctx, limitBuy("c1", "95", "1"))
	require.NoError(t, err)

	require.NoError(t, ex.SwitchEnvironment(ctx, models.ModeProduction))
	assert.Equal(t, models.ModeProduction, ex.Environment())
	_, err = ex.GetCurrentPrice(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, models.ErrExchangeUnavailable, "production book has no price yet")

	require.NoError(t, ex.SwitchEnvironment(ctx, models.ModeSandbox))
	open, err := ex.GetOpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	assert.ErrorIs(t, ex.SwitchEnvironment(ctx, "staging"), models.ErrInvalidConfiguration)
}
