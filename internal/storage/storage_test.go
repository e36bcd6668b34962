package storage

import (
	"context"
	"testing"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trade(id, sellOrderID string, level int, profit string, at time.Time) models.GridTrade {
	return models.GridTrade{
		ID: id, Pair: "BTC/USDT", Level: level,
		BuyOrderID: "b-" + id, SellOrderID: sellOrderID,
		BuyPrice: decimal.RequireFromString("100"), SellPrice: decimal.RequireFromString("110"),
		Amount: decimal.RequireFromString("1"), Fees: decimal.Zero,
		Profit: decimal.RequireFromString(profit), ProfitPercent: decimal.RequireFromString("10"),
		FeeExclusive: true, ExecutedAt: at,
	}
}

func TestLedgerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger, err := OpenLedger(":memory:")
	require.NoError(t, err)
	defer ledger.Close()

	at := time.UnixMilli(1700000000000)
	inserted, err := ledger.SaveTrade(ctx, trade("t1", "s1", 0, "10", at))
	require.NoError(t, err)
	assert.True(t, inserted)

	// 同一卖单被再次观察到, 不重复记账
	inserted, err = ledger.SaveTrade(ctx, trade("t1-again", "s1", 0, "10", at))
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = ledger.SaveTrade(ctx, trade("t2", "s2", 1, "-3.5", at.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, inserted)

	trades, err := ledger.ListTrades(ctx, "BTC/USDT", 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t2", trades[0].ID, "newest first")
	assert.True(t, trades[0].Profit.Equal(decimal.RequireFromString("-3.5")))
	assert.True(t, trades[1].ExecutedAt.Equal(at))
	assert.True(t, trades[1].FeeExclusive)

	limited, err := ledger.ListTrades(ctx, "BTC/USDT", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := ledger.ListTrades(ctx, "ETH/USDT", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListTradesReportsCorruptRow(t *testing.T) {
	ctx := context.Background()
	ledger, err := OpenLedger(":memory:")
	require.NoError(t, err)
	defer ledger.Close()

	_, err = ledger.db.ExecContext(ctx, `INSERT INTO grid_trades (id, pair, level, buy_order_id, sell_order_id,
		buy_price, sell_price, amount, fees, profit, profit_percent, fee_exclusive, executed_at)
		VALUES ('bad', 'BTC/USDT', 0, 'b', 's', '100', 'oops', '1', '0', '10', '10', 1, 1700000000000)`)
	require.NoError(t, err)

	trades, err := ledger.ListTrades(ctx, "BTC/USDT", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
	assert.Nil(t, trades)
}
