package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // 纯 Go 的 sqlite 驱动
)

// TradeLedger is the append-only record of completed grid trades.
type TradeLedger interface {
	// SaveTrade stores trade. A trade already recorded for the same sell order
	// and level is ignored and inserted is false.
	SaveTrade(ctx context.Context, trade models.GridTrade) (inserted bool, err error)
	// ListTrades returns the newest trades of pair first. limit <= 0 means all.
	ListTrades(ctx context.Context, pair string, limit int) ([]models.GridTrade, error)
	Close() error
}

// SQLiteLedger stores trades in a sqlite database.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenLedger initializes the database connection and creates necessary tables.
func OpenLedger(dataSourceName string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 只允许单写; ":memory:" 每个连接是独立的库
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
// Decimal values are stored as TEXT so no precision is lost.
func createTables(db *sql.DB) error {
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS grid_trades (
		id TEXT PRIMARY KEY,
		pair TEXT NOT NULL,
		level INTEGER NOT NULL,
		buy_order_id TEXT NOT NULL,
		sell_order_id TEXT NOT NULL,
		buy_price TEXT NOT NULL,
		sell_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		fees TEXT NOT NULL,
		profit TEXT NOT NULL,
		profit_percent TEXT NOT NULL,
		fee_exclusive BOOLEAN NOT NULL,
		executed_at INTEGER NOT NULL,
		UNIQUE (sell_order_id, level)
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_grid_trades_pair ON grid_trades (pair, executed_at);`
	if _, err := db.Exec(createIndexSQL); err != nil {
		return err
	}
	return nil
}

func (l *SQLiteLedger) SaveTrade(ctx context.Context, trade models.GridTrade) (bool, error) {
	query := `
	INSERT OR IGNORE INTO grid_trades (id, pair, level, buy_order_id, sell_order_id, buy_price, sell_price,
		amount, fees, profit, profit_percent, fee_exclusive, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := l.db.ExecContext(ctx, query,
		trade.ID, trade.Pair, trade.Level, trade.BuyOrderID, trade.SellOrderID,
		trade.BuyPrice.String(), trade.SellPrice.String(), trade.Amount.String(),
		trade.Fees.String(), trade.Profit.String(), trade.ProfitPercent.String(),
		trade.FeeExclusive, trade.ExecutedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert trade %s: %w", models.ErrPersistenceFailure, trade.SellOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: insert trade %s: %w", models.ErrPersistenceFailure, trade.SellOrderID, err)
	}
	return n > 0, nil
}

func (l *SQLiteLedger) ListTrades(ctx context.Context, pair string, limit int) ([]models.GridTrade, error) {
	query := `
	SELECT id, pair, level, buy_order_id, sell_order_id, buy_price, sell_price,
		amount, fees, profit, profit_percent, fee_exclusive, executed_at
	FROM grid_trades
	WHERE pair = ?
	ORDER BY executed_at DESC, id DESC`
	args := []interface{}{pair}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.GridTrade
	for rows.Next() {
		var (
			t                                                  models.GridTrade
			buyPrice, sellPrice, amount, fees, profit, percent string
			executedAt                                         int64
		)
		if err := rows.Scan(&t.ID, &t.Pair, &t.Level, &t.BuyOrderID, &t.SellOrderID,
			&buyPrice, &sellPrice, &amount, &fees, &profit, &percent, &t.FeeExclusive, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&t.BuyPrice, buyPrice}, {&t.SellPrice, sellPrice}, {&t.Amount, amount},
			{&t.Fees, fees}, {&t.Profit, profit}, {&t.ProfitPercent, percent},
		} {
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("trade %s has a corrupt decimal %q: %w", t.ID, f.raw, err)
			}
			*f.dst = v
		}
		t.ExecutedAt = time.UnixMilli(executedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close closes the underlying database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
