package exchange

import (
	"context"
	"strings"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 交易所是成交、余额和订单状态的唯一可信来源。
// Implementations must be safe for concurrent use by passes of different pairs.
type Exchange interface {
	GetCurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error)
	GetOpenOrders(ctx context.Context, pair string) ([]models.ExchangeOrder, error)
	// GetOrder looks an order up by client order id. Unknown orders yield models.ErrOrderNotFound.
	GetOrder(ctx context.Context, pair, clientOrderID string) (*models.ExchangeOrder, error)
	CreateOrder(ctx context.Context, req models.OrderRequest) (*models.ExchangeOrder, error)
	// CancelOrder returns false when the order was already gone.
	CancelOrder(ctx context.Context, pair, clientOrderID string) (bool, error)
	GetMinimumOrderValue(ctx context.Context, pair string) (decimal.Decimal, error)
	CancelAllOrders(ctx context.Context) (int, error)
	SellAllPositions(ctx context.Context) (map[string]decimal.Decimal, error)
	SwitchEnvironment(ctx context.Context, mode models.TradingMode) error
	Environment() models.TradingMode
}

// SplitPair splits "BTC/USDT" into base and quote.
func SplitPair(pair string) (base, quote string) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 {
		return pair, ""
	}
	return parts[0], parts[1]
}

// Symbol converts "BTC/USDT" to the exchange symbol "BTCUSDT".
func Symbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}
