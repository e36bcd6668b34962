package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Environment    TradingMode `json:"environment"`     // 启动环境: sandbox 或 production
	DBPath         string      `json:"db_path"`         // badger 状态库目录
	LedgerPath     string      `json:"ledger_path"`     // sqlite 成交账本文件
	LiveAPIURL     string      `json:"live_api_url"`    // 生产环境 REST 地址
	LiveWSURL      string      `json:"live_ws_url"`     // 生产环境 WebSocket 地址
	TestnetAPIURL  string      `json:"testnet_api_url"` // 测试网 REST 地址
	TestnetWSURL   string      `json:"testnet_ws_url"`  // 测试网 WebSocket 地址
	QuoteAsset     string      `json:"quote_asset"`     // 计价货币, 默认 USDT
	CleanupOnStart bool        `json:"cleanup_on_start"`

	ReconcileIntervalSec     int `json:"reconcile_interval_sec"`                // 对账循环间隔(秒)
	DecisionIntervalSec      int `json:"decision_interval_sec"`                 // 决策循环间隔(秒)
	ExchangeTimeoutSec       int `json:"exchange_timeout_sec"`                  // 单次交易所调用超时(秒)
	RejectCooldownSec        int `json:"reject_cooldown_sec"`                   // 被拒订单的冷却时间(秒)
	StatusIntervalSec        int `json:"status_interval_sec"`                   // 状态表打印间隔(秒)
	PriceStaleSec            int `json:"price_stale_sec"`                       // WebSocket 价格过期时间(秒)
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`  // WebSocket Pong消息超时时间(秒)
	WebSocketReconnectDelayS int `json:"websocket_reconnect_delay_sec,omitempty"`

	FeeRate            decimal.Decimal `json:"fee_rate"`              // 手续费率, 0 表示按毛利计算
	PaperMinOrderValue decimal.Decimal `json:"paper_min_order_value"` // 模拟盘最小下单金额
	PaperInitialQuote  decimal.Decimal `json:"paper_initial_quote"`   // 模拟盘初始计价货币余额

	MetricsAddr string         `json:"metrics_addr"` // Prometheus 监听地址, 为空则不启动
	Telegram    TelegramConfig `json:"telegram"`
	Pairs       []PairConfig   `json:"pairs"`
	LogConfig   LogConfig      `json:"log"`
}

// PairConfig 单个交易对的网格参数
type PairConfig struct {
	Pair              string          `json:"pair"`                // 交易对, 如 "BTC/USDT"
	TotalCapital      decimal.Decimal `json:"total_capital"`       // 分配的计价货币资金
	GridLevels        int             `json:"grid_levels"`         // 网格数量
	PriceRangePercent decimal.Decimal `json:"price_range_percent"` // 价格区间百分比, 以当前价为中心
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`   // 止损百分比
	EnableStopLoss    bool            `json:"enable_stop_loss"`
	EnableTrailingUp  bool            `json:"enable_trailing_up"`
	Active            bool            `json:"active"`
}

// TelegramConfig 通知配置, token 从环境变量读取
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	ChatID  string `json:"chat_id"`
	BaseURL string `json:"base_url"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// GridConfig is the persisted per-pair bot configuration.
type GridConfig struct {
	ID                string          `json:"id"`
	Pair              string          `json:"pair"`
	TotalCapital      decimal.Decimal `json:"total_capital"`
	GridLevels        int             `json:"grid_levels"`
	PriceRangePercent decimal.Decimal `json:"price_range_percent"`
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`
	EnableStopLoss    bool            `json:"enable_stop_loss"`
	EnableTrailingUp  bool            `json:"enable_trailing_up"`
	IsActive          bool            `json:"is_active"`
	IsConfigured      bool            `json:"is_configured"`
	IsRunning         bool            `json:"is_running"`
	LastDecision      Decision        `json:"last_decision"`
	LastDecisionAt    time.Time       `json:"last_decision_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DecisionRecord is the latest trade/pause signal written by the external decision engine.
type DecisionRecord struct {
	Pair     string    `json:"pair"`
	Decision Decision  `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// GridOrder mirrors one exchange order placed by the bot.
type GridOrder struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	ExchangeID    string          `json:"exchange_id,omitempty"`
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	Status        OrderStatus     `json:"status"`
	Tag           OrderTag        `json:"tag"`
	Level         int             `json:"level"` // -1 表示不属于任何网格
	CreatedAt     time.Time       `json:"created_at"`
	FilledAt      *time.Time      `json:"filled_at,omitempty"`
}

// ExchangeOrder is the exchange's view of an order.
type ExchangeOrder struct {
	ExchangeID    string              `json:"exchange_id"`
	ClientOrderID string              `json:"client_order_id"`
	Pair          string              `json:"pair"`
	Side          Side                `json:"side"`
	Type          OrderType           `json:"type"`
	Price         decimal.Decimal     `json:"price"`
	Amount        decimal.Decimal     `json:"amount"`
	Filled        decimal.Decimal     `json:"filled"`
	AvgPrice      decimal.Decimal     `json:"avg_price"`
	Status        ExchangeOrderStatus `json:"status"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// IsOpen reports whether the order can still trade.
func (o *ExchangeOrder) IsOpen() bool {
	return o.Status == StatusNew || o.Status == StatusPartiallyFilled
}

// FillPrice returns the average execution price, falling back to the limit price.
func (o *ExchangeOrder) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// OrderRequest describes an order to create.
type OrderRequest struct {
	Pair          string
	Side          Side
	Type          OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal // 市价单忽略
	ClientOrderID string
}

// Notional returns amount × price.
func (r OrderRequest) Notional() decimal.Decimal {
	return r.Amount.Mul(r.Price)
}

// GridTrade is a completed buy→sell round trip at one step.
type GridTrade struct {
	ID            string          `json:"id"`
	Pair          string          `json:"pair"`
	Level         int             `json:"level"`
	BuyOrderID    string          `json:"buy_order_id"`
	SellOrderID   string          `json:"sell_order_id"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	Amount        decimal.Decimal `json:"amount"`
	Fees          decimal.Decimal `json:"fees"`
	Profit        decimal.Decimal `json:"profit"`
	ProfitPercent decimal.Decimal `json:"profit_percent"`
	FeeExclusive  bool            `json:"fee_exclusive"`
	ExecutedAt    time.Time       `json:"executed_at"`
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus is the status of the local order mirror.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// ExchangeOrderStatus is the exchange-reported order status.
type ExchangeOrderStatus string

const (
	StatusNew             ExchangeOrderStatus = "NEW"
	StatusPartiallyFilled ExchangeOrderStatus = "PARTIALLY_FILLED"
	StatusFilled          ExchangeOrderStatus = "FILLED"
	StatusCanceled        ExchangeOrderStatus = "CANCELED"
	StatusRejected        ExchangeOrderStatus = "REJECTED"
	StatusExpired         ExchangeOrderStatus = "EXPIRED"
)

// OrderTag identifies why an order was placed.
type OrderTag string

const (
	TagGridBuy     OrderTag = "grid_buy"
	TagGridSell    OrderTag = "grid_sell"
	TagStopLoss    OrderTag = "stop_loss"
	TagLiquidation OrderTag = "liquidation"
)

// TradingMode 交易环境
type TradingMode string

const (
	ModeSandbox    TradingMode = "sandbox"
	ModeProduction TradingMode = "production"
)

// Valid reports whether m is a known environment.
func (m TradingMode) Valid() bool {
	return m == ModeSandbox || m == ModeProduction
}

// Decision is the trade/pause signal for a pair.
type Decision string

const (
	DecisionTrade    Decision = "TRADE"
	DecisionPause    Decision = "PAUSE"
	DecisionStopLoss Decision = "STOP_LOSS"
)
