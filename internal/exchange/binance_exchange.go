package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultProductionURL = "https://api.binance.com"
	DefaultSandboxURL    = "https://testnet.binance.vision"
)

// Binance API error codes that mean "order unknown".
const (
	codeCancelRejected = -2011
	codeNoSuchOrder    = -2013
)

// Credentials is one API key pair.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// BinanceOptions configures the spot adapter. Keys and URLs are per environment.
type BinanceOptions struct {
	Mode          models.TradingMode
	Production    Credentials
	Sandbox       Credentials
	ProductionURL string
	SandboxURL    string
	QuoteAsset    string
}

// PriceCache is a streaming price source that follows environment switches.
type PriceCache interface {
	Price(pair string) (decimal.Decimal, bool)
	UseEnvironment(mode models.TradingMode)
}

type symbolFilters struct {
	tickSize    decimal.Decimal
	stepSize    decimal.Decimal
	minNotional decimal.Decimal
}

// BinanceExchange implements Exchange on top of the Binance spot REST API.
type BinanceExchange struct {
	mu      sync.RWMutex
	mode    models.TradingMode
	client  *binance.Client
	opts    BinanceOptions
	prices  PriceCache
	filters map[string]symbolFilters
	logger  *zap.Logger
}

// NewBinanceExchange creates an adapter pointed at opts.Mode. prices may be nil.
func NewBinanceExchange(opts BinanceOptions, prices PriceCache, logger *zap.Logger) (*BinanceExchange, error) {
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown environment %q", models.ErrInvalidConfiguration, opts.Mode)
	}
	if opts.ProductionURL == "" {
		opts.ProductionURL = DefaultProductionURL
	}
	if opts.SandboxURL == "" {
		opts.SandboxURL = DefaultSandboxURL
	}
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDT"
	}
	e := &BinanceExchange{
		opts:    opts,
		prices:  prices,
		filters: make(map[string]symbolFilters),
		logger:  logger,
	}
	e.mode = opts.Mode
	e.client = e.newClient(opts.Mode)
	if prices != nil {
		prices.UseEnvironment(opts.Mode)
	}
	return e, nil
}

func (e *BinanceExchange) newClient(mode models.TradingMode) *binance.Client {
	creds, baseURL := e.opts.Production, e.opts.ProductionURL
	if mode == models.ModeSandbox {
		creds, baseURL = e.opts.Sandbox, e.opts.SandboxURL
	}
	client := binance.NewClient(creds.APIKey, creds.SecretKey)
	client.BaseURL = baseURL
	return client
}

func (e *BinanceExchange) current() *binance.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

// classify maps transport and API errors onto the shared taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeNoSuchOrder, codeCancelRejected:
			return fmt.Errorf("%s: %w: %w", op, models.ErrOrderNotFound, err)
		case 0, -1000, -1001, -1003, -1006, -1007, -1008, -1015, -1021:
			return fmt.Errorf("%s: %w: %w", op, models.ErrExchangeUnavailable, err)
		}
		return fmt.Errorf("%s: %w: %w", op, models.ErrExchangeRejected, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrExchangeUnavailable, err)
}

func (e *BinanceExchange) GetCurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	if e.prices != nil {
		if p, ok := e.prices.Price(pair); ok {
			return p, nil
		}
	}
	res, err := e.current().NewListPricesService().Symbol(Symbol(pair)).Do(ctx)
	if err != nil {
		return decimal.Zero, classify("get price", err)
	}
	for _, sp := range res {
		if sp.Symbol == Symbol(pair) {
			return decimal.NewFromString(sp.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no ticker for %s", models.ErrExchangeUnavailable, pair)
}

func (e *BinanceExchange) GetOpenOrders(ctx context.Context, pair string) ([]models.ExchangeOrder, error) {
	res, err := e.current().NewListOpenOrdersService().Symbol(Symbol(pair)).Do(ctx)
	if err != nil {
		return nil, classify("list open orders", err)
	}
	out := make([]models.ExchangeOrder, 0, len(res))
	for _, o := range res {
		out = append(out, fromBinanceOrder(pair, o))
	}
	return out, nil
}

func (e *BinanceExchange) GetOrder(ctx context.Context, pair, clientOrderID string) (*models.ExchangeOrder, error) {
	o, err := e.current().NewGetOrderService().Symbol(Symbol(pair)).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, classify("get order", err)
	}
	out := fromBinanceOrder(pair, o)
	return &out, nil
}

func (e *BinanceExchange) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.ExchangeOrder, error) {
	f, err := e.symbolFilters(ctx, req.Pair)
	if err != nil {
		return nil, err
	}
	qty := adjustToStep(req.Amount, f.stepSize)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s rounds to zero with step %s", models.ErrExchangeRejected, req.Amount, f.stepSize)
	}

	svc := e.current().NewCreateOrderService().
		Symbol(Symbol(req.Pair)).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(qty.String()).
		NewClientOrderID(req.ClientOrderID)
	price := req.Price
	if req.Type == models.Limit {
		price = adjustToStep(req.Price, f.tickSize)
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).Price(price.String())
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("create order", err)
	}
	filled := parseDecimal(res.ExecutedQuantity)
	order := &models.ExchangeOrder{
		ExchangeID:    strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Amount:        qty,
		Filled:        filled,
		Status:        mapStatus(res.Status, filled),
		UpdatedAt:     time.UnixMilli(res.TransactTime),
	}
	if filled.IsPositive() {
		order.AvgPrice = parseDecimal(res.CummulativeQuoteQuantity).Div(filled)
	}
	e.logger.Info("order created",
		zap.String("pair", req.Pair),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("clientOrderId", req.ClientOrderID),
	)
	return order, nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, pair, clientOrderID string) (bool, error) {
	_, err := e.current().NewCancelOrderService().Symbol(Symbol(pair)).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		err = classify("cancel order", err)
		if errors.Is(err, models.ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *BinanceExchange) GetMinimumOrderValue(ctx context.Context, pair string) (decimal.Decimal, error) {
	f, err := e.symbolFilters(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	return f.minNotional, nil
}

func (e *BinanceExchange) CancelAllOrders(ctx context.Context) (int, error) {
	client := e.current()
	open, err := client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return 0, classify("list open orders", err)
	}
	var errs []error
	count := 0
	for _, o := range open {
		if _, err := client.NewCancelOrderService().Symbol(o.Symbol).OrderID(o.OrderID).Do(ctx); err != nil {
			err = classify("cancel order", err)
			if !errors.Is(err, models.ErrOrderNotFound) {
				errs = append(errs, fmt.Errorf("%s %d: %w", o.Symbol, o.OrderID, err))
			}
			continue
		}
		count++
	}
	e.logger.Info("cancelled all open orders", zap.Int("count", count), zap.Int("failed", len(errs)))
	return count, errors.Join(errs...)
}

func (e *BinanceExchange) SellAllPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	client := e.current()
	account, err := client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("get account", err)
	}
	balances := make([]binance.Balance, len(account.Balances))
	copy(balances, account.Balances)
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })

	sold := make(map[string]decimal.Decimal)
	var errs []error
	for _, b := range balances {
		if b.Asset == e.opts.QuoteAsset {
			continue
		}
		free := parseDecimal(b.Free)
		if !free.IsPositive() {
			continue
		}
		pair := b.Asset + "/" + e.opts.QuoteAsset
		f, err := e.symbolFilters(ctx, pair)
		if err != nil {
			e.logger.Debug("skip liquidation, no market", zap.String("asset", b.Asset), zap.Error(err))
			continue
		}
		qty := adjustToStep(free, f.stepSize)
		price, err := e.GetCurrentPrice(ctx, pair)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Asset, err))
			continue
		}
		if !qty.IsPositive() || qty.Mul(price).LessThan(f.minNotional) {
			e.logger.Debug("skip dust balance", zap.String("asset", b.Asset), zap.String("free", free.String()))
			continue
		}
		id := uuid.New()
		_, err = e.CreateOrder(ctx, models.OrderRequest{
			Pair:          pair,
			Side:          models.Sell,
			Type:          models.Market,
			Amount:        qty,
			ClientOrderID: "liq-" + base62.EncodeToString(id[:]),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Asset, err))
			continue
		}
		sold[b.Asset] = qty
	}
	return sold, errors.Join(errs...)
}

func (e *BinanceExchange) SwitchEnvironment(_ context.Context, mode models.TradingMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown environment %q", models.ErrInvalidConfiguration, mode)
	}
	e.mu.Lock()
	e.mode = mode
	e.client = e.newClient(mode)
	e.filters = make(map[string]symbolFilters)
	e.mu.Unlock()

	if e.prices != nil {
		e.prices.UseEnvironment(mode)
	}
	e.logger.Info("exchange environment switched", zap.String("mode", string(mode)))
	return nil
}

func (e *BinanceExchange) Environment() models.TradingMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// symbolFilters loads and caches PRICE_FILTER, LOT_SIZE and (MIN_)NOTIONAL for a pair.
func (e *BinanceExchange) symbolFilters(ctx context.Context, pair string) (symbolFilters, error) {
	sym := Symbol(pair)
	e.mu.RLock()
	f, ok := e.filters[sym]
	client := e.client
	e.mu.RUnlock()
	if ok {
		return f, nil
	}

	info, err := client.NewExchangeInfoService().Symbol(sym).Do(ctx)
	if err != nil {
		return symbolFilters{}, classify("exchange info", err)
	}
	var found bool
	for _, s := range info.Symbols {
		if s.Symbol != sym {
			continue
		}
		found = true
		for _, raw := range s.Filters {
			switch raw["filterType"] {
			case "PRICE_FILTER":
				f.tickSize = parseAny(raw["tickSize"])
			case "LOT_SIZE":
				f.stepSize = parseAny(raw["stepSize"])
			case "MIN_NOTIONAL", "NOTIONAL":
				f.minNotional = parseAny(raw["minNotional"])
			}
		}
	}
	if !found {
		return symbolFilters{}, fmt.Errorf("%w: unknown symbol %s", models.ErrExchangeRejected, sym)
	}

	e.mu.Lock()
	e.filters[sym] = f
	e.mu.Unlock()
	return f, nil
}

func fromBinanceOrder(pair string, o *binance.Order) models.ExchangeOrder {
	filled := parseDecimal(o.ExecutedQuantity)
	out := models.ExchangeOrder{
		ExchangeID:    strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Pair:          pair,
		Side:          models.Side(o.Side),
		Type:          models.OrderType(o.Type),
		Price:         parseDecimal(o.Price),
		Amount:        parseDecimal(o.OrigQuantity),
		Filled:        filled,
		Status:        mapStatus(o.Status, filled),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
	if filled.IsPositive() {
		out.AvgPrice = parseDecimal(o.CummulativeQuoteQuantity).Div(filled)
	}
	return out
}

// mapStatus 转换订单状态. PENDING_CANCEL 的订单仍可能成交, 按未完成处理
func mapStatus(s binance.OrderStatusType, filled decimal.Decimal) models.ExchangeOrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return models.StatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return models.StatusPartiallyFilled
	case binance.OrderStatusTypePendingCancel:
		if filled.IsPositive() {
			return models.StatusPartiallyFilled
		}
		return models.StatusNew
	case binance.OrderStatusTypeFilled:
		return models.StatusFilled
	case binance.OrderStatusTypeCanceled:
		return models.StatusCanceled
	case binance.OrderStatusTypeRejected:
		return models.StatusRejected
	default:
		return models.StatusExpired
	}
}

// adjustToStep rounds value down to a multiple of step. A zero step leaves value unchanged.
func adjustToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func parseAny(v interface{}) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	return parseDecimal(s)
}
