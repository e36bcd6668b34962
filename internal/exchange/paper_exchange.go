package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// PaperOptions configures the simulated exchange.
type PaperOptions struct {
	Mode          models.TradingMode
	QuoteAsset    string
	FeeRate       decimal.Decimal // 吃单/挂单统一费率, 以计价货币扣除
	MinOrderValue decimal.Decimal
}

// PaperExchange 实现了 Exchange 接口, 在内存中模拟现货撮合。
// Each environment has its own book, so switching environments behaves like
// pointing at a different account.
type PaperExchange struct {
	mu            sync.Mutex
	mode          models.TradingMode
	books         map[models.TradingMode]*paperBook
	quoteAsset    string
	feeRate       decimal.Decimal
	minOrderValue decimal.Decimal
	now           func() time.Time
}

type paperBook struct {
	prices   map[string]decimal.Decimal
	orders   map[string]*models.ExchangeOrder // key: clientOrderID
	sequence []string
	total    map[string]decimal.Decimal
	locked   map[string]decimal.Decimal
	nextID   int64
}

func newPaperBook() *paperBook {
	return &paperBook{
		prices: make(map[string]decimal.Decimal),
		orders: make(map[string]*models.ExchangeOrder),
		total:  make(map[string]decimal.Decimal),
		locked: make(map[string]decimal.Decimal),
		nextID: 1,
	}
}

func (b *paperBook) free(asset string) decimal.Decimal {
	return b.total[asset].Sub(b.locked[asset])
}

// NewPaperExchange creates a new simulated exchange.
func NewPaperExchange(opts PaperOptions) *PaperExchange {
	if !opts.Mode.Valid() {
		opts.Mode = models.ModeSandbox
	}
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDT"
	}
	return &PaperExchange{
		mode: opts.Mode,
		books: map[models.TradingMode]*paperBook{
			models.ModeSandbox:    newPaperBook(),
			models.ModeProduction: newPaperBook(),
		},
		quoteAsset:    opts.QuoteAsset,
		feeRate:       opts.FeeRate,
		minOrderValue: opts.MinOrderValue,
		now:           time.Now,
	}
}

func (e *PaperExchange) book() *paperBook {
	return e.books[e.mode]
}

// Deposit credits asset in the current environment.
func (e *PaperExchange) Deposit(asset string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.book()
	b.total[asset] = b.total[asset].Add(amount)
}

// Balance returns the free balance of asset in the current environment.
func (e *PaperExchange) Balance(asset string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book().free(asset)
}

// SetPrice 模拟价格变动并触发挂单成交检查。
func (e *PaperExchange) SetPrice(pair string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.book()
	b.prices[pair] = price
	for _, cid := range b.sequence {
		o := b.orders[cid]
		if o.Pair != pair || !o.IsOpen() || o.Type != models.Limit {
			continue
		}
		if (o.Side == models.Buy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == models.Sell && price.GreaterThanOrEqual(o.Price)) {
			e.fillLocked(b, o, o.Price)
		}
	}
}

// CancelExternally cancels an order as if a user did it on the exchange UI.
func (e *PaperExchange) CancelExternally(clientOrderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelLocked(e.book(), clientOrderID)
}

func (e *PaperExchange) GetCurrentPrice(_ context.Context, pair string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.book().prices[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", models.ErrExchangeUnavailable, pair)
	}
	return p, nil
}

func (e *PaperExchange) GetOpenOrders(_ context.Context, pair string) ([]models.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.book()
	var out []models.ExchangeOrder
	for _, cid := range b.sequence {
		o := b.orders[cid]
		if o.Pair == pair && o.IsOpen() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *PaperExchange) GetOrder(_ context.Context, pair, clientOrderID string) (*models.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.book().orders[clientOrderID]
	if !ok || o.Pair != pair {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, clientOrderID)
	}
	c := *o
	return &c, nil
}

func (e *PaperExchange) CreateOrder(_ context.Context, req models.OrderRequest) (*models.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.createLocked(e.book(), req)
	if err != nil {
		return nil, err
	}
	c := *o
	return &c, nil
}

func (e *PaperExchange) createLocked(b *paperBook, req models.OrderRequest) (*models.ExchangeOrder, error) {
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("%w: client order id is required", models.ErrExchangeRejected)
	}
	if _, dup := b.orders[req.ClientOrderID]; dup {
		return nil, fmt.Errorf("%w: duplicate client order id %s", models.ErrExchangeRejected, req.ClientOrderID)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrExchangeRejected)
	}
	market, hasPrice := b.prices[req.Pair]
	price := req.Price
	if req.Type == models.Market {
		if !hasPrice {
			return nil, fmt.Errorf("%w: no price for %s", models.ErrExchangeUnavailable, req.Pair)
		}
		price = market
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", models.ErrExchangeRejected)
	}
	notional := req.Amount.Mul(price)
	if notional.LessThan(e.minOrderValue) {
		return nil, fmt.Errorf("%w: notional %s below minimum %s", models.ErrExchangeRejected, notional, e.minOrderValue)
	}

	base, quote := SplitPair(req.Pair)
	switch req.Side {
	case models.Buy:
		if b.free(quote).LessThan(notional) {
			return nil, fmt.Errorf("%w: insufficient %s balance", models.ErrExchangeRejected, quote)
		}
		b.locked[quote] = b.locked[quote].Add(notional)
	case models.Sell:
		if b.free(base).LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: insufficient %s balance", models.ErrExchangeRejected, base)
		}
		b.locked[base] = b.locked[base].Add(req.Amount)
	default:
		return nil, fmt.Errorf("%w: unknown side %q", models.ErrExchangeRejected, req.Side)
	}

	o := &models.ExchangeOrder{
		ExchangeID:    strconv.FormatInt(b.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Amount:        req.Amount,
		Filled:        decimal.Zero,
		Status:        models.StatusNew,
		UpdatedAt:     e.now(),
	}
	b.nextID++
	b.orders[o.ClientOrderID] = o
	b.sequence = append(b.sequence, o.ClientOrderID)

	// 市价单立即成交; 可立即成交的限价单按挂单价成交
	if req.Type == models.Market {
		e.fillLocked(b, o, market)
	} else if hasPrice && ((req.Side == models.Buy && market.LessThanOrEqual(price)) ||
		(req.Side == models.Sell && market.GreaterThanOrEqual(price))) {
		e.fillLocked(b, o, price)
	}
	return o, nil
}

// fillLocked settles an order at execPrice. Must be called with the lock held.
func (e *PaperExchange) fillLocked(b *paperBook, o *models.ExchangeOrder, execPrice decimal.Decimal) {
	base, quote := SplitPair(o.Pair)
	notional := o.Amount.Mul(execPrice)
	fee := notional.Mul(e.feeRate)

	if o.Side == models.Buy {
		b.locked[quote] = b.locked[quote].Sub(o.Amount.Mul(o.Price))
		b.total[quote] = b.total[quote].Sub(notional).Sub(fee)
		b.total[base] = b.total[base].Add(o.Amount)
	} else {
		b.locked[base] = b.locked[base].Sub(o.Amount)
		b.total[base] = b.total[base].Sub(o.Amount)
		b.total[quote] = b.total[quote].Add(notional).Sub(fee)
	}
	o.Filled = o.Amount
	o.AvgPrice = execPrice
	o.Status = models.StatusFilled
	o.UpdatedAt = e.now()
}

func (e *PaperExchange) cancelLocked(b *paperBook, clientOrderID string) bool {
	o, ok := b.orders[clientOrderID]
	if !ok || !o.IsOpen() {
		return false
	}
	base, quote := SplitPair(o.Pair)
	if o.Side == models.Buy {
		b.locked[quote] = b.locked[quote].Sub(o.Amount.Mul(o.Price))
	} else {
		b.locked[base] = b.locked[base].Sub(o.Amount)
	}
	o.Status = models.StatusCanceled
	o.UpdatedAt = e.now()
	return true
}

func (e *PaperExchange) CancelOrder(_ context.Context, pair, clientOrderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.book()
	if o, ok := b.orders[clientOrderID]; ok && o.Pair != pair {
		return false, nil
	}
	return e.cancelLocked(b, clientOrderID), nil
}

func (e *PaperExchange) GetMinimumOrderValue(_ context.Context, _ string) (decimal.Decimal, error) {
	return e.minOrderValue, nil
}

func (e *PaperExchange) CancelAllOrders(_ context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.book()
	count := 0
	for _, cid := range b.sequence {
		if e.cancelLocked(b, cid) {
			count++
		}
	}
	return count, nil
}

func (e *PaperExchange) SellAllPositions(_ context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.book()
	sold := make(map[string]decimal.Decimal)
	assets := make([]string, 0, len(b.total))
	for asset := range b.total {
		if asset != e.quoteAsset {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)
	for _, asset := range assets {
		amount := b.free(asset)
		if !amount.IsPositive() {
			continue
		}
		pair := asset + "/" + e.quoteAsset
		if _, ok := b.prices[pair]; !ok {
			continue
		}
		req := models.OrderRequest{
			Pair:          pair,
			Side:          models.Sell,
			Type:          models.Market,
			Amount:        amount,
			ClientOrderID: fmt.Sprintf("liq-%s-%d", asset, b.nextID),
		}
		if _, err := e.createLocked(b, req); err != nil {
			// 粉尘余额低于最小下单额, 跳过
			continue
		}
		sold[asset] = amount
	}
	return sold, nil
}

func (e *PaperExchange) SwitchEnvironment(_ context.Context, mode models.TradingMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown environment %q", models.ErrInvalidConfiguration, mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	return nil
}

func (e *PaperExchange) Environment() models.TradingMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}
