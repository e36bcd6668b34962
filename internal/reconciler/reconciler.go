// Package reconciler drives one pair's exchange orders towards the ladder's
// desired state. A pass reads price and open orders, resolves what happened to
// every order the steps own, applies fills, places what is missing and then
// persists the result.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"spot-grid-bot-go/internal/accounting"
	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/gridmath"
	"spot-grid-bot-go/internal/gridstep"
	"spot-grid-bot-go/internal/metrics"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/notify"
	"spot-grid-bot-go/internal/pairlock"
	"spot-grid-bot-go/internal/persistence"
	"spot-grid-bot-go/internal/storage"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultClientIDPrefix = "gs"

// Options tunes a Reconciler.
type Options struct {
	ExchangeTimeout time.Duration
	RejectCooldown  time.Duration
	FeePolicy       accounting.FeePolicy
	ClientIDPrefix  string
}

// PassResult summarizes one pass.
type PassResult struct {
	Pair       string
	Price      decimal.Decimal
	Placed     int
	Cancelled  int
	Filled     int
	Skipped    int
	Trades     []models.GridTrade
	StoppedOut bool
	Reladdered bool
	Degraded   bool // 交易所不可用, 本轮提前结束
	Errors     []error
}

// Reconciler runs reconciliation passes. It is safe for concurrent use;
// passes of the same pair are serialized through the pair locks.
type Reconciler struct {
	exchange exchange.Exchange
	repo     persistence.GridRepository
	ledger   storage.TradeLedger
	locks    *pairlock.Locks
	notifier notify.Notifier
	metrics  *metrics.Metrics
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Reconciler. ledger, notifier and m may be nil.
func New(ex exchange.Exchange, repo persistence.GridRepository, ledger storage.TradeLedger, locks *pairlock.Locks,
	notifier notify.Notifier, m *metrics.Metrics, opts Options, logger *zap.Logger) *Reconciler {
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 20 * time.Second
	}
	if opts.RejectCooldown <= 0 {
		opts.RejectCooldown = 5 * time.Minute
	}
	if opts.ClientIDPrefix == "" {
		opts.ClientIDPrefix = DefaultClientIDPrefix
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{
		exchange: ex,
		repo:     repo,
		ledger:   ledger,
		locks:    locks,
		notifier: notifier,
		metrics:  m,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile runs one pass for pair. If a pass for pair is already in flight
// (or a mode switch holds the locks) it returns models.ErrPassInFlight at once.
func (r *Reconciler) Reconcile(ctx context.Context, pair string) (*PassResult, error) {
	release, ok := r.locks.TryAcquire(pair)
	if !ok {
		r.metrics.PassSkipped(pair)
		return nil, fmt.Errorf("%w: %s", models.ErrPassInFlight, pair)
	}
	defer release()

	started := r.now()
	res, err := r.reconcileLocked(ctx, pair)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Degraded:
		outcome = "degraded"
	}
	r.metrics.PassCompleted(pair, outcome, r.now().Sub(started))
	return res, err
}

// pass carries the working set of one reconciliation pass.
type pass struct {
	r           *Reconciler
	ctx         context.Context
	cfg         *models.GridConfig
	state       *models.GridBotState
	res         *PassResult
	fingerprint string
	price       decimal.Decimal
	minValue    decimal.Decimal
	now         time.Time
	logger      *zap.Logger

	owned       map[string]bool // 被档位持有的 clientOrderId
	newOrders   []*models.GridOrder
	updates     []statusUpdate
	exchangeIDs []exchangeIDUpdate // 上一轮超时, 本轮确认的订单
	trades    []models.GridTrade
	haltErr   error // 交易所不可用后不再发出任何命令
}

type statusUpdate struct {
	orderID  string
	status   models.OrderStatus
	filledAt *time.Time
}

type exchangeIDUpdate struct {
	orderID    string
	exchangeID string
}

func (r *Reconciler) reconcileLocked(ctx context.Context, pair string) (*PassResult, error) {
	res := &PassResult{Pair: pair}
	cfg, err := r.repo.GetConfig(pair)
	if err != nil {
		return res, err
	}
	if cfg == nil {
		return res, fmt.Errorf("%w: no grid config for %s", models.ErrInvalidConfiguration, pair)
	}
	if !cfg.IsRunning {
		return res, fmt.Errorf("%w: %s", models.ErrBotNotRunning, pair)
	}
	if err := gridmath.Validate(*cfg); err != nil {
		return res, err
	}

	state, err := r.repo.GetBotState(pair)
	if err != nil {
		return res, err
	}
	if state == nil {
		state = models.NewGridBotState(pair)
	}

	p := r.newPass(ctx, cfg, state, res)

	// 1. 读取交易所状态
	open, err := p.readExchange()
	if err != nil {
		p.halt(err)
		return res, p.finish()
	}

	// 2. 对账: 处理每个档位上的订单
	p.observe(open)
	// 3. 取消不属于任何档位的本机器人订单
	p.cancelOrphans(open)
	// 4. 风控与网格重建
	if !p.halted() {
		p.checkLadder()
	}
	// 5. 补齐挂单
	if !p.halted() && !res.StoppedOut {
		p.place()
	}
	if res.StoppedOut {
		// 止损后立即暂停, 锁释放前生效, 下一轮不会重新挂单
		if err := r.repo.UpdateConfigStatus(pair, false, models.DecisionStopLoss, p.now); err != nil {
			p.critical("pause bot after stop loss", err)
		}
	}
	return res, p.finish()
}

func (r *Reconciler) newPass(ctx context.Context, cfg *models.GridConfig, state *models.GridBotState, res *PassResult) *pass {
	p := &pass{
		r:      r,
		ctx:    ctx,
		cfg:    cfg,
		state:  state,
		res:    res,
		now:    r.now(),
		logger: r.logger.With(zap.String("pair", state.Pair)),
		owned:  make(map[string]bool),
	}
	if cfg != nil {
		p.fingerprint = gridmath.Fingerprint(*cfg)
	}
	return p
}

// FreeSteps cancels the order of every step of pair without placing new ones.
// A fill that raced a cancel is booked like in a regular pass, so a bought
// step keeps its holding. The caller must hold the pair lock.
func (r *Reconciler) FreeSteps(ctx context.Context, pair string) (*PassResult, error) {
	res := &PassResult{Pair: pair}
	state, err := r.repo.GetBotState(pair)
	if err != nil || state == nil {
		return res, err
	}
	cfg, err := r.repo.GetConfig(pair)
	if err != nil {
		return res, err
	}

	p := r.newPass(ctx, cfg, state, res)
	open := 0
	for i := range state.Steps {
		step := &state.Steps[i]
		if step.Active == nil {
			continue
		}
		if !p.cancelStep(step) {
			open++
		}
	}
	if err := p.finish(); err != nil {
		return res, err
	}
	if open > 0 {
		return res, fmt.Errorf("%w: %d orders of %s could not be confirmed closed", models.ErrStateInconsistency, open, pair)
	}
	return res, nil
}

func (p *pass) halted() bool { return p.haltErr != nil }

// halt stops issuing exchange commands for the rest of the pass.
func (p *pass) halt(err error) {
	if p.haltErr != nil {
		return
	}
	if !errors.Is(err, models.ErrExchangeUnavailable) {
		err = fmt.Errorf("%w: %w", models.ErrExchangeUnavailable, err)
	}
	p.haltErr = err
	p.res.Degraded = true
	p.res.Errors = append(p.res.Errors, err)
	p.logger.Warn("exchange unavailable, stopping commands for this pass", zap.Error(err))
}

func (p *pass) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(p.ctx, p.r.opts.ExchangeTimeout)
}

func (p *pass) readExchange() ([]models.ExchangeOrder, error) {
	ex := p.r.exchange
	pair := p.state.Pair

	ctx, cancel := p.callCtx()
	price, err := ex.GetCurrentPrice(ctx, pair)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	p.price = price
	p.res.Price = price

	ctx, cancel = p.callCtx()
	open, err := ex.GetOpenOrders(ctx, pair)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}

	ctx, cancel = p.callCtx()
	minValue, err := ex.GetMinimumOrderValue(ctx, pair)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("get minimum order value: %w", err)
	}
	p.minValue = minValue
	return open, nil
}

// observe resolves the order of every step that has one.
func (p *pass) observe(open []models.ExchangeOrder) {
	byCID := make(map[string]models.ExchangeOrder, len(open))
	for _, o := range open {
		byCID[o.ClientOrderID] = o
	}

	for i := range p.state.Steps {
		step := &p.state.Steps[i]
		if step.Active == nil {
			continue
		}
		cid := step.Active.ClientOrderID
		if o, ok := byCID[cid]; ok {
			p.owned[cid] = true
			if gridstep.IsPending(step) {
				// 超时的下单实际已成功
				_ = gridstep.Acknowledge(step, o.ExchangeID)
				p.setExchangeID(step.Active.OrderID, o.ExchangeID)
			}
			continue
		}
		if p.halted() {
			// 无法确认的档位保持原状, 下一轮再查
			continue
		}

		ctx, cancel := p.callCtx()
		o, err := p.r.exchange.GetOrder(ctx, p.state.Pair, cid)
		cancel()
		switch {
		case errors.Is(err, models.ErrOrderNotFound):
			if gridstep.IsResting(step) {
				p.logger.Warn("resting order unknown to exchange, resetting step",
					zap.Int("level", step.Level), zap.String("client_order_id", cid),
					zap.Error(models.ErrStateInconsistency))
			} else {
				p.logger.Info("pending order never reached the exchange", zap.Int("level", step.Level), zap.String("client_order_id", cid))
			}
			p.update(step.Active.OrderID, models.OrderCancelled, nil)
			gridstep.Cancel(step)
		case err != nil:
			p.halt(fmt.Errorf("get order %s: %w", cid, err))
		default:
			p.owned[cid] = true
			p.resolve(step, o)
		}
	}
}

func (p *pass) resolve(step *models.GridStep, o *models.ExchangeOrder) {
	switch o.Status {
	case models.StatusFilled:
		p.fill(step, o, filledAmount(o))
	case models.StatusCanceled, models.StatusExpired, models.StatusRejected:
		if o.Filled.IsPositive() {
			// 部分成交后被撤单, 成交部分照常记账
			p.fill(step, o, o.Filled)
			return
		}
		p.logger.Info("order closed without fill, step freed",
			zap.Int("level", step.Level), zap.String("status", string(o.Status)))
		p.update(step.Active.OrderID, models.OrderCancelled, nil)
		gridstep.Cancel(step)
	default:
		// 仍然有效, 只是挂单列表有延迟
		if gridstep.IsPending(step) {
			_ = gridstep.Acknowledge(step, o.ExchangeID)
			p.setExchangeID(step.Active.OrderID, o.ExchangeID)
		}
	}
}

func filledAmount(o *models.ExchangeOrder) decimal.Decimal {
	if o.Filled.IsPositive() {
		return o.Filled
	}
	return o.Amount
}

func (p *pass) fill(step *models.GridStep, o *models.ExchangeOrder, amount decimal.Decimal) {
	if gridstep.IsPending(step) {
		_ = gridstep.Acknowledge(step, o.ExchangeID)
		p.setExchangeID(step.Active.OrderID, o.ExchangeID)
	}
	orderID := step.Active.OrderID
	side := step.Active.Side
	at := o.UpdatedAt
	if at.IsZero() {
		at = p.now
	}
	closed, err := gridstep.ApplyFill(step, gridstep.Fill{OrderID: orderID, Price: o.FillPrice(), Amount: amount, At: at})
	if err != nil {
		p.logger.Error("cannot apply fill", zap.Int("level", step.Level), zap.Error(err))
		p.res.Errors = append(p.res.Errors, err)
		return
	}
	p.update(orderID, models.OrderFilled, &at)
	p.res.Filled++
	p.r.metrics.Fill(p.state.Pair, string(side))
	p.logger.Info("order filled",
		zap.Int("level", step.Level), zap.String("side", string(side)),
		zap.String("price", o.FillPrice().String()), zap.String("amount", amount.String()))

	if side == models.Sell && closed != nil {
		trade := accounting.NewTrade(p.state.Pair, step.Level, *closed, orderID, o.FillPrice(), p.r.opts.FeePolicy, at)
		p.trades = append(p.trades, trade)
	}
}

// cancelOrphans cancels open orders carrying our prefix that no step owns,
// typically left behind by a process that crashed mid-pass.
func (p *pass) cancelOrphans(open []models.ExchangeOrder) {
	prefix := p.r.opts.ClientIDPrefix + "-"
	for _, o := range open {
		if p.halted() {
			return
		}
		if p.owned[o.ClientOrderID] || !strings.HasPrefix(o.ClientOrderID, prefix) {
			continue
		}
		ctx, cancel := p.callCtx()
		ok, err := p.r.exchange.CancelOrder(ctx, p.state.Pair, o.ClientOrderID)
		cancel()
		if err != nil {
			if errors.Is(err, models.ErrExchangeRejected) {
				p.logger.Warn("cancel orphan rejected", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
				continue
			}
			p.halt(fmt.Errorf("cancel orphan %s: %w", o.ClientOrderID, err))
			return
		}
		if ok {
			p.res.Cancelled++
			p.r.metrics.OrderCancelled(p.state.Pair)
			p.logger.Info("cancelled orphan order", zap.String("client_order_id", o.ClientOrderID))
		}
	}
}

// place issues a create for every step whose desired action is not met.
func (p *pass) place() {
	state := p.state
	for i := range state.Steps {
		step := &state.Steps[i]
		act := gridstep.Desired(step, p.price)
		if act.Kind == gridstep.ActionNone {
			continue
		}
		if gridstep.Blocked(step, p.fingerprint, p.now, p.r.opts.RejectCooldown) {
			continue
		}
		amount := act.Amount
		tag := models.TagGridSell
		if act.Side == models.Buy {
			amount = state.OrderAmount
			tag = models.TagGridBuy
		}
		req := models.OrderRequest{
			Pair:   state.Pair,
			Side:   act.Side,
			Type:   models.Limit,
			Amount: amount,
			Price:  act.Price,
		}
		if req.Notional().LessThan(p.minValue) {
			p.res.Skipped++
			if step.SkipNotedFor != p.fingerprint {
				step.SkipNotedFor = p.fingerprint
				p.logger.Warn("order value below exchange minimum, skipping step",
					zap.Int("level", step.Level), zap.String("side", string(act.Side)),
					zap.String("notional", req.Notional().String()), zap.String("minimum", p.minValue.String()))
			}
			continue
		}

		req.ClientOrderID = p.r.clientOrderID(state.LadderID, step.Level, act.Side, step.Seq+1)
		order := &models.GridOrder{
			ID:            uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			Pair:          state.Pair,
			Side:          act.Side,
			Type:          models.Limit,
			Amount:        amount,
			Price:         act.Price,
			Status:        models.OrderOpen,
			Tag:           tag,
			Level:         step.Level,
			CreatedAt:     p.now,
		}
		if err := gridstep.MarkPending(step, models.ActiveOrder{
			OrderID:       order.ID,
			ClientOrderID: order.ClientOrderID,
			Side:          act.Side,
			Price:         act.Price,
			Amount:        amount,
			PlacedAt:      p.now,
		}); err != nil {
			p.logger.Error("cannot mark step pending", zap.Int("level", step.Level), zap.Error(err))
			continue
		}
		p.newOrders = append(p.newOrders, order)

		ctx, cancel := p.callCtx()
		o, err := p.r.exchange.CreateOrder(ctx, req)
		cancel()
		switch {
		case err == nil:
			_ = gridstep.Acknowledge(step, o.ExchangeID)
			order.ExchangeID = o.ExchangeID
			p.res.Placed++
			p.r.metrics.OrderPlaced(state.Pair, string(act.Side))
			p.logger.Info("order placed",
				zap.Int("level", step.Level), zap.String("side", string(act.Side)),
				zap.String("price", act.Price.String()), zap.String("amount", amount.String()),
				zap.String("client_order_id", req.ClientOrderID))
		case errors.Is(err, models.ErrExchangeRejected):
			gridstep.Reject(step, err.Error(), p.fingerprint, p.now)
			order.Status = models.OrderCancelled
			p.res.Errors = append(p.res.Errors, err)
			p.logger.Warn("order rejected, step blocked until config changes or cooldown ends",
				zap.Int("level", step.Level), zap.Error(err))
		default:
			// 结果未知: 档位保持 PENDING, 下一轮通过 clientOrderId 查询
			p.halt(fmt.Errorf("create order level %d: %w", step.Level, err))
			return
		}
	}
}

// clientOrderID is deterministic for (ladder, level, side, seq) so a retried
// create after a timeout is recognised instead of duplicated.
func (r *Reconciler) clientOrderID(ladderID string, level int, side models.Side, seq int) string {
	if len(ladderID) > 8 {
		ladderID = ladderID[:8]
	}
	raw := fmt.Sprintf("%s:%d:%s:%d", ladderID, level, string(side)[:1], seq)
	return r.opts.ClientIDPrefix + "-" + base62.EncodeToString([]byte(raw))
}

func (p *pass) update(orderID string, status models.OrderStatus, filledAt *time.Time) {
	if orderID == "" {
		return
	}
	for _, o := range p.newOrders {
		if o.ID == orderID {
			o.Status = status
			o.FilledAt = filledAt
			return
		}
	}
	p.updates = append(p.updates, statusUpdate{orderID: orderID, status: status, filledAt: filledAt})
}

func (p *pass) setExchangeID(orderID, exchangeID string) {
	if exchangeID == "" {
		return
	}
	for _, o := range p.newOrders {
		if o.ID == orderID {
			o.ExchangeID = exchangeID
			return
		}
	}
	p.exchangeIDs = append(p.exchangeIDs, exchangeIDUpdate{orderID: orderID, exchangeID: exchangeID})
}

// finish persists everything the pass produced. Exchange side effects have
// already happened, so every failure here is logged as CRITICAL.
func (p *pass) finish() error {
	r := p.r
	state := p.state
	pair := state.Pair

	for _, o := range p.newOrders {
		if err := r.repo.SaveOrder(o); err != nil {
			p.critical("save order mirror", err, zap.String("client_order_id", o.ClientOrderID))
		}
	}
	for _, u := range p.updates {
		err := r.repo.UpdateOrderStatus(u.orderID, u.status, u.filledAt)
		if err != nil && !errors.Is(err, models.ErrOrderNotFound) {
			p.critical("update order mirror", err, zap.String("order_id", u.orderID))
		}
	}
	for _, u := range p.exchangeIDs {
		err := r.repo.UpdateOrderExchangeID(u.orderID, u.exchangeID)
		if err != nil && !errors.Is(err, models.ErrOrderNotFound) {
			p.critical("update order mirror", err, zap.String("order_id", u.orderID))
		}
	}

	for _, t := range p.trades {
		inserted := true
		if r.ledger != nil {
			var err error
			inserted, err = r.ledger.SaveTrade(p.ctx, t)
			if err != nil {
				p.critical("save trade", err, zap.String("sell_order_id", t.SellOrderID))
				inserted = true
			}
		}
		if !inserted {
			p.logger.Debug("trade already recorded", zap.String("sell_order_id", t.SellOrderID))
			continue
		}
		accounting.Apply(state, t)
		p.res.Trades = append(p.res.Trades, t)
	}

	state.RecomputeCommitted()
	if p.price.IsPositive() {
		state.LastPrice = p.price
	}
	state.LastPassAt = p.now
	state.LastError = ""
	if len(p.res.Errors) > 0 {
		state.LastError = p.res.Errors[len(p.res.Errors)-1].Error()
	}

	if err := r.repo.SaveBotState(state); err != nil {
		p.critical("save bot state", err)
		return fmt.Errorf("%w: save state of %s: %w", models.ErrPersistenceFailure, pair, err)
	}

	// 通知放在持久化之后, 失败不影响本轮
	for _, t := range p.res.Trades {
		r.notifier.TradeCompleted(t)
		r.metrics.Trade(pair, state.CumulativeProfit)
	}
	return p.haltErr
}

func (p *pass) critical(what string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	p.logger.Error("CRITICAL: "+what+" failed, local state may diverge from exchange", fields...)
	p.res.Errors = append(p.res.Errors, fmt.Errorf("%w: %s: %w", models.ErrPersistenceFailure, what, err))
	p.r.notifier.Error(p.state.Pair, fmt.Errorf("CRITICAL: %s: %w", what, err))
}
