package reconciler

import (
	"errors"
	"fmt"
	"sort"

	"spot-grid-bot-go/internal/accounting"
	"spot-grid-bot-go/internal/gridmath"
	"spot-grid-bot-go/internal/gridstep"
	"spot-grid-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// checkLadder builds the first ladder and applies stop loss, trailing up and
// config changes to an existing one.
func (p *pass) checkLadder() {
	state, cfg := p.state, p.cfg
	if !state.HasLadder() {
		p.buildLadder(nil, "initial")
		return
	}
	if cfg.EnableStopLoss {
		trigger := gridmath.StopLossPrice(state.LowerBound, cfg.StopLossPercent)
		if p.price.LessThanOrEqual(trigger) {
			p.logger.Warn("stop loss triggered",
				zap.String("price", p.price.String()), zap.String("trigger", trigger.String()))
			p.stopLoss()
			return
		}
	}
	switch {
	case cfg.EnableTrailingUp && p.price.GreaterThan(state.UpperBound):
		p.reladder("trailing up")
	case state.Fingerprint != p.fingerprint:
		p.reladder("config changed")
	}
}

// reladder frees every step and rebuilds the ladder around the current price.
// Inventory held by the old steps is carried over.
func (p *pass) reladder(reason string) {
	p.logger.Info("recomputing ladder", zap.String("reason", reason), zap.String("price", p.price.String()))
	if !p.freeAllSteps() {
		return
	}
	p.buildLadder(p.state.Holdings(), reason)
}

// freeAllSteps cancels every step order. It returns false when some step
// could not be freed; the ladder is then left for the next pass.
func (p *pass) freeAllSteps() bool {
	for i := range p.state.Steps {
		step := &p.state.Steps[i]
		if step.Active == nil {
			continue
		}
		if !p.cancelStep(step) {
			return false
		}
	}
	return true
}

// cancelStep cancels the step's order and then looks it up, so a fill that
// raced the cancel is still accounted for.
func (p *pass) cancelStep(step *models.GridStep) bool {
	if p.halted() {
		return false
	}
	pair := p.state.Pair
	cid := step.Active.ClientOrderID

	ctx, cancel := p.callCtx()
	ok, err := p.r.exchange.CancelOrder(ctx, pair, cid)
	cancel()
	if err != nil && !errors.Is(err, models.ErrExchangeRejected) {
		p.halt(fmt.Errorf("cancel %s: %w", cid, err))
		return false
	}
	if ok {
		p.res.Cancelled++
		p.r.metrics.OrderCancelled(pair)
	}

	ctx, cancel = p.callCtx()
	o, err := p.r.exchange.GetOrder(ctx, pair, cid)
	cancel()
	switch {
	case errors.Is(err, models.ErrOrderNotFound):
		p.update(step.Active.OrderID, models.OrderCancelled, nil)
		gridstep.Cancel(step)
		return true
	case err != nil:
		p.halt(fmt.Errorf("get order %s: %w", cid, err))
		return false
	case o.IsOpen():
		err := fmt.Errorf("order %s still open after cancel", cid)
		p.res.Errors = append(p.res.Errors, err)
		p.logger.Warn("cannot free step", zap.Int("level", step.Level), zap.Error(err))
		return false
	}
	p.resolve(step, o)
	return step.Active == nil
}

// buildLadder replaces the steps with a fresh ladder centred on the price.
func (p *pass) buildLadder(holdings []models.Holding, reason string) {
	state, cfg := p.state, p.cfg
	bounds, err := gridmath.ComputeLevels(p.price, cfg.PriceRangePercent, cfg.GridLevels)
	if err != nil {
		p.res.Errors = append(p.res.Errors, err)
		p.logger.Error("cannot compute ladder", zap.Error(err))
		return
	}
	amount, err := gridmath.ComputeOrderAmount(cfg.TotalCapital, cfg.GridLevels, p.price)
	if err != nil {
		p.res.Errors = append(p.res.Errors, err)
		p.logger.Error("cannot compute order amount", zap.Error(err))
		return
	}

	steps := gridmath.BuildSteps(bounds)
	carryHoldings(steps, holdings, p.price)

	state.Steps = steps
	state.LadderID = uuid.NewString()
	state.Fingerprint = p.fingerprint
	state.LowerBound = bounds[0]
	state.UpperBound = bounds[len(bounds)-1]
	state.OrderAmount = amount
	p.res.Reladdered = true
	p.logger.Info("ladder built",
		zap.String("reason", reason), zap.String("ladder_id", state.LadderID),
		zap.String("lower", state.LowerBound.String()), zap.String("upper", state.UpperBound.String()),
		zap.Int("levels", len(steps)), zap.String("order_amount", amount.String()),
		zap.Int("carried_holdings", len(holdings)))
}

// carryHoldings puts inventory on the lowest steps lying above price so each
// is offered at a step's upper bound. Surplus merges into the last candidate.
func carryHoldings(steps []models.GridStep, holdings []models.Holding, price decimal.Decimal) {
	if len(holdings) == 0 || len(steps) == 0 {
		return
	}
	var candidates []int
	for i := range steps {
		if steps[i].Lower.GreaterThanOrEqual(price) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		candidates = []int{len(steps) - 1}
	}
	// 先放成本高的持仓, 让它们挂在较低的档位尽快卖出
	sorted := append([]models.Holding(nil), holdings...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price.GreaterThan(sorted[j].Price) })

	for i, h := range sorted {
		idx := candidates[len(candidates)-1]
		if i < len(candidates) {
			idx = candidates[i]
		}
		step := &steps[idx]
		if step.Holding == nil {
			hc := h
			step.Holding = &hc
		} else {
			total := step.Holding.Amount.Add(h.Amount)
			cost := step.Holding.Amount.Mul(step.Holding.Price).Add(h.Amount.Mul(h.Price))
			step.Holding.Price = cost.Div(total)
			step.Holding.Amount = total
		}
		step.LastFilledSide = models.Buy
	}
}

// stopLoss cancels every step order, market-sells the inventory held by the
// steps and drops the ladder. The caller pauses the bot afterwards.
func (p *pass) stopLoss() {
	state := p.state
	if !p.freeAllSteps() {
		return
	}

	total := decimal.Zero
	for _, h := range state.Holdings() {
		total = total.Add(h.Amount)
	}
	if total.IsPositive() {
		if !p.sellInventory(total) {
			return
		}
	}

	state.Steps = nil
	state.LadderID = ""
	state.Fingerprint = ""
	state.LowerBound = decimal.Zero
	state.UpperBound = decimal.Zero
	state.OrderAmount = decimal.Zero
	p.res.StoppedOut = true
	p.logger.Warn("stop loss executed, ladder dropped", zap.String("sold", total.String()))
}

// sellInventory places the stop-loss market sell and books the closing trades.
// It returns false when the outcome is unknown and the pass must stop.
func (p *pass) sellInventory(amount decimal.Decimal) bool {
	state := p.state
	pair := state.Pair
	ladder := state.LadderID
	if len(ladder) > 8 {
		ladder = ladder[:8]
	}
	cid := p.r.opts.ClientIDPrefix + "-" + base62.EncodeToString([]byte(ladder+":sl"))

	// 上一轮可能已经下过止损单, 先查询避免重复卖出
	ctx, cancel := p.callCtx()
	o, err := p.r.exchange.GetOrder(ctx, pair, cid)
	cancel()
	if err != nil && !errors.Is(err, models.ErrOrderNotFound) {
		p.halt(fmt.Errorf("get stop loss order: %w", err))
		return false
	}

	// 本地 ID 与 clientOrderId 相同, 重试时覆盖同一条记录
	order := &models.GridOrder{
		ID:            cid,
		ClientOrderID: cid,
		Pair:          pair,
		Side:          models.Sell,
		Type:          models.Market,
		Amount:        amount,
		Price:         p.price,
		Status:        models.OrderOpen,
		Tag:           models.TagStopLoss,
		Level:         -1,
		CreatedAt:     p.now,
	}
	if o == nil {
		ctx, cancel := p.callCtx()
		o, err = p.r.exchange.CreateOrder(ctx, models.OrderRequest{
			Pair:          pair,
			Side:          models.Sell,
			Type:          models.Market,
			Amount:        amount,
			ClientOrderID: cid,
		})
		cancel()
		switch {
		case errors.Is(err, models.ErrExchangeRejected):
			// 余额留在账户上, 由运维处理
			p.res.Errors = append(p.res.Errors, err)
			p.logger.Error("stop loss sell rejected, inventory left on account", zap.Error(err))
			p.r.notifier.Error(pair, fmt.Errorf("stop loss sell rejected: %w", err))
			return true
		case err != nil:
			p.newOrders = append(p.newOrders, order)
			p.halt(fmt.Errorf("create stop loss order: %w", err))
			return false
		}
		p.res.Placed++
		p.r.metrics.OrderPlaced(pair, string(models.Sell))
	}
	p.newOrders = append(p.newOrders, order)

	order.ExchangeID = o.ExchangeID
	fillPrice := p.price
	if o.Status == models.StatusFilled {
		fillPrice = o.FillPrice()
		at := o.UpdatedAt
		if at.IsZero() {
			at = p.now
		}
		order.Status = models.OrderFilled
		order.FilledAt = &at
		order.Price = fillPrice
	}
	for i := range state.Steps {
		step := &state.Steps[i]
		if step.Holding == nil {
			continue
		}
		p.trades = append(p.trades,
			accounting.NewTrade(pair, step.Level, *step.Holding, order.ID, fillPrice, p.r.opts.FeePolicy, p.now))
	}
	return true
}
