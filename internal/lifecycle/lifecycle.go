// Package lifecycle starts, stops and reconfigures grid bots and performs the
// sandbox/production switch with its mandatory cleanup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/gridmath"
	"spot-grid-bot-go/internal/gridstep"
	"spot-grid-bot-go/internal/metrics"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/notify"
	"spot-grid-bot-go/internal/pairlock"
	"spot-grid-bot-go/internal/persistence"
	"spot-grid-bot-go/internal/reconciler"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CleanupResult enumerates what a cleanup did. It is best-effort: Errors
// lists every step that failed while the rest still ran.
type CleanupResult struct {
	Target            models.TradingMode
	OrdersCancelled   int
	AssetsLiquidated  map[string]decimal.Decimal
	DBOrdersCancelled int
	BotsReset         int
	Errors            []error
}

// Summary is a one-line description for logs and notifications.
func (r *CleanupResult) Summary() string {
	assets := make([]string, 0, len(r.AssetsLiquidated))
	for a := range r.AssetsLiquidated {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return fmt.Sprintf("%d orders cancelled, %d assets liquidated %v, %d bots reset, %d errors",
		r.OrdersCancelled, len(r.AssetsLiquidated), assets, r.BotsReset, len(r.Errors))
}

// StepFreer cancels the step orders of a pair and books fills that raced
// the cancels. The caller holds the pair lock.
type StepFreer interface {
	FreeSteps(ctx context.Context, pair string) (*reconciler.PassResult, error)
}

// Controller is the out-of-band control surface of the bots.
type Controller struct {
	exchange exchange.Exchange
	repo     persistence.GridRepository
	steps    StepFreer
	locks    *pairlock.Locks
	notifier notify.Notifier
	metrics  *metrics.Metrics
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func New(ex exchange.Exchange, repo persistence.GridRepository, steps StepFreer, locks *pairlock.Locks, notifier notify.Notifier,
	m *metrics.Metrics, exchangeTimeout time.Duration, logger *zap.Logger) *Controller {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if exchangeTimeout <= 0 {
		exchangeTimeout = 20 * time.Second
	}
	return &Controller{
		exchange: ex,
		repo:     repo,
		steps:    steps,
		locks:    locks,
		notifier: notifier,
		metrics:  m,
		timeout:  exchangeTimeout,
		logger:   logger,
		now:      time.Now,
	}
}

// SwitchMode points the exchange at target and cleans up: every open order
// is cancelled, every non-quote balance sold and every bot reset and paused.
// No reconciliation pass runs until it returns. Switching to the current
// environment still performs the cleanup.
func (c *Controller) SwitchMode(ctx context.Context, target models.TradingMode) (*CleanupResult, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown environment %q", models.ErrInvalidConfiguration, target)
	}
	unfreeze := c.locks.Freeze()
	defer unfreeze()

	from := c.exchange.Environment()
	c.logger.Warn("switching trading environment", zap.String("from", string(from)), zap.String("to", string(target)))

	res := &CleanupResult{Target: target, AssetsLiquidated: map[string]decimal.Decimal{}}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.exchange.SwitchEnvironment(callCtx, target)
	cancel()
	if err != nil {
		// 未切换成功时不做清理, 避免在错误的账户上平仓
		return res, fmt.Errorf("switch environment to %s: %w", target, err)
	}

	c.cleanupLocked(ctx, res)
	c.metrics.ModeSwitched(string(target))
	c.notifier.ModeSwitched(target, res.Summary())
	c.logger.Warn("environment switched", zap.String("to", string(target)), zap.String("summary", res.Summary()))
	return res, nil
}

// Cleanup performs the switch cleanup without changing environment, used at
// start-up to begin from a flat account.
func (c *Controller) Cleanup(ctx context.Context) *CleanupResult {
	unfreeze := c.locks.Freeze()
	defer unfreeze()

	res := &CleanupResult{Target: c.exchange.Environment(), AssetsLiquidated: map[string]decimal.Decimal{}}
	c.cleanupLocked(ctx, res)
	c.logger.Info("cleanup finished", zap.String("summary", res.Summary()))
	return res
}

func (c *Controller) cleanupLocked(ctx context.Context, res *CleanupResult) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	n, err := c.exchange.CancelAllOrders(callCtx)
	cancel()
	res.OrdersCancelled = n
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("cancel all orders: %w", err))
		c.logger.Error("cancel all orders failed", zap.Error(err))
	}

	callCtx, cancel = context.WithTimeout(ctx, c.timeout)
	sold, err := c.exchange.SellAllPositions(callCtx)
	cancel()
	for asset, amount := range sold {
		res.AssetsLiquidated[asset] = amount
	}
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("sell all positions: %w", err))
		c.logger.Error("sell all positions failed", zap.Error(err))
	}

	configs, err := c.repo.GetActiveConfigs()
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("load configs: %w", err))
		c.logger.Error("CRITICAL: cannot load configs during cleanup", zap.Error(err))
		return
	}
	for _, cfg := range configs {
		if err := c.resetPair(cfg.Pair, res); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("reset %s: %w", cfg.Pair, err))
			c.logger.Error("CRITICAL: reset bot failed", zap.String("pair", cfg.Pair), zap.Error(err))
		}
	}
}

// resetPair marks the pair's order mirrors cancelled, empties every step and
// pauses the bot. The ladder shape is kept so a restart re-lays it.
func (c *Controller) resetPair(pair string, res *CleanupResult) error {
	n, err := c.repo.CancelAllOrdersForPair(pair)
	if err != nil {
		return err
	}
	res.DBOrdersCancelled += n

	state, err := c.repo.GetBotState(pair)
	if err != nil {
		return err
	}
	if state != nil {
		for i := range state.Steps {
			gridstep.Reset(&state.Steps[i])
		}
		// 持仓已被清算, 清空网格, 重启时重新生成
		state.Steps = nil
		state.LadderID = ""
		state.Fingerprint = ""
		state.CapitalCommitted = decimal.Zero
		state.BaseCommitted = decimal.Zero
		if err := c.repo.SaveBotState(state); err != nil {
			return err
		}
	}
	if err := c.repo.UpdateConfigStatus(pair, false, "", c.now()); err != nil {
		return err
	}
	res.BotsReset++
	return nil
}

// StartBot marks the pair running. The next pass lays the ladder.
func (c *Controller) StartBot(ctx context.Context, pair string, decision models.Decision) error {
	release, err := c.locks.Acquire(ctx, pair)
	if err != nil {
		return err
	}
	defer release()

	cfg, err := c.repo.GetConfig(pair)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("%w: no grid config for %s", models.ErrInvalidConfiguration, pair)
	}
	if err := gridmath.Validate(*cfg); err != nil {
		return err
	}
	if cfg.IsRunning {
		return nil
	}
	if decision == "" {
		decision = models.DecisionTrade
	}
	if err := c.repo.UpdateConfigStatus(pair, true, decision, c.now()); err != nil {
		return err
	}
	c.logger.Info("grid bot started", zap.String("pair", pair))
	c.notifier.BotStatusChanged(pair, true, string(decision))
	return nil
}

// StopBot cancels the pair's step orders and pauses it. Inventory held by the
// steps is kept so a later start can still sell it.
func (c *Controller) StopBot(ctx context.Context, pair string, decision models.Decision, reason string) error {
	release, err := c.locks.Acquire(ctx, pair)
	if err != nil {
		return err
	}
	defer release()

	cfg, err := c.repo.GetConfig(pair)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("%w: no grid config for %s", models.ErrInvalidConfiguration, pair)
	}

	var errs []error
	// 撤单时已成交的部分照常记账, 未确认关闭的档位留给下次启动时对账
	res, err := c.steps.FreeSteps(ctx, pair)
	if err != nil {
		errs = append(errs, err)
	}
	if res != nil && (res.Cancelled > 0 || res.Filled > 0) {
		c.logger.Info("steps freed", zap.String("pair", pair),
			zap.Int("cancelled", res.Cancelled), zap.Int("filled", res.Filled), zap.Int("trades", len(res.Trades)))
	}

	if decision == "" {
		decision = models.DecisionPause
	}
	if err := c.repo.UpdateConfigStatus(pair, false, decision, c.now()); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("grid bot stopped", zap.String("pair", pair), zap.String("reason", reason))
	c.notifier.BotStatusChanged(pair, false, reason)
	return errors.Join(errs...)
}

// UpdateConfig validates and stores cfg. A running bot picks the change up on
// its next pass, which re-lays the ladder when its shape changed.
func (c *Controller) UpdateConfig(ctx context.Context, cfg models.GridConfig) error {
	if err := gridmath.Validate(cfg); err != nil {
		return err
	}
	release, err := c.locks.Acquire(ctx, cfg.Pair)
	if err != nil {
		return err
	}
	defer release()

	existing, err := c.repo.GetConfig(cfg.Pair)
	if err != nil {
		return err
	}
	if existing != nil {
		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
		cfg.IsRunning = existing.IsRunning
		cfg.LastDecision = existing.LastDecision
		cfg.LastDecisionAt = existing.LastDecisionAt
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.IsConfigured = true
	return c.repo.SaveConfig(&cfg)
}
