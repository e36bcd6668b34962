package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/pairlock"
	"spot-grid-bot-go/internal/persistence"
	"spot-grid-bot-go/internal/reconciler"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const pair = "BTC/USDT"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
	switches []models.TradingMode
}

func (n *recordingNotifier) TradeCompleted(models.GridTrade) {}
func (n *recordingNotifier) Error(string, error)             {}

func (n *recordingNotifier) BotStatusChanged(pair string, running bool, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	state := "stopped"
	if running {
		state = "started"
	}
	n.statuses = append(n.statuses, pair+" "+state)
}

func (n *recordingNotifier) ModeSwitched(target models.TradingMode, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.switches = append(n.switches, target)
}

// gatedExchange blocks SwitchEnvironment until release is closed.
type gatedExchange struct {
	exchange.Exchange
	entered chan struct{}
	release chan struct{}
}

func (g *gatedExchange) SwitchEnvironment(ctx context.Context, mode models.TradingMode) error {
	close(g.entered)
	<-g.release
	return g.Exchange.SwitchEnvironment(ctx, mode)
}

type fixture struct {
	ctrl     *Controller
	rec      *reconciler.Reconciler
	paper    *exchange.PaperExchange
	repo     *persistence.BadgerRepository
	locks    *pairlock.Locks
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paper := exchange.NewPaperExchange(exchange.PaperOptions{Mode: models.ModeSandbox, QuoteAsset: "USDT", MinOrderValue: d("10")})
	paper.Deposit("USDT", d("1000"))
	paper.SetPrice(pair, d("100"))

	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.SaveConfig(&models.GridConfig{
		ID: "cfg-1", Pair: pair,
		TotalCapital: d("300"), GridLevels: 3, PriceRangePercent: d("10"), StopLossPercent: d("5"),
		IsActive: true, IsConfigured: true, IsRunning: true,
	}))

	f := &fixture{paper: paper, repo: repo, locks: pairlock.New(), notifier: &recordingNotifier{}}
	f.rec = reconciler.New(paper, repo, nil, f.locks, nil, nil, reconciler.Options{}, zap.NewNop())
	f.ctrl = New(paper, repo, f.rec, f.locks, f.notifier, nil, time.Second, zap.NewNop())
	return f
}

func (f *fixture) config(t *testing.T) *models.GridConfig {
	t.Helper()
	cfg, err := f.repo.GetConfig(pair)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	return cfg
}

func TestSwitchModeCleansUpAndPausesBots(t *testing.T) {
	f := newFixture(t)
	res, err := f.rec.Reconcile(context.Background(), pair)
	require.NoError(t, err)
	require.Equal(t, 2, res.Placed)
	f.paper.Deposit("BTC", d("0.5"))

	out, err := f.ctrl.SwitchMode(context.Background(), models.ModeSandbox)
	require.NoError(t, err)
	assert.Equal(t, 2, out.OrdersCancelled)
	require.Len(t, out.AssetsLiquidated, 1)
	assert.True(t, out.AssetsLiquidated["BTC"].Equal(d("0.5")))
	assert.Equal(t, 2, out.DBOrdersCancelled)
	assert.Equal(t, 1, out.BotsReset)
	assert.Empty(t, out.Errors)

	active, err := f.repo.GetActiveOrders(pair)
	require.NoError(t, err)
	assert.Empty(t, active)
	state, err := f.repo.GetBotState(pair)
	require.NoError(t, err)
	assert.True(t, state.CapitalCommitted.IsZero())
	assert.Empty(t, state.Steps)
	assert.False(t, f.config(t).IsRunning)
	assert.Equal(t, []models.TradingMode{models.ModeSandbox}, f.notifier.switches)

	// 未重新启动前不再下单
	_, err = f.rec.Reconcile(context.Background(), pair)
	assert.ErrorIs(t, err, models.ErrBotNotRunning)
	open, err := f.paper.GetOpenOrders(context.Background(), pair)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSwitchModeWithNothingOpen(t *testing.T) {
	f := newFixture(t)
	out, err := f.ctrl.SwitchMode(context.Background(), models.ModeProduction)
	require.NoError(t, err)
	assert.Zero(t, out.OrdersCancelled)
	assert.Empty(t, out.AssetsLiquidated)
	assert.Zero(t, out.DBOrdersCancelled)
	assert.Equal(t, models.ModeProduction, f.paper.Environment())
}

func TestSwitchModeRejectsUnknownTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.SwitchMode(context.Background(), models.TradingMode("staging"))
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
	assert.Equal(t, models.ModeSandbox, f.paper.Environment())
}

func TestSwitchModeBlocksPasses(t *testing.T) {
	f := newFixture(t)
	gate := &gatedExchange{Exchange: f.paper, entered: make(chan struct{}), release: make(chan struct{})}
	f.ctrl.exchange = gate

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.SwitchMode(context.Background(), models.ModeSandbox)
		done <- err
	}()
	<-gate.entered

	_, err := f.rec.Reconcile(context.Background(), pair)
	assert.ErrorIs(t, err, models.ErrPassInFlight)

	close(gate.release)
	require.NoError(t, <-done)
	_, err = f.rec.Reconcile(context.Background(), pair)
	assert.ErrorIs(t, err, models.ErrBotNotRunning, "the pass runs again once cleanup is done")
}

func TestStopAndStartBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.rec.Reconcile(ctx, pair)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.StopBot(ctx, pair, models.DecisionPause, "manual"))
	cfg := f.config(t)
	assert.False(t, cfg.IsRunning)
	assert.Equal(t, models.DecisionPause, cfg.LastDecision)
	open, err := f.paper.GetOpenOrders(ctx, pair)
	require.NoError(t, err)
	assert.Empty(t, open)
	state, err := f.repo.GetBotState(pair)
	require.NoError(t, err)
	for _, step := range state.Steps {
		assert.Equal(t, models.StepEmpty, step.State)
	}
	assert.True(t, state.CapitalCommitted.IsZero())

	require.NoError(t, f.ctrl.StartBot(ctx, pair, ""))
	assert.True(t, f.config(t).IsRunning)
	res, err := f.rec.Reconcile(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Placed)
	assert.Equal(t, []string{pair + " stopped", pair + " started"}, f.notifier.statuses)
}

func TestStopBotKeepsFillThatRacedCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.rec.Reconcile(ctx, pair)
	require.NoError(t, err)
	require.Equal(t, 2, res.Placed)

	// 98.33 的买单在停止前成交, 撤单返回 false
	f.paper.SetPrice(pair, d("97"))
	require.NoError(t, f.ctrl.StopBot(ctx, pair, models.DecisionPause, "manual"))

	state, err := f.repo.GetBotState(pair)
	require.NoError(t, err)
	var held []models.GridStep
	for _, step := range state.Steps {
		assert.Nil(t, step.Active)
		if step.Holding != nil {
			held = append(held, step)
		}
	}
	require.Len(t, held, 1)
	assert.Equal(t, 1, held[0].Level)
	assert.True(t, held[0].Holding.Amount.Equal(state.OrderAmount))
	assert.True(t, held[0].Holding.Price.Equal(held[0].Lower))
	active, err := f.repo.GetActiveOrders(pair)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, f.ctrl.StartBot(ctx, pair, ""))
	res, err = f.rec.Reconcile(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Placed)

	open, err := f.paper.GetOpenOrders(ctx, pair)
	require.NoError(t, err)
	var sells []models.ExchangeOrder
	for _, o := range open {
		if o.Side == models.Sell {
			sells = append(sells, o)
		}
	}
	require.Len(t, sells, 1)
	assert.True(t, sells[0].Price.Equal(held[0].Upper))
	assert.True(t, sells[0].Amount.Equal(state.OrderAmount))

	state, err = f.repo.GetBotState(pair)
	require.NoError(t, err)
	require.NotNil(t, state.Steps[1].Holding)
	assert.Equal(t, models.StepSellResting, state.Steps[1].State)
}

func TestStartBotUnknownPair(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.StartBot(context.Background(), "ETH/USDT", "")
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestUpdateConfigKeepsRunState(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.UpdateConfig(context.Background(), models.GridConfig{
		Pair: pair, TotalCapital: d("600"), GridLevels: 4, PriceRangePercent: d("8"), StopLossPercent: d("5"), IsActive: true,
	})
	require.NoError(t, err)
	cfg := f.config(t)
	assert.Equal(t, "cfg-1", cfg.ID)
	assert.True(t, cfg.IsRunning)
	assert.Equal(t, 4, cfg.GridLevels)

	err = f.ctrl.UpdateConfig(context.Background(), models.GridConfig{Pair: pair, TotalCapital: d("600"), GridLevels: 0})
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
}
