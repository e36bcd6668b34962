// Package bot schedules reconciliation passes for every running grid bot and
// applies the external trade/pause decisions on a slower cadence.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/reconciler"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PassRunner runs one reconciliation pass for a pair.
type PassRunner interface {
	Reconcile(ctx context.Context, pair string) (*reconciler.PassResult, error)
}

// BotController starts and stops bots.
type BotController interface {
	StartBot(ctx context.Context, pair string, decision models.Decision) error
	StopBot(ctx context.Context, pair string, decision models.Decision, reason string) error
}

// DecisionSource tells whether a pair should be trading. An empty decision
// leaves the bot as it is.
type DecisionSource interface {
	ShouldTrade(ctx context.Context, cfg models.GridConfig) (models.Decision, error)
}

// Store is the part of the repository the scheduler reads.
type Store interface {
	GetActiveConfigs() ([]models.GridConfig, error)
	GetBotState(pair string) (*models.GridBotState, error)
}

// RepositoryDecisions reads the decision the external engine stored for a pair.
type RepositoryDecisions struct {
	Repo interface {
		GetDecision(pair string) (*models.DecisionRecord, error)
	}
}

func (r RepositoryDecisions) ShouldTrade(_ context.Context, cfg models.GridConfig) (models.Decision, error) {
	rec, err := r.Repo.GetDecision(cfg.Pair)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}
	// 止损后只有更新的决策才能重新启动
	if cfg.LastDecision == models.DecisionStopLoss && !rec.At.After(cfg.LastDecisionAt) {
		return "", nil
	}
	return rec.Decision, nil
}

// PairStatus is the scheduler's view of one pair.
type PairStatus struct {
	Pair             string
	Running          bool
	Passes           int
	Skipped          int
	LastPassAt       time.Time
	LastPrice        decimal.Decimal
	LastError        string
	Placed           int
	Filled           int
	TradeCount       int
	CumulativeProfit decimal.Decimal
	Steps            int
	Lower            decimal.Decimal
	Upper            decimal.Decimal
}

// Options sets the loop intervals.
type Options struct {
	ReconcileInterval time.Duration
	DecisionInterval  time.Duration
}

// Scheduler owns the fast reconciliation loop and the slow decision loop.
type Scheduler struct {
	runner    PassRunner
	ctrl      BotController
	decisions DecisionSource
	store     Store
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	status  map[string]*PairStatus
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan string
	now     func() time.Time
}

func NewScheduler(runner PassRunner, ctrl BotController, decisions DecisionSource, store Store, opts Options, logger *zap.Logger) *Scheduler {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 10 * time.Second
	}
	if opts.DecisionInterval <= 0 {
		opts.DecisionInterval = time.Hour
	}
	return &Scheduler{
		runner:    runner,
		ctrl:      ctrl,
		decisions: decisions,
		store:     store,
		opts:      opts,
		logger:    logger,
		status:    make(map[string]*PairStatus),
		trigger:   make(chan string, 16),
		now:       time.Now,
	}
}

// Start launches both loops. They stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		zap.Duration("reconcile_interval", s.opts.ReconcileInterval),
		zap.Duration("decision_interval", s.opts.DecisionInterval))

	s.wg.Add(2)
	go s.reconcileLoop(ctx)
	go s.decisionLoop(ctx)
	return nil
}

// Stop cancels the loops and waits for in-flight passes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// TriggerPass asks for an immediate pass of pair. It returns false when the
// trigger queue is full.
func (s *Scheduler) TriggerPass(pair string) bool {
	select {
	case s.trigger <- pair:
		return true
	default:
		return false
	}
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ReconcileInterval)
	defer ticker.Stop()

	s.spawn(ctx, s.RunPasses)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.spawn(ctx, s.RunPasses)
		case pair := <-s.trigger:
			s.spawn(ctx, func(ctx context.Context) { s.runPass(ctx, pair) })
		}
	}
}

func (s *Scheduler) decisionLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.DecisionInterval)
	defer ticker.Stop()

	s.RunDecisions(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDecisions(ctx)
		}
	}
}

func (s *Scheduler) spawn(ctx context.Context, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// RunPasses runs one pass for every running pair concurrently and waits for
// them. A pair whose previous pass is still in flight is skipped.
func (s *Scheduler) RunPasses(ctx context.Context) {
	configs, err := s.store.GetActiveConfigs()
	if err != nil {
		s.logger.Error("load active configs failed", zap.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, cfg := range configs {
		st := s.pairStatus(cfg.Pair)
		s.mu.Lock()
		st.Running = cfg.IsRunning
		s.mu.Unlock()
		if !cfg.IsRunning {
			continue
		}
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			s.runPass(ctx, pair)
		}(cfg.Pair)
	}
	wg.Wait()
}

func (s *Scheduler) runPass(ctx context.Context, pair string) {
	logger := s.logger.With(zap.String("pair", pair))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in reconciliation pass", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			s.record(pair, nil, fmt.Errorf("panic: %v", r))
		}
	}()

	res, err := s.runner.Reconcile(ctx, pair)
	switch {
	case errors.Is(err, models.ErrPassInFlight):
		logger.Debug("previous pass still in flight, skipping")
		s.mu.Lock()
		s.pairStatusLocked(pair).Skipped++
		s.mu.Unlock()
		return
	case errors.Is(err, models.ErrBotNotRunning):
		return
	case errors.Is(err, models.ErrInvalidConfiguration):
		logger.Error("invalid grid configuration, pausing bot", zap.Error(err))
		if stopErr := s.ctrl.StopBot(ctx, pair, models.DecisionPause, err.Error()); stopErr != nil {
			logger.Error("pause bot failed", zap.Error(stopErr))
		}
	case err != nil:
		logger.Warn("reconciliation pass failed", zap.Error(err))
	}
	s.record(pair, res, err)

	if res != nil && res.StoppedOut {
		// 对账时已暂停, 这里负责通知
		if err := s.ctrl.StopBot(ctx, pair, models.DecisionStopLoss, "stop loss"); err != nil {
			logger.Error("pause bot after stop loss failed", zap.Error(err))
		}
	}
}

// RunDecisions applies the current decision to every configured pair.
func (s *Scheduler) RunDecisions(ctx context.Context) {
	if s.decisions == nil {
		return
	}
	configs, err := s.store.GetActiveConfigs()
	if err != nil {
		s.logger.Error("load active configs failed", zap.Error(err))
		return
	}
	for _, cfg := range configs {
		logger := s.logger.With(zap.String("pair", cfg.Pair))
		decision, err := s.decisions.ShouldTrade(ctx, cfg)
		if err != nil {
			logger.Warn("read decision failed", zap.Error(err))
			continue
		}
		switch {
		case decision == "":
		case decision == models.DecisionTrade && !cfg.IsRunning:
			logger.Info("decision says trade, starting bot")
			if err := s.ctrl.StartBot(ctx, cfg.Pair, decision); err != nil {
				logger.Error("start bot failed", zap.Error(err))
			}
		case decision != models.DecisionTrade && cfg.IsRunning:
			logger.Info("decision says stop, pausing bot", zap.String("decision", string(decision)))
			if err := s.ctrl.StopBot(ctx, cfg.Pair, decision, "decision "+string(decision)); err != nil {
				logger.Error("stop bot failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) record(pair string, res *reconciler.PassResult, err error) {
	var state *models.GridBotState
	if s.store != nil {
		state, _ = s.store.GetBotState(pair)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pairStatusLocked(pair)
	st.Passes++
	st.LastPassAt = s.now()
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	if res != nil {
		st.Placed += res.Placed
		st.Filled += res.Filled
		if !res.Price.IsZero() {
			st.LastPrice = res.Price
		}
	}
	if state != nil {
		st.TradeCount = state.TradeCount
		st.CumulativeProfit = state.CumulativeProfit
		st.Steps = len(state.Steps)
		st.Lower = state.LowerBound
		st.Upper = state.UpperBound
	}
}

func (s *Scheduler) pairStatus(pair string) *PairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairStatusLocked(pair)
}

func (s *Scheduler) pairStatusLocked(pair string) *PairStatus {
	st, ok := s.status[pair]
	if !ok {
		st = &PairStatus{Pair: pair}
		s.status[pair] = st
	}
	return st
}

// Status returns a snapshot sorted by pair.
func (s *Scheduler) Status() []PairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PairStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}
