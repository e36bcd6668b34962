package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spot-grid-bot-go/internal/accounting"
	"spot-grid-bot-go/internal/bot"
	"spot-grid-bot-go/internal/config"
	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/lifecycle"
	"spot-grid-bot-go/internal/logger"
	"spot-grid-bot-go/internal/metrics"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/notify"
	"spot-grid-bot-go/internal/pairlock"
	"spot-grid-bot-go/internal/persistence"
	"spot-grid-bot-go/internal/pricefeed"
	"spot-grid-bot-go/internal/reconciler"
	"spot-grid-bot-go/internal/reporter"
	"spot-grid-bot-go/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	exchangeKind := flag.String("exchange", "binance", "exchange adapter: binance or paper")
	mode := flag.String("mode", "", "override the configured environment: sandbox or production")
	switchMode := flag.String("switch-mode", "", "switch to sandbox or production, clean up and exit")
	cleanup := flag.Bool("cleanup", false, "cancel all orders, sell all positions, reset bots and exit")
	stats := flag.Bool("stats", false, "print trading stats from the trade ledger and exit")
	autostart := flag.Bool("autostart", true, "start active pairs without waiting for a decision")
	flag.Parse()

	// 先用默认配置初始化日志, 便于记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Environment = models.TradingMode(*mode)
		if !cfg.Environment.Valid() {
			logger.S().Fatalf("未知的交易环境: %s", *mode)
		}
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync()

	if err := run(cfg, log, options{
		exchange:   *exchangeKind,
		switchMode: models.TradingMode(*switchMode),
		cleanup:    *cleanup,
		stats:      *stats,
		autostart:  *autostart,
	}); err != nil {
		logger.S().Fatalf("运行失败: %v", err)
	}
}

type options struct {
	exchange   string
	switchMode models.TradingMode
	cleanup    bool
	stats      bool
	autostart  bool
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func run(cfg *models.Config, log *zap.Logger, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	ledger, err := storage.OpenLedger(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if opts.stats {
		return printStats(ctx, cfg, ledger, log)
	}

	pairs := make([]string, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		pairs = append(pairs, p.Pair)
	}
	feed := pricefeed.New(pricefeed.Options{
		Pairs:          pairs,
		ProductionURL:  cfg.LiveWSURL,
		SandboxURL:     cfg.TestnetWSURL,
		StaleAfter:     seconds(cfg.PriceStaleSec),
		PongWait:       seconds(cfg.WebSocketPongTimeoutSec),
		ReconnectDelay: seconds(cfg.WebSocketReconnectDelayS),
	}, log.Named("pricefeed"))

	ex, err := newExchange(ctx, cfg, opts.exchange, feed, log)
	if err != nil {
		return err
	}

	// --- 通知 ---
	sinks := []notify.Sink{notify.NewLogSink(log.Named("notify"))}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegramSink(cfg.Telegram.BaseURL, os.Getenv("TELEGRAM_BOT_TOKEN"), cfg.Telegram.ChatID)
		if err != nil {
			return err
		}
		sinks = append(sinks, tg)
	}
	dispatcher := notify.NewDispatcher(log.Named("notify"), sinks...)
	dispatcher.Start()
	defer dispatcher.Stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	locks := pairlock.New()
	timeout := seconds(cfg.ExchangeTimeoutSec)

	rec := reconciler.New(ex, repo, ledger, locks, dispatcher, m, reconciler.Options{
		ExchangeTimeout: timeout,
		RejectCooldown:  seconds(cfg.RejectCooldownSec),
		FeePolicy:       accounting.FeePolicy{Rate: cfg.FeeRate},
	}, log.Named("reconciler"))

	ctrl := lifecycle.New(ex, repo, rec, locks, dispatcher, m, timeout, log.Named("lifecycle"))
	switch {
	case opts.switchMode != "":
		res, err := ctrl.SwitchMode(ctx, opts.switchMode)
		if err != nil {
			return err
		}
		logger.S().Infof("环境已切换到 %s: %s", opts.switchMode, res.Summary())
		return nil
	case opts.cleanup:
		res := ctrl.Cleanup(ctx)
		logger.S().Infof("清理完成: %s", res.Summary())
		return errors.Join(res.Errors...)
	}

	if cfg.CleanupOnStart {
		res := ctrl.Cleanup(ctx)
		log.Info("startup cleanup finished", zap.String("summary", res.Summary()))
	}
	if err := seedConfigs(ctx, cfg, ctrl, repo, opts.autostart, log); err != nil {
		return err
	}

	scheduler := bot.NewScheduler(rec, ctrl, bot.RepositoryDecisions{Repo: repo}, repo, bot.Options{
		ReconcileInterval: seconds(cfg.ReconcileIntervalSec),
		DecisionInterval:  seconds(cfg.DecisionIntervalSec),
	}, log.Named("scheduler"))

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	dispatcher.Publish(notify.Event{
		Kind: notify.KindStatus,
		Text: fmt.Sprintf("grid bot started in %s with %d pairs", ex.Environment(), len(pairs)),
		At:   time.Now(),
	})

	go monitorStatus(ctx, scheduler, ex, seconds(cfg.StatusIntervalSec))

	<-ctx.Done()
	logger.S().Info("收到退出信号，正在停止...")
	scheduler.Stop()
	logger.S().Info("机器人已成功停止。")
	return nil
}

// newExchange builds the adapter. The paper exchange trades against prices
// streamed from production market data.
func newExchange(ctx context.Context, cfg *models.Config, kind string, feed *pricefeed.Feed, log *zap.Logger) (exchange.Exchange, error) {
	switch kind {
	case "binance":
		ex, err := exchange.NewBinanceExchange(exchange.BinanceOptions{
			Mode: cfg.Environment,
			Production: exchange.Credentials{
				APIKey:    os.Getenv("BINANCE_API_KEY"),
				SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
			},
			Sandbox: exchange.Credentials{
				APIKey:    os.Getenv("PAPER_TRADING_API_KEY"),
				SecretKey: os.Getenv("PAPER_TRADING_SECRET_KEY"),
			},
			ProductionURL: cfg.LiveAPIURL,
			SandboxURL:    cfg.TestnetAPIURL,
			QuoteAsset:    cfg.QuoteAsset,
		}, feed, log.Named("binance"))
		if err != nil {
			return nil, err
		}
		go feed.Run(ctx)
		return ex, nil

	case "paper":
		paper := exchange.NewPaperExchange(exchange.PaperOptions{
			Mode:          cfg.Environment,
			QuoteAsset:    cfg.QuoteAsset,
			FeeRate:       cfg.FeeRate,
			MinOrderValue: cfg.PaperMinOrderValue,
		})
		initial := cfg.PaperInitialQuote
		if initial.IsZero() {
			initial = decimal.NewFromInt(10000)
		}
		for _, mode := range []models.TradingMode{models.ModeSandbox, models.ModeProduction} {
			if err := paper.SwitchEnvironment(ctx, mode); err != nil {
				return nil, err
			}
			paper.Deposit(cfg.QuoteAsset, initial)
		}
		if err := paper.SwitchEnvironment(ctx, cfg.Environment); err != nil {
			return nil, err
		}
		feed.UseEnvironment(models.ModeProduction)
		go feed.Run(ctx)
		go pumpPrices(ctx, feed, paper, cfg.Pairs)
		log.Info("using paper exchange", zap.String("initial_quote", initial.String()))
		return paper, nil
	}
	return nil, fmt.Errorf("%w: unknown exchange %q", models.ErrInvalidConfiguration, kind)
}

// pumpPrices copies streamed prices into the paper book so resting orders fill.
func pumpPrices(ctx context.Context, feed *pricefeed.Feed, paper *exchange.PaperExchange, pairs []models.PairConfig) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range pairs {
				if price, ok := feed.Price(p.Pair); ok {
					paper.SetPrice(p.Pair, price)
				}
			}
		}
	}
}

// seedConfigs stores the pairs of the config file and starts the active ones.
func seedConfigs(ctx context.Context, cfg *models.Config, ctrl *lifecycle.Controller, repo persistence.GridRepository, autostart bool, log *zap.Logger) error {
	for _, gc := range config.GridConfigs(cfg) {
		if err := ctrl.UpdateConfig(ctx, gc); err != nil {
			return fmt.Errorf("store config %s: %w", gc.Pair, err)
		}
		if !autostart || !gc.IsActive {
			continue
		}
		stored, err := repo.GetConfig(gc.Pair)
		if err != nil {
			return err
		}
		// 止损后等待新的决策再启动
		if stored != nil && stored.LastDecision == models.DecisionStopLoss {
			log.Warn("pair was stopped out, waiting for a new decision", zap.String("pair", gc.Pair))
			continue
		}
		if err := ctrl.StartBot(ctx, gc.Pair, models.DecisionTrade); err != nil {
			log.Error("start bot failed", zap.String("pair", gc.Pair), zap.Error(err))
		}
	}
	return nil
}

// monitorStatus 定期打印状态表
func monitorStatus(ctx context.Context, s *bot.Scheduler, ex exchange.Exchange, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reporter.RenderStatusTable(os.Stdout, ex.Environment(), s.Status())
		}
	}
}

func printStats(ctx context.Context, cfg *models.Config, ledger storage.TradeLedger, log *zap.Logger) error {
	all := make([]reporter.Stats, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		trades, err := ledger.ListTrades(ctx, p.Pair, 0)
		if err != nil {
			return err
		}
		s := reporter.Summarize(p.Pair, trades)
		reporter.LogStats(log, s)
		all = append(all, s)
	}
	reporter.RenderStatsTable(os.Stdout, all)
	return nil
}
