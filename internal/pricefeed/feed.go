// Package pricefeed keeps the latest trade price per pair from the exchange's
// aggTrade websocket streams.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultProductionWSURL = "wss://stream.binance.com:9443"
	DefaultSandboxWSURL    = "wss://stream.testnet.binance.vision"
)

// Options configures a Feed.
type Options struct {
	Pairs          []string
	ProductionURL  string
	SandboxURL     string
	StaleAfter     time.Duration
	PongWait       time.Duration
	ReconnectDelay time.Duration
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// Feed caches streamed prices. A price older than StaleAfter is not served.
type Feed struct {
	opts    Options
	symbols map[string]string // BTCUSDT -> BTC/USDT
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	prices map[string]quote
	mode   models.TradingMode
	conn   *websocket.Conn
}

// New creates a feed for pairs. Call Run to start streaming.
func New(opts Options, logger *zap.Logger) *Feed {
	if opts.ProductionURL == "" {
		opts.ProductionURL = DefaultProductionWSURL
	}
	if opts.SandboxURL == "" {
		opts.SandboxURL = DefaultSandboxWSURL
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	symbols := make(map[string]string, len(opts.Pairs))
	for _, p := range opts.Pairs {
		symbols[strings.ToUpper(strings.ReplaceAll(p, "/", ""))] = p
	}
	return &Feed{
		opts:    opts,
		symbols: symbols,
		logger:  logger,
		now:     time.Now,
		prices:  make(map[string]quote),
		mode:    models.ModeSandbox,
	}
}

// Price returns the cached price of pair if it is fresh.
func (f *Feed) Price(pair string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.prices[pair]
	if !ok || f.now().Sub(q.at) > f.opts.StaleAfter {
		return decimal.Zero, false
	}
	return q.price, true
}

// UseEnvironment points the feed at another environment. The cache is cleared
// and the current connection dropped so Run reconnects to the new stream.
func (f *Feed) UseEnvironment(mode models.TradingMode) {
	f.mu.Lock()
	if f.mode == mode {
		f.mu.Unlock()
		return
	}
	f.mode = mode
	f.prices = make(map[string]quote)
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (f *Feed) streamURL() string {
	f.mu.RLock()
	base := f.opts.ProductionURL
	if f.mode == models.ModeSandbox {
		base = f.opts.SandboxURL
	}
	f.mu.RUnlock()

	streams := make([]string, 0, len(f.symbols))
	for sym := range f.symbols {
		streams = append(streams, strings.ToLower(sym)+"@aggTrade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(base, "/"), strings.Join(streams, "/"))
}

// Run 是一个守护循环, 负责维持WebSocket的连接和重连, 直到 ctx 结束。
func (f *Feed) Run(ctx context.Context) {
	if len(f.symbols) == 0 {
		return
	}
	for {
		if ctx.Err() != nil {
			f.logger.Info("price feed stopped")
			return
		}
		url := f.streamURL()
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			f.logger.Warn("price feed connect failed", zap.String("url", url), zap.Error(err))
			if !sleep(ctx, f.opts.ReconnectDelay) {
				return
			}
			continue
		}
		f.logger.Info("price feed connected", zap.String("url", url))
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		if err := f.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			f.logger.Warn("price feed disconnected", zap.Error(err))
		}
		_ = conn.Close()
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		if !sleep(ctx, f.opts.ReconnectDelay) {
			return
		}
	}
}

// readLoop 处理一个已建立连接的消息, 并实现心跳机制
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pongWait := f.opts.PongWait
	pingPeriod := pongWait * 9 / 10

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		// 数据被延迟的 pong 之外也要续期
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := f.handleMessage(message); err != nil {
			f.logger.Debug("ignore price message", zap.Error(err))
		}
	}
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTrade struct {
	Symbol string      `json:"s"`
	Price  json.Number `json:"p"`
}

func (f *Feed) handleMessage(message []byte) error {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return err
	}
	payload := []byte(env.Data)
	if len(payload) == 0 {
		payload = message
	}
	var t aggTrade
	if err := json.Unmarshal(payload, &t); err != nil {
		return err
	}
	pair, ok := f.symbols[strings.ToUpper(t.Symbol)]
	if !ok {
		return fmt.Errorf("unknown symbol %q", t.Symbol)
	}
	price, err := decimal.NewFromString(t.Price.String())
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.prices[pair] = quote{price: price, at: f.now()}
	f.mu.Unlock()
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
