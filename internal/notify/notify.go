// Package notify delivers operator notifications. All calls are
// fire-and-forget: a slow or failing sink never blocks trading.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// Notifier is what the trading components report to.
type Notifier interface {
	TradeCompleted(trade models.GridTrade)
	BotStatusChanged(pair string, running bool, reason string)
	ModeSwitched(target models.TradingMode, summary string)
	Error(pair string, err error)
}

// Nop discards everything.
type Nop struct{}

func (Nop) TradeCompleted(models.GridTrade)         {}
func (Nop) BotStatusChanged(string, bool, string)   {}
func (Nop) ModeSwitched(models.TradingMode, string) {}
func (Nop) Error(string, error)                     {}

// EventKind classifies a notification.
type EventKind string

const (
	KindTrade  EventKind = "trade"
	KindStatus EventKind = "status"
	KindMode   EventKind = "mode"
	KindError  EventKind = "error"
)

// Event is a rendered notification.
type Event struct {
	Kind EventKind
	Pair string
	Text string
	At   time.Time
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Dispatcher queues events and fans them out to sinks on a single goroutine,
// so events reach every sink in order.
type Dispatcher struct {
	sinks       []Sink
	events      chan Event
	stopChan    chan struct{}
	wg          sync.WaitGroup
	sendTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:       sinks,
		events:      make(chan Event, 256), // Buffered channel
		stopChan:    make(chan struct{}),
		sendTimeout: 10 * time.Second,
		logger:      logger,
		now:         time.Now,
	}
}

// Start begins the delivery loop.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop()
	})
}

// Stop drains queued events and stops the delivery loop.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		d.wg.Wait()
	})
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.events:
			d.deliver(ev)
		case <-d.stopChan:
			for {
				select {
				case ev := <-d.events:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		if err := s.Send(ctx, ev); err != nil {
			d.logger.Warn("notification failed", zap.String("sink", s.Name()), zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
		cancel()
	}
}

// Publish enqueues ev. When the queue is full the event is dropped.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = d.now()
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("notification queue full, dropping event", zap.String("kind", string(ev.Kind)), zap.String("pair", ev.Pair))
	}
}

func (d *Dispatcher) TradeCompleted(t models.GridTrade) {
	d.Publish(Event{
		Kind: KindTrade,
		Pair: t.Pair,
		Text: fmt.Sprintf("✅ %s level %d: bought %s @ %s, sold @ %s, profit %s (%s%%)",
			t.Pair, t.Level, t.Amount, t.BuyPrice, t.SellPrice, t.Profit.StringFixed(4), t.ProfitPercent.StringFixed(2)),
	})
}

func (d *Dispatcher) BotStatusChanged(pair string, running bool, reason string) {
	status := "⏸ paused"
	if running {
		status = "▶️ started"
	}
	text := fmt.Sprintf("%s grid bot %s", pair, status)
	if reason != "" {
		text += ": " + reason
	}
	d.Publish(Event{Kind: KindStatus, Pair: pair, Text: text})
}

func (d *Dispatcher) ModeSwitched(target models.TradingMode, summary string) {
	d.Publish(Event{Kind: KindMode, Text: fmt.Sprintf("🔁 switched to %s. %s", target, summary)})
}

func (d *Dispatcher) Error(pair string, err error) {
	if err == nil {
		return
	}
	text := "⚠️ " + err.Error()
	if pair != "" {
		text = fmt.Sprintf("⚠️ %s: %v", pair, err)
	}
	d.Publish(Event{Kind: KindError, Pair: pair, Text: text})
}

// LogSink writes events to the log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, ev Event) error {
	s.logger.Info("notification", zap.String("kind", string(ev.Kind)), zap.String("pair", ev.Pair), zap.String("text", ev.Text))
	return nil
}
