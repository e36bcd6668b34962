package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	ok := &recordingSink{}
	d := NewDispatcher(zap.NewNop(), failing, ok)
	d.Start()

	d.TradeCompleted(models.GridTrade{
		Pair: "BTC/USDT", Level: 2, Amount: decimal.RequireFromString("0.1"),
		BuyPrice: decimal.RequireFromString("100"), SellPrice: decimal.RequireFromString("110"),
		Profit: decimal.RequireFromString("1"), ProfitPercent: decimal.RequireFromString("10"),
	})
	d.BotStatusChanged("BTC/USDT", false, "stop loss")
	d.ModeSwitched(models.ModeProduction, "3 orders cancelled")
	d.Error("", nil)
	d.Stop()

	events := ok.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, KindTrade, events[0].Kind)
	assert.Contains(t, events[0].Text, "profit 1.0000")
	assert.Equal(t, KindStatus, events[1].Kind)
	assert.Contains(t, events[1].Text, "paused: stop loss")
	assert.Equal(t, KindMode, events[2].Kind)
	assert.Len(t, failing.snapshot(), 3, "a failing sink does not stop delivery")
}

func TestPublishDropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(zap.NewNop(), sink)
	d.events = make(chan Event, 1)

	d.Error("BTC/USDT", errors.New("first"))
	d.Error("BTC/USDT", errors.New("second")) // 未启动, 队列已满

	d.Start()
	d.Stop()
	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Text, "first")
}

func TestTelegramSink(t *testing.T) {
	var got map[string]interface{}
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got["text"] == "fail" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	sink, err := NewTelegramSink(srv.URL, "TOKEN", "42")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Send(ctx, Event{Kind: KindStatus, Text: "hello"}))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "hello", got["text"])

	err = sink.Send(ctx, Event{Text: "fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	_, err = NewTelegramSink("", "", "42")
	assert.Error(t, err)
}
