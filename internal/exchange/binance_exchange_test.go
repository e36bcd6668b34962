package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"spot-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const exchangeInfoBody = `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
"filters":[{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
{"filterType":"LOT_SIZE","stepSize":"0.00001000","minQty":"0.00001000"},
{"filterType":"NOTIONAL","minNotional":"5.00000000"}]}]}`

// fakeBinance is a minimal stand-in for the spot REST API.
type fakeBinance struct {
	sync.Mutex
	lastForm map[string]string
	create   func(w http.ResponseWriter)
}

func (f *fakeBinance) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exchangeInfoBody))
	})
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"100.50"}]`))
	})
	mux.HandleFunc("/api/v3/openOrders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","orderId":11,"clientOrderId":"gs-a","price":"95.00","origQty":"1.0","executedQty":"0.0",
"cummulativeQuoteQty":"0.0","status":"NEW","timeInForce":"GTC","type":"LIMIT","side":"BUY","time":1700000000000,"updateTime":1700000000000}]`))
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.Lock()
		f.lastForm = map[string]string{}
		for k := range r.Form {
			f.lastForm[k] = r.Form.Get(k)
		}
		f.Unlock()
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
		case http.MethodPost:
			f.create(w)
		}
	})
	return mux
}

func (f *fakeBinance) form(key string) string {
	f.Lock()
	defer f.Unlock()
	return f.lastForm[key]
}

type staticPrices struct {
	prices map[string]decimal.Decimal
	mode   models.TradingMode
}

func (s *staticPrices) Price(pair string) (decimal.Decimal, bool) {
	p, ok := s.prices[pair]
	return p, ok
}

func (s *staticPrices) UseEnvironment(mode models.TradingMode) { s.mode = mode }

func newTestBinance(t *testing.T, fake *fakeBinance, prices PriceCache) *BinanceExchange {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	ex, err := NewBinanceExchange(BinanceOptions{
		Mode:          models.ModeSandbox,
		Sandbox:       Credentials{APIKey: "k", SecretKey: "s"},
		SandboxURL:    srv.URL,
		ProductionURL: srv.URL,
	}, prices, zap.NewNop())
	require.NoError(t, err)
	return ex
}

func TestBinancePriceAndFilters(t *testing.T) {
	ctx := context.Background()
	ex := newTestBinance(t, &fakeBinance{}, nil)

	price, err := ex.GetCurrentPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("100.5")))

	minValue, err := ex.GetMinimumOrderValue(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, minValue.Equal(d("5")))

	open, err := ex.GetOpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "gs-a", open[0].ClientOrderID)
	assert.Equal(t, "11", open[0].ExchangeID)
	assert.Equal(t, models.Buy, open[0].Side)
	assert.True(t, open[0].IsOpen())
}

func TestBinancePriceCachePreferred(t *testing.T) {
	cache := &staticPrices{prices: map[string]decimal.Decimal{"BTC/USDT": d("101")}}
	ex := newTestBinance(t, &fakeBinance{}, cache)
	assert.Equal(t, models.ModeSandbox, cache.mode)

	price, err := ex.GetCurrentPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("101")))

	require.NoError(t, ex.SwitchEnvironment(context.Background(), models.ModeProduction))
	assert.Equal(t, models.ModeProduction, cache.mode)
	assert.Equal(t, models.ModeProduction, ex.Environment())
}

func TestBinanceCreateOrderRoundsToFilters(t *testing.T) {
	fake := &fakeBinance{create: func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"gs-b","transactTime":1700000000000,
"price":"95.12","origQty":"0.12345","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW","type":"LIMIT","side":"BUY"}`))
	}}
	ex := newTestBinance(t, fake, nil)

	o, err := ex.CreateOrder(context.Background(), models.OrderRequest{
		Pair: "BTC/USDT", Side: models.Buy, Type: models.Limit,
		Amount: d("0.123456789"), Price: d("95.123456"), ClientOrderID: "gs-b",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", o.ExchangeID)
	assert.Equal(t, models.StatusNew, o.Status)
	assert.Equal(t, "0.12345", fake.form("quantity"))
	assert.Equal(t, "95.12", fake.form("price"))
	assert.Equal(t, "gs-b", fake.form("newClientOrderId"))
	assert.Equal(t, "GTC", fake.form("timeInForce"))
}

func TestBinanceErrorClassification(t *testing.T) {
	ctx := context.Background()
	fake := &fakeBinance{create: func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	}}
	ex := newTestBinance(t, fake, nil)

	_, err := ex.CreateOrder(ctx, models.OrderRequest{Pair: "BTC/USDT", Side: models.Buy, Type: models.Limit, Amount: d("1"), Price: d("95"), ClientOrderID: "x"})
	assert.ErrorIs(t, err, models.ErrExchangeRejected)

	_, err = ex.GetOrder(ctx, "BTC/USDT", "missing")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)

	ok, err := ex.CancelOrder(ctx, "BTC/USDT", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBinanceTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ex, err := NewBinanceExchange(BinanceOptions{Mode: models.ModeSandbox, SandboxURL: url}, nil, zap.NewNop())
	require.NoError(t, err)
	_, err = ex.GetOpenOrders(context.Background(), "BTC/USDT")
	assert.ErrorIs(t, err, models.ErrExchangeUnavailable)
}

func TestAdjustToStep(t *testing.T) {
	assert.Equal(t, "1.23456", adjustToStep(d("1.234567"), d("0.00001")).String())
	assert.Equal(t, "1.234567", adjustToStep(d("1.234567"), decimal.Zero).String())
	assert.Equal(t, "BTCUSDT", Symbol("btc/usdt"))
	base, quote := SplitPair("ETH/USDT")
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "USDT", quote)
}

func TestPendingCancelStaysOpen(t *testing.T) {
	o := fromBinanceOrder("BTC/USDT", &binance.Order{
		OrderID: 7, ClientOrderID: "gs-b", Price: "95.00", OrigQuantity: "1.0",
		ExecutedQuantity: "0.0", CummulativeQuoteQuantity: "0.0",
		Status: binance.OrderStatusTypePendingCancel, Side: binance.SideTypeBuy,
	})
	assert.Equal(t, models.StatusNew, o.Status)
	assert.True(t, o.IsOpen())

	o = fromBinanceOrder("BTC/USDT", &binance.Order{
		OrderID: 8, ClientOrderID: "gs-c", Price: "95.00", OrigQuantity: "1.0",
		ExecutedQuantity: "0.4", CummulativeQuoteQuantity: "38.0",
		Status: binance.OrderStatusTypePendingCancel, Side: binance.SideTypeBuy,
	})
	assert.Equal(t, models.StatusPartiallyFilled, o.Status)
	assert.True(t, o.IsOpen())
	assert.Equal(t, "95", o.AvgPrice.String())

	assert.Equal(t, models.StatusCanceled, mapStatus(binance.OrderStatusTypeCanceled, d("0.4")))
}
