package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridvault-bot/internal/bot"
	"gridvault-bot/internal/exchange"
	"gridvault-bot/internal/metrics"
	"gridvault-bot/internal/models"
	"gridvault-bot/internal/storage"
)

type fakeBot struct {
	sync.Mutex
	cfg       models.GridConfig
	staged    *models.GridConfig
	running   bool
	resets    int
	price     float64
	priceTime time.Time
	updateErr error
}

func (b *fakeBot) Status() bot.Status {
	b.Lock()
	defer b.Unlock()
	st := bot.Status{Running: b.running, AccountID: "vault-1", Config: b.cfg, LastPrice: b.price, LastOutcome: "no_action"}
	if !b.priceTime.IsZero() {
		t := b.priceTime
		st.LastPriceTime = &t
	}
	return st
}

func (b *fakeBot) Config() models.GridConfig {
	b.Lock()
	defer b.Unlock()
	if b.staged != nil {
		return *b.staged
	}
	return b.cfg
}

func (b *fakeBot) UpdateConfigFunc(fn func(models.GridConfig) models.GridConfig) (models.GridConfig, error) {
	b.Lock()
	defer b.Unlock()
	base := b.cfg
	if b.staged != nil {
		base = *b.staged
	}
	if b.updateErr != nil {
		return base, b.updateErr
	}
	cfg := fn(base)
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	b.staged = &cfg
	return cfg, nil
}

func (b *fakeBot) Reset() {
	b.Lock()
	b.resets++
	b.Unlock()
}

func (b *fakeBot) Start() error {
	b.Lock()
	defer b.Unlock()
	if b.running {
		return bot.ErrAlreadyRunning
	}
	b.running = true
	return nil
}

func (b *fakeBot) Stop() error {
	b.Lock()
	defer b.Unlock()
	if !b.running {
		return bot.ErrNotRunning
	}
	b.running = false
	return nil
}

func (b *fakeBot) IsRunning() bool {
	b.Lock()
	defer b.Unlock()
	return b.running
}

func (b *fakeBot) LastPrice() (float64, time.Time) {
	b.Lock()
	defer b.Unlock()
	return b.price, b.priceTime
}

type countingPriceSource struct {
	sync.Mutex
	price float64
	err   error
	calls int
}

func (p *countingPriceSource) GetPrice(context.Context, string, string) (float64, error) {
	p.Lock()
	defer p.Unlock()
	p.calls++
	return p.price, p.err
}

type testEnv struct {
	srv    *Server
	bot    *fakeBot
	store  *storage.Store
	prices *countingPriceSource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.InitDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fb := &fakeBot{cfg: models.GridConfig{
		LowerPrice: 90, UpperPrice: 110, Levels: 4, AmountPerGrid: 10, SlippageBps: 50,
		AssetA: "SUI", AssetB: "USDC",
	}}
	prices := &countingPriceSource{price: 101.5}
	srv := NewServer(Options{
		Bot:     fb,
		History: store,
		Prices:  prices,
		Metrics: metrics.New(),
		Logger:  zap.NewNop(),
		Version: "test",
		Mode:    "paper",
	})
	return &testEnv{srv: srv, bot: fb, store: store, prices: prices}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestIndexAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "GridVault Bot API", body["name"])
	assert.Len(t, body["endpoints"], len(endpoints))

	w = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	env.srv.Router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodOptions, "/config", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestStatus_FillsPriceWhenNotObserved(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st bot.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "vault-1", st.AccountID)
	assert.Equal(t, 101.5, st.LastPrice)
	assert.NotNil(t, st.LastPriceTime)
	assert.Equal(t, 4, st.Config.Levels)
}

func TestPrice_Cached(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	env.srv.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodGet, "/price", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, 101.5, body["price"])
		assert.Equal(t, float64(now.UnixMilli()), body["timestamp"])
	}
	assert.Equal(t, 1, env.prices.calls)

	now = now.Add(PriceCacheTTL)
	env.do(t, http.MethodGet, "/price", nil)
	assert.Equal(t, 2, env.prices.calls)
}

func TestPrice_PrefersBotObservation(t *testing.T) {
	env := newTestEnv(t)
	env.bot.price = 99
	env.bot.priceTime = time.Now()

	body := decode(t, env.do(t, http.MethodGet, "/price", nil))
	assert.Equal(t, 99.0, body["price"])
	assert.Zero(t, env.prices.calls)
}

func TestPrice_Unavailable(t *testing.T) {
	env := newTestEnv(t)
	env.prices.err = exchange.ErrPriceUnavailable

	w := env.do(t, http.MethodGet, "/price", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Nil(t, body["price"])
	assert.Nil(t, body["timestamp"])
}

func TestHistoryQuotesStatsLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, env.store.SaveTrade(ctx, models.TradeRecord{
		ID: "t1", Reference: "paper-1", Timestamp: ts, Side: models.Sell, Direction: models.A2B,
		TriggerPrice: 100, CrossedBands: 1, AmountIn: "0.1", AmountOut: "10", Price: 100, Status: models.StatusSuccess,
	}))
	require.NoError(t, env.store.SaveTrade(ctx, models.TradeRecord{
		ID: "t2", Timestamp: ts.Add(time.Minute), Side: models.Buy, Direction: models.B2A,
		TriggerPrice: 95, CrossedBands: 1, AmountIn: "10", AmountOut: "0", Status: models.StatusFailure, Error: "slippage",
	}))
	require.NoError(t, env.store.SaveQuote(ctx, models.QuoteRecord{
		ID: "q1", Timestamp: ts, Side: models.Sell, Direction: models.A2B, FromAsset: "SUI", ToAsset: "USDC",
		AmountIn: "0.1", AmountOut: "10", MinOut: "9.95", Status: models.StatusSuccess,
	}))
	require.NoError(t, env.store.SaveQuote(ctx, models.QuoteRecord{
		ID: "q2", Timestamp: ts, Side: models.Buy, Direction: models.B2A, FromAsset: "USDC", ToAsset: "SUI",
		AmountIn: "10", AmountOut: "0", MinOut: "0", Status: models.StatusFailure, Error: "no depth",
	}))
	require.NoError(t, env.store.WriteLog(ctx, models.LogEntry{Timestamp: ts, Level: "info", Message: "started"}))
	require.NoError(t, env.store.WriteLog(ctx, models.LogEntry{Timestamp: ts, Level: "warn", Message: "price unavailable"}))

	w := env.do(t, http.MethodGet, "/history?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	trades := decode(t, w)["trades"].([]any)
	require.Len(t, trades, 1)
	assert.Equal(t, "t2", trades[0].(map[string]any)["id"])

	w = env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.TradeStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.SuccessfulTrades)
	assert.Equal(t, 1, stats.FailedTrades)

	quotes := decode(t, env.do(t, http.MethodGet, "/quotes?side=A2B", nil))["quotes"].([]any)
	require.Len(t, quotes, 1)
	assert.Equal(t, "q1", quotes[0].(map[string]any)["id"])
	quotes = decode(t, env.do(t, http.MethodGet, "/quotes?side=sideways", nil))["quotes"].([]any)
	assert.Len(t, quotes, 2)

	logs := decode(t, env.do(t, http.MethodGet, "/logs?level=WARN", nil))["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "price unavailable", logs[0].(map[string]any)["message"])

	w = env.do(t, http.MethodGet, "/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmptyHistoryIsAnArray(t *testing.T) {
	env := newTestEnv(t)
	assert.JSONEq(t, `{"trades":[]}`, env.do(t, http.MethodGet, "/history", nil).Body.String())
	assert.JSONEq(t, `{"quotes":[]}`, env.do(t, http.MethodGet, "/quotes", nil).Body.String())
	assert.JSONEq(t, `{"logs":[]}`, env.do(t, http.MethodGet, "/logs", nil).Body.String())
}

func TestPostConfig_PartialUpdate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/config", map[string]any{"levels": 20, "slippage_bps": 80})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, 20.0, cfg["levels"])
	assert.Equal(t, 80.0, cfg["slippage_bps"])
	assert.Equal(t, 90.0, cfg["lower_price"])

	require.NotNil(t, env.bot.staged)
	assert.Equal(t, 20, env.bot.staged.Levels)
	assert.Equal(t, "SUI", env.bot.staged.AssetA)

	w = env.do(t, http.MethodGet, "/config", nil)
	assert.Equal(t, 20.0, decode(t, w)["config"].(map[string]any)["levels"])
}

func TestPostConfig_ConcurrentPartialUpdatesCompose(t *testing.T) {
	env := newTestEnv(t)

	bodies := []string{`{"levels": 20}`, `{"slippage_bps": 80}`, `{"amount_per_grid": 25}`, `{"upper_price": 130}`}
	var wg sync.WaitGroup
	codes := make([]int, len(bodies))
	for i, body := range bodies {
		wg.Add(1)
		go func(i int, body string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewBufferString(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			env.srv.Router.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i, body)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	require.NotNil(t, env.bot.staged)
	staged := *env.bot.staged
	assert.Equal(t, 20, staged.Levels)
	assert.Equal(t, 80, staged.SlippageBps)
	assert.Equal(t, 25.0, staged.AmountPerGrid)
	assert.Equal(t, 130.0, staged.UpperPrice)
	assert.Equal(t, 90.0, staged.LowerPrice)
}

func TestPostConfig_Rejects(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"levels too low", map[string]any{"levels": 1}, "invalid_config"},
		{"levels too high", map[string]any{"levels": 101}, "invalid_config"},
		{"inverted bounds", map[string]any{"lower_price": 120}, "invalid_config"},
		{"negative stake", map[string]any{"amount_per_grid": -5}, "invalid_config"},
		{"malformed", "{levels:", "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/config", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decode(t, w)["code"])
		})
	}
	assert.Nil(t, env.bot.staged)
}

func TestPostConfig_UnexpectedError(t *testing.T) {
	env := newTestEnv(t)
	env.bot.updateErr = errors.New("disk full")
	w := env.do(t, http.MethodPost, "/config", map[string]any{"levels": 8})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", decode(t, w)["error"])
}

func TestPostControl(t *testing.T) {
	env := newTestEnv(t)

	steps := []struct {
		command string
		running bool
	}{
		{"start", true},
		{"start", true},
		{"pause", false},
		{"stop", false},
		{"resume", true},
		{"reset", true},
	}
	for _, s := range steps {
		w := env.do(t, http.MethodPost, "/control", map[string]string{"command": s.command})
		require.Equal(t, http.StatusOK, w.Code, s.command)
		body := decode(t, w)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, s.running, body["running"], s.command)
	}
	assert.Equal(t, 1, env.bot.resets)

	w := env.do(t, http.MethodPost, "/control", map[string]string{"command": "liquidate"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_command", decode(t, w)["code"])

	w = env.do(t, http.MethodPost, "/control", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsAndNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gridbot_in_flight")

	w = env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["code"])
}
