package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridvault-bot/internal/exchange"
	"gridvault-bot/internal/grid"
	"gridvault-bot/internal/metrics"
	"gridvault-bot/internal/models"
)

type priceResult struct {
	price    float64
	err      error
	panicMsg string
}

// mockPriceSource replays a scripted sequence; the last entry repeats.
type mockPriceSource struct {
	sync.Mutex
	results []priceResult
	calls   int
}

func newMockPriceSource(results ...priceResult) *mockPriceSource {
	return &mockPriceSource{results: results}
}

func (m *mockPriceSource) GetPrice(_ context.Context, _, _ string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	i := m.calls
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	m.calls++
	r := m.results[i]
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	return r.price, r.err
}

func (m *mockPriceSource) set(results ...priceResult) {
	m.Lock()
	defer m.Unlock()
	m.results = results
	m.calls = 0
}

func ok(p float64) priceResult { return priceResult{price: p} }

func panics(msg string) priceResult { return priceResult{panicMsg: msg} }

func unavailable() priceResult {
	return priceResult{err: exchange.ErrPriceUnavailable}
}

// mockQuoteProvider quotes at the reference price.
type mockQuoteProvider struct {
	sync.Mutex
	err      error
	requests []models.QuoteRequest
}

func (m *mockQuoteProvider) Quote(_ context.Context, req models.QuoteRequest) (*models.QuoteResult, error) {
	m.Lock()
	defer m.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	price := decimal.NewFromFloat(req.ReferencePrice)
	var in, out decimal.Decimal
	if req.Side == models.Buy {
		in = req.Notional
		out = req.Notional.Div(price)
	} else {
		in = req.Notional.Div(price)
		out = req.Notional
	}
	return &models.QuoteResult{
		Side:         req.Side,
		AssetA:       req.AssetA,
		AssetB:       req.AssetB,
		AmountIn:     in,
		EstimatedOut: out,
		MinOut:       grid.ComputeMinOut(out, req.SlippageBps),
		Price:        req.ReferencePrice,
		Route:        "mock",
	}, nil
}

func (m *mockQuoteProvider) requestCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.requests)
}

// mockExecutor fills at the quoted amounts unless told otherwise.
type mockExecutor struct {
	sync.Mutex
	fail     bool
	err      error
	panicMsg string
	entered  chan struct{} // signalled when Execute starts, if set
	release  chan struct{} // Execute waits on it, if set
	onEnter  func()
	intents  []models.TradeIntent
}

func (m *mockExecutor) Execute(_ context.Context, intent models.TradeIntent, quote models.QuoteResult) (*models.TradeOutcome, error) {
	m.Lock()
	m.intents = append(m.intents, intent)
	entered, release, onEnter := m.entered, m.release, m.onEnter
	fail, err, panicMsg := m.fail, m.err, m.panicMsg
	m.Unlock()

	if onEnter != nil {
		onEnter()
	}
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if err != nil {
		return nil, err
	}
	if fail {
		return &models.TradeOutcome{Success: false, AmountIn: quote.AmountIn, Reference: "tx-failed", Error: "rejected by venue"}, nil
	}
	return &models.TradeOutcome{
		Success:   true,
		AmountIn:  quote.AmountIn,
		AmountOut: quote.EstimatedOut,
		Reference: "tx-ok",
	}, nil
}

func (m *mockExecutor) executions() int {
	m.Lock()
	defer m.Unlock()
	return len(m.intents)
}

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	saved     []models.PersistedState
	loadState *models.PersistedState
	loadError error
	saveError error
	failNext  int // fail this many saves, then recover
}

func (m *mockStateRepository) SaveState(_ context.Context, state *models.PersistedState) error {
	m.Lock()
	defer m.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	if m.failNext > 0 {
		m.failNext--
		return errBoom
	}
	cp := *state
	cp.State = state.State.Clone()
	m.saved = append(m.saved, cp)
	return nil
}

func (m *mockStateRepository) LoadState(_ context.Context, _ string) (*models.PersistedState, error) {
	m.Lock()
	defer m.Unlock()
	return m.loadState, m.loadError
}

func (m *mockStateRepository) Close() error { return nil }

func (m *mockStateRepository) saves() []models.PersistedState {
	m.Lock()
	defer m.Unlock()
	out := make([]models.PersistedState, len(m.saved))
	copy(out, m.saved)
	return out
}

func (m *mockStateRepository) last() *models.PersistedState {
	m.Lock()
	defer m.Unlock()
	if len(m.saved) == 0 {
		return nil
	}
	s := m.saved[len(m.saved)-1]
	return &s
}

func (m *mockStateRepository) setSaveError(err error) {
	m.Lock()
	defer m.Unlock()
	m.saveError = err
}

func (m *mockStateRepository) failNextSaves(n int) {
	m.Lock()
	defer m.Unlock()
	m.failNext = n
}

type logLine struct {
	level, message string
}

type mockHistory struct {
	sync.Mutex
	trades []models.TradeRecord
	quotes []models.QuoteRecord
	logs   []logLine
}

func (m *mockHistory) RecordTrade(t models.TradeRecord) {
	m.Lock()
	defer m.Unlock()
	m.trades = append(m.trades, t)
}

func (m *mockHistory) RecordQuote(q models.QuoteRecord) {
	m.Lock()
	defer m.Unlock()
	m.quotes = append(m.quotes, q)
}

func (m *mockHistory) RecordLog(level, message string, _ map[string]any) {
	m.Lock()
	defer m.Unlock()
	m.logs = append(m.logs, logLine{level, message})
}

func (m *mockHistory) levels() map[string]int {
	m.Lock()
	defer m.Unlock()
	out := make(map[string]int)
	for _, l := range m.logs {
		out[l.level]++
	}
	return out
}

var errBoom = errors.New("boom")

type fixture struct {
	bot      *GridBot
	prices   *mockPriceSource
	quotes   *mockQuoteProvider
	executor *mockExecutor
	store    *mockStateRepository
	history  *mockHistory
	metrics  *metrics.Collector
}

func testGridConfig() models.GridConfig {
	return models.GridConfig{
		LowerPrice:    90,
		UpperPrice:    110,
		Levels:        4,
		AmountPerGrid: 10,
		SlippageBps:   50,
		AssetA:        "SUI",
		AssetB:        "USDC",
	}
}

func newFixture(prices ...priceResult) *fixture {
	f := &fixture{
		prices:   newMockPriceSource(prices...),
		quotes:   &mockQuoteProvider{},
		executor: &mockExecutor{},
		store:    &mockStateRepository{},
		history:  &mockHistory{},
		metrics:  metrics.New(),
	}
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	f.bot = NewGridBot(Options{
		AccountID:    "vault-1",
		Config:       testGridConfig(),
		PriceSource:  f.prices,
		Quotes:       f.quotes,
		Executor:     f.executor,
		Store:        f.store,
		History:      f.history,
		Metrics:      f.metrics,
		Logger:       zap.NewNop(),
		TickInterval: 10 * time.Millisecond,
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return f
}

func band(i int) *int { return &i }
