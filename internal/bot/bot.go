package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridvault-bot/internal/exchange"
	"gridvault-bot/internal/grid"
	"gridvault-bot/internal/metrics"
	"gridvault-bot/internal/models"
	"gridvault-bot/internal/persistence"
)

const (
	DefaultTickInterval = time.Second
	persistTimeout      = 10 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
)

// HistorySink receives trade, quote and log records. Calls must not block the tick and
// failures stay inside the sink.
type HistorySink interface {
	RecordTrade(t models.TradeRecord)
	RecordQuote(q models.QuoteRecord)
	RecordLog(level, message string, fields map[string]any)
}

type noopSink struct{}

func (noopSink) RecordTrade(models.TradeRecord)           {}
func (noopSink) RecordQuote(models.QuoteRecord)           {}
func (noopSink) RecordLog(string, string, map[string]any) {}

// Options wires a GridBot to its collaborators.
type Options struct {
	AccountID    string
	Config       models.GridConfig
	PriceSource  exchange.PriceSource
	Quotes       exchange.QuoteProvider
	Executor     exchange.Executor
	Store        persistence.StateRepository
	History      HistorySink        // optional
	Metrics      *metrics.Collector // optional, a private collector is created when nil
	Logger       *zap.Logger
	TickInterval time.Duration // DefaultTickInterval when <= 0
	PriceTimeout time.Duration // no extra bound when <= 0
	QuoteTimeout time.Duration // no extra bound when <= 0
	Clock        func() time.Time
}

// Status is a read-only snapshot of the bot.
type Status struct {
	Running         bool               `json:"running"`
	AccountID       string             `json:"account_id"`
	State           models.GridState   `json:"state"`
	Config          models.GridConfig  `json:"config"`
	PendingConfig   *models.GridConfig `json:"pending_config,omitempty"`
	PendingReset    bool               `json:"pending_reset"`
	Boundaries      []float64          `json:"boundaries"`
	LastPrice       float64            `json:"last_price"`
	LastPriceTime   *time.Time         `json:"last_price_time,omitempty"`
	LastTickTime    *time.Time         `json:"last_tick_time,omitempty"`
	LastOutcome     string             `json:"last_outcome"`
	LastError       string             `json:"last_error,omitempty"`
	PersistFailures int                `json:"consecutive_persist_failures"`
	Ticks           uint64             `json:"ticks"`
	Trades          uint64             `json:"trades"`
	FailedTrades    uint64             `json:"failed_trades"`
}

// GridBot 是网格交易机器人的核心结构：它拥有唯一的 GridState，按固定周期执行 tick。
type GridBot struct {
	accountID    string
	prices       exchange.PriceSource
	quotes       exchange.QuoteProvider
	executor     exchange.Executor
	store        persistence.StateRepository
	history      HistorySink
	metrics      *metrics.Collector
	logger       *zap.Logger
	tickInterval time.Duration
	priceTimeout time.Duration
	quoteTimeout time.Duration
	now          func() time.Time

	// held for the whole duration of a tick
	tickMu sync.Mutex

	mu              sync.RWMutex
	cfg             models.GridConfig
	state           models.GridState
	pendingCfg      *models.GridConfig
	pendingReset    bool
	lastPrice       float64
	lastPriceTime   time.Time
	lastTickTime    time.Time
	lastOutcome     TickOutcome
	lastErr         string
	persistFailures int
	ticks           uint64
	trades          uint64
	failedTrades    uint64

	runMu       sync.Mutex
	isRunning   bool
	stopChannel chan struct{}
	loopDone    chan struct{}
}

// NewGridBot 创建一个新的网格交易机器人实例
func NewGridBot(opts Options) *GridBot {
	b := &GridBot{
		accountID:    opts.AccountID,
		prices:       opts.PriceSource,
		quotes:       opts.Quotes,
		executor:     opts.Executor,
		store:        opts.Store,
		history:      opts.History,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		tickInterval: opts.TickInterval,
		priceTimeout: opts.PriceTimeout,
		quoteTimeout: opts.QuoteTimeout,
		now:          opts.Clock,
		cfg:          opts.Config,
		state:        models.NewGridState(),
		lastOutcome:  TickNone,
	}
	if b.history == nil {
		b.history = noopSink{}
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.tickInterval <= 0 {
		b.tickInterval = DefaultTickInterval
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.logger = b.logger.With(zap.String("account", b.accountID))
	return b
}

// Restore loads the persisted record of the account. A record left with a trade in flight
// (the process died mid-trade) is cleared and saved back; its band was already advanced, so
// the crossing is never traded twice.
func (b *GridBot) Restore(ctx context.Context) error {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	rec, err := b.store.LoadState(ctx, b.accountID)
	if err != nil {
		return fmt.Errorf("load state for %s: %w", b.accountID, err)
	}
	if rec == nil {
		b.logger.Info("no persisted state, the first observed price sets the baseline")
		return nil
	}

	b.mu.Lock()
	state := rec.State.Clone()
	changed := false
	if !rec.Config.SameGrid(b.cfg) && state.LastBand != nil {
		b.logger.Warn("grid differs from the persisted snapshot, band tracking restarts",
			zap.Float64("persisted_lower", rec.Config.LowerPrice),
			zap.Float64("persisted_upper", rec.Config.UpperPrice),
			zap.Int("persisted_levels", rec.Config.Levels),
			zap.String("persisted_pair", rec.Config.AssetA+"/"+rec.Config.AssetB))
		state.LastBand = nil
		changed = true
	}
	if state.InFlight {
		b.logger.Warn("persisted state has an unresolved trade; clearing the in-flight flag",
			zap.Time("saved_at", rec.UpdatedAt))
		b.history.RecordLog("warn", "cleared unresolved in-flight trade on restore", map[string]any{"saved_at": rec.UpdatedAt})
		state.InFlight = false
		changed = true
	}
	b.state = state
	b.mu.Unlock()

	b.metrics.SetBand(state.LastBand)
	b.metrics.SetInFlight(false)
	b.logger.Info("state restored", zap.Any("last_band", state.LastBand), zap.Timep("last_trade_time", state.LastTradeTime))

	if changed {
		if err := b.persist(ctx); err != nil {
			return fmt.Errorf("save restored state: %w", err)
		}
	}
	return nil
}

// Start 启动定时器；立即执行一次 tick，之后按周期执行。
func (b *GridBot) Start() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.isRunning {
		return ErrAlreadyRunning
	}
	b.isRunning = true
	b.stopChannel = make(chan struct{})
	b.loopDone = make(chan struct{})
	go b.tickLoop(b.stopChannel, b.loopDone)
	b.logger.Info("grid bot started", zap.Duration("interval", b.tickInterval))
	return nil
}

// Stop 停止调度新的 tick，并等待正在运行的 tick 完成（包括持久化）。
func (b *GridBot) Stop() error {
	b.runMu.Lock()
	if !b.isRunning {
		b.runMu.Unlock()
		return ErrNotRunning
	}
	b.isRunning = false
	close(b.stopChannel)
	done := b.loopDone
	b.runMu.Unlock()

	<-done
	// a manual Tick may still be running
	b.tickMu.Lock()
	b.tickMu.Unlock()
	b.logger.Info("grid bot stopped")
	return nil
}

// IsRunning reports whether the timer is scheduling ticks.
func (b *GridBot) IsRunning() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.isRunning
}

func (b *GridBot) tickLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()

	b.Tick(ctx)
	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// UpdateConfig validates cfg and stages it for the next tick. A change of bounds, levels or
// asset pair restarts band tracking from the next observed price.
func (b *GridBot) UpdateConfig(cfg models.GridConfig) error {
	_, err := b.UpdateConfigFunc(func(models.GridConfig) models.GridConfig { return cfg })
	return err
}

// UpdateConfigFunc stages fn applied to the most recently requested config. The read and the
// staging happen under one lock, so concurrent partial updates compose instead of overwriting
// each other.
func (b *GridBot) UpdateConfigFunc(fn func(models.GridConfig) models.GridConfig) (models.GridConfig, error) {
	b.mu.Lock()
	base := b.cfg
	if b.pendingCfg != nil {
		base = *b.pendingCfg
	}
	cfg := fn(base)
	if err := cfg.Validate(); err != nil {
		b.mu.Unlock()
		return base, err
	}
	b.pendingCfg = &cfg
	b.mu.Unlock()

	b.logger.Info("config update staged for the next tick",
		zap.Float64("lower", cfg.LowerPrice), zap.Float64("upper", cfg.UpperPrice),
		zap.Int("levels", cfg.Levels), zap.Float64("amount_per_grid", cfg.AmountPerGrid),
		zap.Int("slippage_bps", cfg.SlippageBps), zap.String("pair", cfg.AssetA+"/"+cfg.AssetB))
	b.history.RecordLog("info", "config update staged", map[string]any{
		"lower": cfg.LowerPrice, "upper": cfg.UpperPrice, "levels": cfg.Levels,
		"amount_per_grid": cfg.AmountPerGrid, "slippage_bps": cfg.SlippageBps,
		"asset_a": cfg.AssetA, "asset_b": cfg.AssetB,
	})
	return cfg, nil
}

// Reset stages an explicit reset of band tracking; the next observed price becomes the baseline.
func (b *GridBot) Reset() {
	b.mu.Lock()
	b.pendingReset = true
	b.mu.Unlock()
	b.logger.Info("band reset staged for the next tick")
}

// Config returns the most recently requested config: the staged one if any, else the active one.
func (b *GridBot) Config() models.GridConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.pendingCfg != nil {
		return *b.pendingCfg
	}
	return b.cfg
}

// Status returns a snapshot that shares no memory with the bot.
func (b *GridBot) Status() Status {
	running := b.IsRunning()

	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Status{
		Running:         running,
		AccountID:       b.accountID,
		State:           b.state.Clone(),
		Config:          b.cfg,
		PendingReset:    b.pendingReset,
		Boundaries:      grid.ComputeBoundaries(b.cfg.LowerPrice, b.cfg.UpperPrice, b.cfg.Levels),
		LastPrice:       b.lastPrice,
		LastOutcome:     b.lastOutcome.String(),
		LastError:       b.lastErr,
		PersistFailures: b.persistFailures,
		Ticks:           b.ticks,
		Trades:          b.trades,
		FailedTrades:    b.failedTrades,
	}
	if b.pendingCfg != nil {
		c := *b.pendingCfg
		s.PendingConfig = &c
	}
	if !b.lastPriceTime.IsZero() {
		t := b.lastPriceTime
		s.LastPriceTime = &t
	}
	if !b.lastTickTime.IsZero() {
		t := b.lastTickTime
		s.LastTickTime = &t
	}
	return s
}

// LastPrice returns the last observed price and when it was observed.
func (b *GridBot) LastPrice() (float64, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice, b.lastPriceTime
}
