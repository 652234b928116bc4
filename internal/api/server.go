package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gridvault-bot/internal/bot"
	"gridvault-bot/internal/exchange"
	"gridvault-bot/internal/metrics"
	"gridvault-bot/internal/models"
	"gridvault-bot/internal/storage"
)

// PriceCacheTTL is how long an observed market price is served without asking the price source.
const PriceCacheTTL = 10 * time.Second

// Bot is the part of the orchestrator the API controls.
type Bot interface {
	Status() bot.Status
	Config() models.GridConfig
	UpdateConfigFunc(fn func(models.GridConfig) models.GridConfig) (models.GridConfig, error)
	Reset()
	Start() error
	Stop() error
	IsRunning() bool
	LastPrice() (float64, time.Time)
}

// HistoryReader serves the persisted trade, quote and log history.
type HistoryReader interface {
	ListTrades(ctx context.Context, q storage.TradeQuery) ([]models.TradeRecord, error)
	TradeStats(ctx context.Context) (models.TradeStats, error)
	ListQuotes(ctx context.Context, q storage.QuoteQuery) ([]models.QuoteRecord, error)
	ListLogs(ctx context.Context, q storage.LogQuery) ([]models.LogEntry, error)
}

// Options wires the API server.
type Options struct {
	Bot     Bot
	History HistoryReader
	Prices  exchange.PriceSource // used by /price when the bot has no fresh observation
	Metrics *metrics.Collector   // optional; /metrics is not registered without it
	Logger  *zap.Logger
	Version string
	Mode    string
}

// Server exposes status and control endpoints of one bot.
type Server struct {
	Router  *gin.Engine
	bot     Bot
	history HistoryReader
	prices  exchange.PriceSource
	metrics *metrics.Collector
	logger  *zap.Logger
	version string
	mode    string
	now     func() time.Time

	priceMu   sync.Mutex
	priceVal  float64
	priceTime time.Time

	srvMu sync.Mutex
	srv   *http.Server
}

// NewServer builds the router with its middleware stack.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		bot:     opts.Bot,
		history: opts.History,
		prices:  opts.Prices,
		metrics: opts.Metrics,
		logger:  logger,
		version: opts.Version,
		mode:    opts.Mode,
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/", s.index)
	s.Router.GET("/health", s.health)
	s.Router.GET("/status", s.getStatus)
	s.Router.GET("/price", s.getPrice)
	s.Router.GET("/history", s.getHistory)
	s.Router.GET("/stats", s.getStats)
	s.Router.GET("/quotes", s.getQuotes)
	s.Router.GET("/config", s.getConfig)
	s.Router.POST("/config", s.postConfig)
	s.Router.POST("/control", s.postControl)
	s.Router.GET("/logs", s.getLogs)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.Router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "not_found", "not found")
	})
}

// Start serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	s.logger.Info("api server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// marketPrice returns the freshest known price: the bot's own observation, then the cache,
// then the price source. ok is false when none is available.
func (s *Server) marketPrice(ctx context.Context) (float64, time.Time, bool) {
	now := s.now()
	if p, ts := s.bot.LastPrice(); p > 0 && now.Sub(ts) < PriceCacheTTL {
		return p, ts, true
	}

	s.priceMu.Lock()
	defer s.priceMu.Unlock()
	if s.priceVal > 0 && now.Sub(s.priceTime) < PriceCacheTTL {
		return s.priceVal, s.priceTime, true
	}
	if s.prices == nil {
		return 0, time.Time{}, false
	}

	cfg := s.bot.Config()
	p, err := s.prices.GetPrice(ctx, cfg.AssetA, cfg.AssetB)
	if err != nil || p <= 0 {
		s.logger.Debug("market price unavailable", zap.Error(err))
		if s.priceVal > 0 {
			return s.priceVal, s.priceTime, true
		}
		return 0, time.Time{}, false
	}
	s.priceVal, s.priceTime = p, now
	return p, now, true
}
