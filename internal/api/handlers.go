package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gridvault-bot/internal/bot"
	"gridvault-bot/internal/models"
	"gridvault-bot/internal/storage"
)

type endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

var endpoints = []endpoint{
	{"GET", "/health", "Liveness"},
	{"GET", "/status", "Get bot status"},
	{"GET", "/price", "Get current market price"},
	{"GET", "/history", "Get trade history"},
	{"GET", "/stats", "Get trade statistics"},
	{"GET", "/quotes", "Get quote history"},
	{"GET", "/config", "Get grid config"},
	{"POST", "/config", "Update grid config"},
	{"POST", "/control", "Control bot (start/stop/pause/resume/reset)"},
	{"GET", "/logs", "Get logs"},
	{"GET", "/metrics", "Prometheus metrics"},
}

// configUpdate is a partial GridConfig; absent fields keep their current value.
type configUpdate struct {
	LowerPrice    *float64 `json:"lower_price"`
	UpperPrice    *float64 `json:"upper_price"`
	Levels        *int     `json:"levels"`
	AmountPerGrid *float64 `json:"amount_per_grid"`
	SlippageBps   *int     `json:"slippage_bps"`
	AssetA        *string  `json:"asset_a"`
	AssetB        *string  `json:"asset_b"`
}

func (u configUpdate) apply(cfg models.GridConfig) models.GridConfig {
	if u.LowerPrice != nil {
		cfg.LowerPrice = *u.LowerPrice
	}
	if u.UpperPrice != nil {
		cfg.UpperPrice = *u.UpperPrice
	}
	if u.Levels != nil {
		cfg.Levels = *u.Levels
	}
	if u.AmountPerGrid != nil {
		cfg.AmountPerGrid = *u.AmountPerGrid
	}
	if u.SlippageBps != nil {
		cfg.SlippageBps = *u.SlippageBps
	}
	if u.AssetA != nil {
		cfg.AssetA = strings.ToUpper(strings.TrimSpace(*u.AssetA))
	}
	if u.AssetB != nil {
		cfg.AssetB = strings.ToUpper(strings.TrimSpace(*u.AssetB))
	}
	return cfg
}

type controlRequest struct {
	Command string `json:"command" binding:"required"`
}

type priceResponse struct {
	Price     *float64 `json:"price"`
	Timestamp *int64   `json:"timestamp"` // unix ms
}

func (s *Server) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      "GridVault Bot API",
		"version":   s.version,
		"mode":      s.mode,
		"endpoints": endpoints,
	})
}

func (s *Server) health(c *gin.Context) {
	st := s.bot.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":                       "ok",
		"running":                      st.Running,
		"consecutive_persist_failures": st.PersistFailures,
	})
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.bot.Status()
	if st.LastPrice == 0 {
		if p, ts, ok := s.marketPrice(c.Request.Context()); ok {
			st.LastPrice = p
			st.LastPriceTime = &ts
		}
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getPrice(c *gin.Context) {
	var resp priceResponse
	if p, ts, ok := s.marketPrice(c.Request.Context()); ok {
		ms := ts.UnixMilli()
		resp.Price, resp.Timestamp = &p, &ms
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getHistory(c *gin.Context) {
	var q storage.TradeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	trades, err := s.history.ListTrades(c.Request.Context(), q)
	if err != nil {
		s.internalError(c, "list trades", err)
		return
	}
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.history.TradeStats(c.Request.Context())
	if err != nil {
		s.internalError(c, "trade stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getQuotes(c *gin.Context) {
	var q storage.QuoteQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	q.Side = normalizeSide(q.Side)
	quotes, err := s.history.ListQuotes(c.Request.Context(), q)
	if err != nil {
		s.internalError(c, "list quotes", err)
		return
	}
	if quotes == nil {
		quotes = []models.QuoteRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"quotes": quotes})
}

// normalizeSide accepts BUY/SELL or the swap direction A2B/B2A; anything else means no filter.
func normalizeSide(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case string(models.Buy), string(models.B2A):
		return string(models.Buy)
	case string(models.Sell), string(models.A2B):
		return string(models.Sell)
	}
	return ""
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": s.bot.Config()})
}

func (s *Server) postConfig(c *gin.Context) {
	var u configUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}
	if u.Levels != nil && (*u.Levels < models.MinLevels || *u.Levels > models.MaxLevels) {
		respondError(c, http.StatusBadRequest, "invalid_config", "levels must be between 2 and 100")
		return
	}

	next, err := s.bot.UpdateConfigFunc(u.apply)
	if err != nil {
		if errors.Is(err, models.ErrInvalidGridConfig) {
			respondError(c, http.StatusBadRequest, "invalid_config", err.Error())
			return
		}
		s.internalError(c, "update config", err)
		return
	}
	// staged; the bot installs it at the start of its next tick
	c.JSON(http.StatusOK, gin.H{"success": true, "config": next, "applied": false})
}

func (s *Server) postControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}

	switch strings.ToLower(req.Command) {
	case "start", "resume":
		if err := s.bot.Start(); err != nil && !errors.Is(err, bot.ErrAlreadyRunning) {
			s.internalError(c, "start bot", err)
			return
		}
	case "stop", "pause":
		if err := s.bot.Stop(); err != nil && !errors.Is(err, bot.ErrNotRunning) {
			s.internalError(c, "stop bot", err)
			return
		}
	case "reset":
		s.bot.Reset()
	default:
		respondError(c, http.StatusBadRequest, "invalid_command", "invalid command, use: start, stop, pause, resume, reset")
		return
	}

	s.logger.Info("control command", zap.String("command", req.Command), zap.String("request_id", c.GetString(requestIDKey)))
	c.JSON(http.StatusOK, gin.H{"success": true, "running": s.bot.IsRunning()})
}

func (s *Server) getLogs(c *gin.Context) {
	var q storage.LogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	q.Level = strings.ToLower(q.Level)
	logs, err := s.history.ListLogs(c.Request.Context(), q)
	if err != nil {
		s.internalError(c, "list logs", err)
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error(op+" failed", zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
	respondError(c, http.StatusInternalServerError, "internal_error", "internal server error")
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}
