package models

import (
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	AccountID    string `json:"account_id" yaml:"account_id"`     // trading account / vault identifier, key of the state record
	Network      string `json:"network" yaml:"network"`           // "mainnet" or "testnet"
	LiveAPIURL   string `json:"live_api_url" yaml:"live_api_url"` // optional REST base URL override
	LiveWSURL    string `json:"live_ws_url" yaml:"live_ws_url"`   // websocket base URL for the price stream
	TestnetWSURL string `json:"testnet_ws_url" yaml:"testnet_ws_url"`

	Grid GridConfig `json:"grid" yaml:"grid"`

	TickIntervalMs int    `json:"tick_interval_ms" yaml:"tick_interval_ms"` // timer period, default 1000
	AutoStart      bool   `json:"auto_start" yaml:"auto_start"`             // start ticking without a control command
	APIAddr        string `json:"api_addr" yaml:"api_addr"`                 // control/status API listen address

	// Collaborators
	PriceSource      string  `json:"price_source" yaml:"price_source"`             // "rest" or "stream"
	PriceTimeoutMs   int     `json:"price_timeout_ms" yaml:"price_timeout_ms"`     // per-call bound on price fetches
	QuoteTimeoutMs   int     `json:"quote_timeout_ms" yaml:"quote_timeout_ms"`     // per-call bound on quotes
	TxTimeoutMs      int     `json:"tx_timeout_ms" yaml:"tx_timeout_ms"`           // execution bound, owned by the executor
	StreamMaxAgeMs   int     `json:"stream_max_age_ms" yaml:"stream_max_age_ms"`   // a streamed price older than this is unavailable
	QuoteDepthLimit  int     `json:"quote_depth_limit" yaml:"quote_depth_limit"`   // order book levels used for quotes
	RateLimitPerSec  float64 `json:"rate_limit_per_sec" yaml:"rate_limit_per_sec"` // REST request budget
	RateLimitBurst   int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	WebSocketPingSec int     `json:"websocket_ping_interval_sec" yaml:"websocket_ping_interval_sec"`

	// Paper execution / backtest
	PaperBalanceA float64 `json:"paper_balance_a" yaml:"paper_balance_a"`
	PaperBalanceB float64 `json:"paper_balance_b" yaml:"paper_balance_b"`
	TakerFeeRate  float64 `json:"taker_fee_rate" yaml:"taker_fee_rate"` // 吃单手续费率
	SlippageRate  float64 `json:"slippage_rate" yaml:"slippage_rate"`   // simulated slippage applied to paper fills

	// Storage
	StateBackend  string `json:"state_backend" yaml:"state_backend"`     // "badger", "sqlite" or "redis"
	DBPath        string `json:"db_path" yaml:"db_path"`                 // badger directory
	HistoryDBPath string `json:"history_db_path" yaml:"history_db_path"` // sqlite file for trades, quotes and logs
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	RedisPassword string `json:"-" yaml:"-"` // env only

	LogConfig LogConfig `json:"log" yaml:"log"`

	// Secrets, env only
	APIKey    string `json:"-" yaml:"-"`
	SecretKey string `json:"-" yaml:"-"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// TradeStatus is the persisted result of a trade or quote.
type TradeStatus string

const (
	StatusSuccess TradeStatus = "success"
	StatusFailure TradeStatus = "failure"
)

// TradeRecord is one row of trade history.
type TradeRecord struct {
	ID           string      `json:"id"`
	Reference    string      `json:"reference"`
	Timestamp    time.Time   `json:"timestamp"`
	Side         Side        `json:"side"`
	Direction    Direction   `json:"direction"`
	TriggerPrice float64     `json:"trigger_price"`
	CrossedBands int         `json:"crossed_bands"`
	AmountIn     string      `json:"amount_in"`
	AmountOut    string      `json:"amount_out"`
	Price        float64     `json:"price"`
	Status       TradeStatus `json:"status"`
	Error        string      `json:"error,omitempty"`
}

// QuoteRecord is one row of quote history, written for successful and failed quotes alike.
type QuoteRecord struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Side        Side        `json:"side"`
	Direction   Direction   `json:"direction"`
	FromAsset   string      `json:"from_asset"`
	ToAsset     string      `json:"to_asset"`
	AmountIn    string      `json:"amount_in"`
	AmountOut   string      `json:"amount_out"`
	MinOut      string      `json:"min_out"`
	Price       *float64    `json:"price"`
	PriceImpact *float64    `json:"price_impact"`
	Route       string      `json:"route,omitempty"`
	Status      TradeStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
}

// LogEntry is one row of the operator-facing log.
type LogEntry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TradeStats aggregates trade history.
type TradeStats struct {
	TotalTrades      int     `json:"total_trades"`
	SuccessfulTrades int     `json:"successful_trades"`
	FailedTrades     int     `json:"failed_trades"`
	VolumeA          float64 `json:"volume_a"` // asset A sold plus asset A bought
	VolumeB          float64 `json:"volume_b"` // asset B received plus asset B spent
}

// Kline is one replayed candle.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
}
