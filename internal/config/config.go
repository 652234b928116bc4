package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gridvault-bot/internal/models"
	"gridvault-bot/internal/persistence"
)

// 默认值
const (
	DefaultTickIntervalMs = 1000
	DefaultAPIAddr        = ":3215"
	DefaultSlippageBps    = 50
	DefaultLevels         = 10
	DefaultTxTimeoutMs    = 30000
	DefaultAccountID      = "default"
)

// ErrInvalidConfig is wrapped by every validation failure of the application config.
var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig 从指定路径加载配置文件（JSON，或按扩展名识别的 YAML），
// 然后依次应用默认值、.env / 环境变量覆盖，并校验结果。
func LoadConfig(path string) (*models.Config, error) {
	// .env 不存在时直接使用系统环境变量
	_ = godotenv.Load()

	cfg := &models.Config{}
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	ApplyDefaults(cfg)
	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *models.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config %s: %w", path, err)
		}
	}
	return nil
}

// ApplyDefaults fills every zero value that has a sensible default.
func ApplyDefaults(cfg *models.Config) {
	if cfg.AccountID == "" {
		cfg.AccountID = DefaultAccountID
	}
	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = "wss://stream.binance.com:9443"
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = "wss://stream.testnet.binance.vision"
	}
	if cfg.TickIntervalMs <= 0 {
		cfg.TickIntervalMs = DefaultTickIntervalMs
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
	}
	if cfg.Grid.Levels == 0 {
		cfg.Grid.Levels = DefaultLevels
	}
	if cfg.Grid.SlippageBps == 0 {
		cfg.Grid.SlippageBps = DefaultSlippageBps
	}
	if cfg.PriceSource == "" {
		cfg.PriceSource = "rest"
	}
	if cfg.PriceTimeoutMs <= 0 {
		cfg.PriceTimeoutMs = 5000
	}
	if cfg.QuoteTimeoutMs <= 0 {
		cfg.QuoteTimeoutMs = 5000
	}
	if cfg.TxTimeoutMs <= 0 {
		cfg.TxTimeoutMs = DefaultTxTimeoutMs
	}
	if cfg.StreamMaxAgeMs <= 0 {
		cfg.StreamMaxAgeMs = 10000
	}
	if cfg.QuoteDepthLimit <= 0 {
		cfg.QuoteDepthLimit = 100
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 5
	}
	if cfg.WebSocketPingSec <= 0 {
		cfg.WebSocketPingSec = 20
	}
	if cfg.TakerFeeRate == 0 {
		cfg.TakerFeeRate = 0.001
	}
	if cfg.StateBackend == "" {
		cfg.StateBackend = persistence.BackendBadger
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/state"
	}
	if cfg.HistoryDBPath == "" {
		cfg.HistoryDBPath = "data/history.db"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
	if cfg.LogConfig.File == "" {
		cfg.LogConfig.File = "logs/gridvault.log"
	}
}

// ApplyEnv overrides file values with environment variables. Secrets are read from the
// environment only.
func ApplyEnv(cfg *models.Config) {
	envFloat("GRID_LOWER_PRICE", &cfg.Grid.LowerPrice)
	envFloat("GRID_UPPER_PRICE", &cfg.Grid.UpperPrice)
	envInt("GRID_LEVELS", &cfg.Grid.Levels)
	envFloat("GRID_AMOUNT_PER_GRID", &cfg.Grid.AmountPerGrid)
	envInt("GRID_SLIPPAGE_BPS", &cfg.Grid.SlippageBps)
	envString("GRID_ASSET_A", &cfg.Grid.AssetA)
	envString("GRID_ASSET_B", &cfg.Grid.AssetB)
	envString("ACCOUNT_ID", &cfg.AccountID)
	envString("NETWORK", &cfg.Network)
	envInt("TICK_INTERVAL_MS", &cfg.TickIntervalMs)
	envString("API_ADDR", &cfg.APIAddr)
	envString("DATABASE_PATH", &cfg.DBPath)
	envString("HISTORY_DB_PATH", &cfg.HistoryDBPath)
	envString("STATE_BACKEND", &cfg.StateBackend)
	envString("REDIS_ADDR", &cfg.RedisAddr)
	envString("PRICE_SOURCE", &cfg.PriceSource)
	envString("LOG_LEVEL", &cfg.LogConfig.Level)

	cfg.APIKey = os.Getenv("BINANCE_API_KEY")
	cfg.SecretKey = os.Getenv("BINANCE_SECRET_KEY")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
}

// Validate rejects values no component can work with.
func Validate(cfg *models.Config) error {
	if err := cfg.Grid.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrInvalidConfig)
	}
	switch cfg.Network {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("%w: network must be mainnet or testnet, got %q", ErrInvalidConfig, cfg.Network)
	}
	switch cfg.PriceSource {
	case "rest", "stream":
	default:
		return fmt.Errorf("%w: price_source must be rest or stream, got %q", ErrInvalidConfig, cfg.PriceSource)
	}
	switch cfg.StateBackend {
	case persistence.BackendBadger, persistence.BackendRedis, persistence.BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown state_backend %q", ErrInvalidConfig, cfg.StateBackend)
	}
	if cfg.TakerFeeRate < 0 || cfg.TakerFeeRate >= 1 {
		return fmt.Errorf("%w: taker_fee_rate must be in [0, 1)", ErrInvalidConfig)
	}
	if cfg.SlippageRate < 0 || cfg.SlippageRate >= 1 {
		return fmt.Errorf("%w: slippage_rate must be in [0, 1)", ErrInvalidConfig)
	}
	if cfg.PaperBalanceA < 0 || cfg.PaperBalanceB < 0 {
		return fmt.Errorf("%w: paper balances must not be negative", ErrInvalidConfig)
	}
	return nil
}

// HasCredentials reports whether live execution is possible.
func HasCredentials(cfg *models.Config) bool {
	return cfg.APIKey != "" && cfg.SecretKey != ""
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}
