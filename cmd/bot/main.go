package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gridvault-bot/internal/api"
	"gridvault-bot/internal/bot"
	"gridvault-bot/internal/config"
	"gridvault-bot/internal/downloader"
	"gridvault-bot/internal/exchange"
	"gridvault-bot/internal/history"
	"gridvault-bot/internal/logger"
	"gridvault-bot/internal/metrics"
	"gridvault-bot/internal/models"
	"gridvault-bot/internal/persistence"
	"gridvault-bot/internal/reporter"
	"gridvault-bot/internal/storage"
)

const (
	version            = "0.2.0"
	historyBufferSize  = 1024
	backtestBufferSize = 1 << 16
	shutdownGracePause = 10 * time.Second
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (.json, .yaml or .yml)")
	mode := flag.String("mode", "live", "running mode: live, paper or backtest")
	dataPath := flag.String("data", "", "path to historical kline CSV for backtesting")
	symbol := flag.String("symbol", "", "symbol to download for backtesting (e.g., SUIUSDC); defaults to the configured pair")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	flag.Parse()

	// 在加载配置前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer func() { _ = log.Sync() }()

	switch *mode {
	case "live", "paper":
		err = runService(cfg, *mode)
	case "backtest":
		var path string
		path, err = prepareBacktestData(cfg, *symbol, *startDate, *endDate, *dataPath)
		if err == nil {
			err = runBacktest(cfg, path)
		}
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'live'、'paper' 或 'backtest'", *mode)
	}
	if err != nil {
		logger.S().Fatal(err)
	}
}

// runService runs the bot against real market data until SIGINT/SIGTERM. Without
// credentials, live mode falls back to paper execution.
func runService(cfg *models.Config, mode string) error {
	log := logger.L()
	if mode == "live" && !config.HasCredentials(cfg) {
		log.Warn("BINANCE_API_KEY / BINANCE_SECRET_KEY not set, running in paper mode")
		mode = "paper"
	}
	log.Info("starting grid bot",
		zap.String("mode", mode),
		zap.String("network", cfg.Network),
		zap.String("account", cfg.AccountID),
		zap.String("pair", exchange.Symbol(cfg.Grid.AssetA, cfg.Grid.AssetB)))

	ctx := context.Background()

	historyStore, err := storage.InitDB(cfg.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer historyStore.Close()

	stateRepo, closeState, err := openStateRepository(ctx, cfg, historyStore)
	if err != nil {
		return err
	}
	defer closeState()

	recorder := history.NewRecorder(historyStore, historyBufferSize, log)
	recorder.Start()
	defer recorder.Stop()

	testnet := cfg.Network == "testnet"
	venue := exchange.NewBinanceExchange(exchange.BinanceOptions{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		BaseURL:    cfg.LiveAPIURL,
		Testnet:    testnet,
		DepthLimit: cfg.QuoteDepthLimit,
		TxTimeout:  time.Duration(cfg.TxTimeoutMs) * time.Millisecond,
		RatePerSec: cfg.RateLimitPerSec,
		RateBurst:  cfg.RateLimitBurst,
	}, log.Named("binance"))

	var prices exchange.PriceSource = venue
	if cfg.PriceSource == "stream" {
		wsURL := cfg.LiveWSURL
		if testnet {
			wsURL = cfg.TestnetWSURL
		}
		stream := exchange.NewStreamPriceSource(wsURL, cfg.Grid.AssetA, cfg.Grid.AssetB,
			time.Duration(cfg.StreamMaxAgeMs)*time.Millisecond,
			time.Duration(cfg.WebSocketPingSec)*time.Second,
			log.Named("stream"))
		stream.Start()
		defer stream.Stop()
		prices = stream
	}

	var (
		quotes   exchange.QuoteProvider = venue
		executor exchange.Executor      = venue
	)
	if mode == "paper" {
		paper := exchange.NewPaperExchange(exchange.PaperConfig{
			AssetA:       cfg.Grid.AssetA,
			AssetB:       cfg.Grid.AssetB,
			BalanceA:     cfg.PaperBalanceA,
			BalanceB:     cfg.PaperBalanceB,
			TakerFeeRate: cfg.TakerFeeRate,
			SlippageRate: cfg.SlippageRate,
		}, prices)
		prices, quotes, executor = paper, paper, paper
	}

	collector := metrics.New()
	gridBot := bot.NewGridBot(bot.Options{
		AccountID:    cfg.AccountID,
		Config:       cfg.Grid,
		PriceSource:  prices,
		Quotes:       quotes,
		Executor:     executor,
		Store:        stateRepo,
		History:      recorder,
		Metrics:      collector,
		Logger:       log.Named("bot"),
		TickInterval: time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		PriceTimeout: time.Duration(cfg.PriceTimeoutMs) * time.Millisecond,
		QuoteTimeout: time.Duration(cfg.QuoteTimeoutMs) * time.Millisecond,
	})
	if err := gridBot.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	server := api.NewServer(api.Options{
		Bot:     gridBot,
		History: historyStore,
		Prices:  prices,
		Metrics: collector,
		Logger:  log,
		Version: version,
		Mode:    mode,
	})
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(cfg.APIAddr) }()

	if cfg.AutoStart {
		if err := gridBot.Start(); err != nil {
			return err
		}
	} else {
		log.Info("bot is idle, send {\"command\":\"start\"} to POST /control to begin", zap.String("api", cfg.APIAddr))
	}
	recorder.RecordLog("info", "bot service started", map[string]any{"mode": mode, "account": cfg.AccountID})

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("api server stopped", zap.Error(err))
		}
	}

	// the running tick finishes and persists before Stop returns
	if err := gridBot.Stop(); err != nil && !errors.Is(err, bot.ErrNotRunning) {
		log.Warn("stop bot", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePause)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	recorder.RecordLog("info", "bot service stopped", nil)
	log.Info("机器人已成功停止，状态已保存。")
	return nil
}

// openStateRepository selects the state store. The sqlite backend shares the history database.
func openStateRepository(ctx context.Context, cfg *models.Config, historyStore *storage.Store) (persistence.StateRepository, func(), error) {
	switch cfg.StateBackend {
	case persistence.BackendRedis:
		repo, err := persistence.NewRedisRepository(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect state redis %s: %w", cfg.RedisAddr, err)
		}
		return repo, func() { _ = repo.Close() }, nil
	case persistence.BackendSQLite:
		return historyStore, func() {}, nil
	default:
		if err := os.MkdirAll(cfg.DBPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create state directory: %w", err)
		}
		repo, err := persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open state database %s: %w", cfg.DBPath, err)
		}
		return repo, func() { _ = repo.Close() }, nil
	}
}

// prepareBacktestData 处理回测模式的数据来源：指定了日期范围时下载（带缓存），否则使用 -data 文件。
func prepareBacktestData(cfg *models.Config, symbol, startDate, endDate, dataPath string) (string, error) {
	if startDate == "" || endDate == "" {
		if dataPath == "" {
			return "", errors.New("回测模式需要通过 -data 或 -start/-end 参数指定数据源")
		}
		return dataPath, nil
	}

	startTime, err1 := time.Parse(time.DateOnly, startDate)
	endTime, err2 := time.Parse(time.DateOnly, endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	if symbol == "" {
		symbol = exchange.Symbol(cfg.Grid.AssetA, cfg.Grid.AssetB)
	}
	if dataPath == "" {
		dataPath = filepath.Join("data", fmt.Sprintf("%s-%s-%s.csv", symbol, startDate, endDate))
	}

	d := downloader.NewKlineDownloader(cfg.LiveAPIURL, logger.L())
	if err := d.DownloadKlines(context.Background(), symbol, dataPath, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return dataPath, nil
}

// runBacktest replays klines through the same orchestrator with paper execution. Each
// candle close is one tick.
func runBacktest(cfg *models.Config, dataPath string) error {
	log := logger.L()
	klines, skipped, err := downloader.LoadKlines(dataPath)
	if err != nil {
		return err
	}
	if skipped > 0 {
		log.Warn("skipped unparsable kline rows", zap.Int("rows", skipped))
	}
	log.Info("--- 启动回测模式 ---", zap.String("data", dataPath), zap.Int("klines", len(klines)))

	// history in memory, state in an in-memory badger
	historyStore, err := storage.InitDB(":memory:")
	if err != nil {
		return fmt.Errorf("open backtest history: %w", err)
	}
	defer historyStore.Close()
	stateRepo, err := persistence.NewInMemoryBadgerRepository()
	if err != nil {
		return fmt.Errorf("open backtest state: %w", err)
	}
	defer stateRepo.Close()

	recorder := history.NewRecorder(historyStore, backtestBufferSize, log)
	recorder.Start()

	paper := exchange.NewPaperExchange(exchange.PaperConfig{
		AssetA:       cfg.Grid.AssetA,
		AssetB:       cfg.Grid.AssetB,
		BalanceA:     cfg.PaperBalanceA,
		BalanceB:     cfg.PaperBalanceB,
		TakerFeeRate: cfg.TakerFeeRate,
		SlippageRate: cfg.SlippageRate,
	}, nil)

	gridBot := bot.NewGridBot(bot.Options{
		AccountID:   cfg.AccountID + "-backtest",
		Config:      cfg.Grid,
		PriceSource: paper,
		Quotes:      paper,
		Executor:    paper,
		Store:       stateRepo,
		History:     recorder,
		Logger:      log.Named("bot").WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
		Clock:       paper.Now,
	})

	ctx := context.Background()
	outcomes := make(map[bot.TickOutcome]int)
	for _, k := range klines {
		paper.SetPrice(k.Close, k.OpenTime)
		outcomes[gridBot.Tick(ctx)]++
	}
	recorder.Stop()
	if n := recorder.Dropped(); n > 0 {
		log.Warn("history records dropped during replay, trade stats are incomplete", zap.Int64("dropped", n))
	}
	log.Info("回测结束",
		zap.Int("trades_succeeded", outcomes[bot.TickTradeSucceeded]),
		zap.Int("trades_failed", outcomes[bot.TickTradeFailed]),
		zap.Int("quotes_failed", outcomes[bot.TickQuoteFailed]))

	stats, err := historyStore.TradeStats(ctx)
	if err != nil {
		return fmt.Errorf("trade stats: %w", err)
	}
	reporter.GenerateReport(os.Stdout, paper, &stats, dataPath, klines[0].OpenTime, klines[len(klines)-1].OpenTime)
	return nil
}
