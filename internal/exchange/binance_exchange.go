package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gridvault-bot/internal/idgen"
	"gridvault-bot/internal/models"
)

const (
	mainnetAPIURL = "https://api.binance.com"
	testnetAPIURL = "https://testnet.binance.vision"

	defaultDepthLimit = 50
	defaultTxTimeout  = 30 * time.Second
	clientOrderPrefix = "gv"
)

// BinanceOptions 配置 BinanceExchange。
type BinanceOptions struct {
	APIKey     string
	SecretKey  string
	BaseURL    string // empty selects mainnet or testnet by Testnet
	Testnet    bool
	DepthLimit int
	TxTimeout  time.Duration
	RatePerSec float64 // <= 0 disables throttling
	RateBurst  int
}

// symbolFilters 缓存交易对的精度规则
type symbolFilters struct {
	stepSize string
	tickSize string
}

// BinanceExchange 基于币安现货接口实现 PriceSource、QuoteProvider 和 Executor。
type BinanceExchange struct {
	client     *binance.Client
	limiter    *rate.Limiter
	depthLimit int
	txTimeout  time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	filters map[string]symbolFilters
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例。
func NewBinanceExchange(opts BinanceOptions, logger *zap.Logger) *BinanceExchange {
	client := binance.NewClient(opts.APIKey, opts.SecretKey)
	switch {
	case opts.BaseURL != "":
		client.BaseURL = opts.BaseURL
	case opts.Testnet:
		client.BaseURL = testnetAPIURL
	default:
		client.BaseURL = mainnetAPIURL
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSec > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	if opts.DepthLimit <= 0 {
		opts.DepthLimit = defaultDepthLimit
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = defaultTxTimeout
	}

	return &BinanceExchange{
		client:     client,
		limiter:    limiter,
		depthLimit: opts.DepthLimit,
		txTimeout:  opts.TxTimeout,
		logger:     logger,
		filters:    make(map[string]symbolFilters),
	}
}

// GetPrice 获取交易对的最新成交价。
func (e *BinanceExchange) GetPrice(ctx context.Context, assetA, assetB string) (float64, error) {
	symbol := Symbol(assetA, assetB)
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || price <= 0 {
			return 0, fmt.Errorf("%w: bad price %q for %s", ErrPriceUnavailable, p.Price, symbol)
		}
		return price, nil
	}
	return 0, fmt.Errorf("%w: no ticker for %s", ErrPriceUnavailable, symbol)
}

// Quote 通过遍历订单簿深度为交易报价。
func (e *BinanceExchange) Quote(ctx context.Context, req models.QuoteRequest) (*models.QuoteResult, error) {
	symbol := Symbol(req.AssetA, req.AssetB)
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	depth, err := e.client.NewDepthService().Symbol(symbol).Limit(e.depthLimit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: depth %s: %v", ErrQuoteUnavailable, symbol, err)
	}

	var levels []BookLevel
	if req.Side == models.Buy {
		for _, a := range depth.Asks {
			if l, ok := parseLevel(a.Price, a.Quantity); ok {
				levels = append(levels, l)
			}
		}
	} else {
		for _, b := range depth.Bids {
			if l, ok := parseLevel(b.Price, b.Quantity); ok {
				levels = append(levels, l)
			}
		}
	}

	q, err := QuoteFromBook(req, levels)
	if err != nil {
		return nil, err
	}
	q.Route = fmt.Sprintf("binance %s %s", symbol, q.Route)
	return q, nil
}

func parseLevel(price, qty string) (BookLevel, bool) {
	p, err := decimal.NewFromString(price)
	if err != nil || !p.IsPositive() {
		return BookLevel{}, false
	}
	q, err := decimal.NewFromString(qty)
	if err != nil || !q.IsPositive() {
		return BookLevel{}, false
	}
	return BookLevel{Price: p, Quantity: q}, true
}

// Execute 以 IOC 限价单执行交易，限价为报价的滑点保护价。
func (e *BinanceExchange) Execute(ctx context.Context, intent models.TradeIntent, quote models.QuoteResult) (*models.TradeOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	if quote.AssetA == "" || quote.AssetB == "" {
		return nil, fmt.Errorf("quote for %s carries no asset pair", intent.Side)
	}
	symbol := Symbol(quote.AssetA, quote.AssetB)
	f, err := e.symbolFilters(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load filters for %s: %w", symbol, err)
	}

	var (
		side     binance.SideType
		quantity decimal.Decimal
		price    decimal.Decimal
	)
	limit := decimal.NewFromFloat(quote.LimitPrice)
	if intent.Side == models.Buy {
		side = binance.SideTypeBuy
		quantity = adjustToStep(quote.EstimatedOut, f.stepSize)
		price = adjustToStep(limit, f.tickSize)
	} else {
		side = binance.SideTypeSell
		quantity = adjustToStep(quote.AmountIn, f.stepSize)
		price = adjustToStepUp(limit, f.tickSize)
	}
	if !quantity.IsPositive() || !price.IsPositive() {
		return nil, fmt.Errorf("order size rounds to zero (qty=%s price=%s)", quantity, price)
	}

	clientID := idgen.NewClientOrderID(clientOrderPrefix)
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	e.logger.Info("提交IOC限价单",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", quantity.String()),
		zap.String("price", price.String()),
		zap.String("clientOrderId", clientID))

	resp, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeIOC).
		Quantity(quantity.String()).
		Price(price.String()).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &models.TradeOutcome{
				Success:   false,
				Reference: clientID,
				Error:     fmt.Sprintf("order confirmation timed out after %s", e.txTimeout),
				Timestamp: time.Now(),
			}, nil
		}
		return &models.TradeOutcome{
			Success:   false,
			Reference: clientID,
			Error:     err.Error(),
			Timestamp: time.Now(),
		}, nil
	}

	executed, _ := decimal.NewFromString(resp.ExecutedQuantity)
	quoteQty, _ := decimal.NewFromString(resp.CummulativeQuoteQuantity)
	outcome := &models.TradeOutcome{
		Success:   executed.IsPositive(),
		Reference: strconv.FormatInt(resp.OrderID, 10),
		Timestamp: time.Now(),
	}
	if intent.Side == models.Buy {
		outcome.AmountIn, outcome.AmountOut = quoteQty, executed
	} else {
		outcome.AmountIn, outcome.AmountOut = executed, quoteQty
	}
	if !outcome.Success {
		outcome.Error = fmt.Sprintf("order %s not filled (status %s)", outcome.Reference, resp.Status)
	}
	return outcome, nil
}

func (e *BinanceExchange) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	e.mu.Lock()
	f, ok := e.filters[symbol]
	e.mu.Unlock()
	if ok {
		return f, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return symbolFilters{}, err
	}
	info, err := e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return symbolFilters{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if lot := s.LotSizeFilter(); lot != nil {
			f.stepSize = lot.StepSize
		}
		if pf := s.PriceFilter(); pf != nil {
			f.tickSize = pf.TickSize
		}
		e.mu.Lock()
		e.filters[symbol] = f
		e.mu.Unlock()
		return f, nil
	}
	return symbolFilters{}, fmt.Errorf("未找到交易对 %s 的信息", symbol)
}
