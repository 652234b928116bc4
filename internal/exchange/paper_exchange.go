package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridvault-bot/internal/grid"
	"gridvault-bot/internal/models"
)

// PaperTrade 记录一笔模拟成交
type PaperTrade struct {
	Reference string
	Time      time.Time
	Side      models.Side
	Price     float64 // execution price, B per A
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
	Fee       decimal.Decimal // in the output asset
}

// PaperConfig 模拟交易所的初始参数
type PaperConfig struct {
	AssetA       string
	AssetB       string
	BalanceA     float64
	BalanceB     float64
	TakerFeeRate float64 // 吃单手续费率
	SlippageRate float64 // 滑点率
}

// PaperExchange 模拟交易所行为，用于模拟盘和回测。
// 在模拟盘中价格来自外部 feed；在回测中价格由 SetPrice 推进。
type PaperExchange struct {
	mu sync.Mutex

	AssetA       string
	AssetB       string
	InitialA     decimal.Decimal
	InitialB     decimal.Decimal
	BalanceA     decimal.Decimal
	BalanceB     decimal.Decimal
	TakerFeeRate float64
	SlippageRate float64
	TotalFees    decimal.Decimal // converted to asset B at fill price

	CurrentPrice float64
	CurrentTime  time.Time
	InitialPrice float64
	TradeLog     []PaperTrade
	EquityCurve  []float64

	feed    PriceSource
	nextRef int64
	now     func() time.Time
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。feed 为 nil 时必须通过 SetPrice 提供价格。
func NewPaperExchange(cfg PaperConfig, feed PriceSource) *PaperExchange {
	a := decimal.NewFromFloat(cfg.BalanceA)
	b := decimal.NewFromFloat(cfg.BalanceB)
	return &PaperExchange{
		AssetA:       cfg.AssetA,
		AssetB:       cfg.AssetB,
		InitialA:     a,
		InitialB:     b,
		BalanceA:     a,
		BalanceB:     b,
		TakerFeeRate: cfg.TakerFeeRate,
		SlippageRate: cfg.SlippageRate,
		EquityCurve:  make([]float64, 0, 1024),
		TradeLog:     make([]PaperTrade, 0),
		feed:         feed,
		nextRef:      1,
		now:          time.Now,
	}
}

// SetPrice 推进回测时钟和价格，并更新权益曲线。
func (e *PaperExchange) SetPrice(price float64, timestamp time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentPrice = price
	e.CurrentTime = timestamp
	if e.InitialPrice == 0 {
		e.InitialPrice = price
	}
	e.EquityCurve = append(e.EquityCurve, e.equityLocked(price))
}

// GetPrice 返回 feed 的价格，没有 feed 时返回最近一次 SetPrice 的价格。
func (e *PaperExchange) GetPrice(ctx context.Context, assetA, assetB string) (float64, error) {
	if e.feed != nil {
		price, err := e.feed.GetPrice(ctx, assetA, assetB)
		if err != nil {
			return 0, err
		}
		e.mu.Lock()
		e.CurrentPrice = price
		e.CurrentTime = e.now()
		if e.InitialPrice == 0 {
			e.InitialPrice = price
		}
		e.mu.Unlock()
		return price, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CurrentPrice <= 0 {
		return 0, fmt.Errorf("%w: no simulated price yet", ErrPriceUnavailable)
	}
	return e.CurrentPrice, nil
}

// Quote 以参考价加上模拟滑点和手续费报价。
func (e *PaperExchange) Quote(ctx context.Context, req models.QuoteRequest) (*models.QuoteResult, error) {
	price := req.ReferencePrice
	if price <= 0 {
		p, err := e.GetPrice(ctx, req.AssetA, req.AssetB)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
		}
		price = p
	}
	if !req.Notional.IsPositive() {
		return nil, fmt.Errorf("%w: notional must be positive", ErrQuoteUnavailable)
	}

	amountIn := req.Notional
	if req.Side == models.Sell {
		amountIn = req.Notional.Div(decimal.NewFromFloat(price)).Truncate(quantityPrecision)
	}
	out, execPrice := e.fillAt(req.Side, amountIn, price)
	if !amountIn.IsPositive() || !out.IsPositive() {
		return nil, fmt.Errorf("%w: amount rounds to zero", ErrQuoteUnavailable)
	}
	minOut := grid.ComputeMinOut(out, req.SlippageBps)
	res := &models.QuoteResult{
		Side:         req.Side,
		AssetA:       req.AssetA,
		AssetB:       req.AssetB,
		AmountIn:     amountIn,
		EstimatedOut: out,
		MinOut:       minOut,
		Price:        execPrice,
		PriceImpact:  e.SlippageRate,
		Route:        "paper",
	}
	if minOut.IsPositive() {
		if req.Side == models.Buy {
			res.LimitPrice = amountIn.Div(minOut).InexactFloat64()
		} else {
			res.LimitPrice = minOut.Div(amountIn).InexactFloat64()
		}
	}
	return res, nil
}

// fillAt returns the output (after fee) and execution price of spending amountIn of the input asset.
func (e *PaperExchange) fillAt(side models.Side, amountIn decimal.Decimal, price float64) (decimal.Decimal, float64) {
	keep := decimal.NewFromFloat(1 - e.TakerFeeRate)
	if side == models.Buy {
		execPrice := price * (1 + e.SlippageRate)
		return amountIn.Div(decimal.NewFromFloat(execPrice)).Mul(keep).Truncate(quantityPrecision), execPrice
	}
	execPrice := price * (1 - e.SlippageRate)
	return amountIn.Mul(decimal.NewFromFloat(execPrice)).Mul(keep).Truncate(quantityPrecision), execPrice
}

// Execute 以当前价格模拟成交；若成交量低于报价的最小成交量则失败。
func (e *PaperExchange) Execute(ctx context.Context, intent models.TradeIntent, quote models.QuoteResult) (*models.TradeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ref := fmt.Sprintf("paper-%d", e.nextRef)
	e.nextRef++
	ts := e.clockLocked()
	fail := func(msg string) *models.TradeOutcome {
		return &models.TradeOutcome{Success: false, AmountIn: quote.AmountIn, Reference: ref, Error: msg, Timestamp: ts}
	}

	price := e.CurrentPrice
	if price <= 0 {
		price = quote.Price
	}

	in := quote.AmountIn
	if intent.Side == models.Buy && e.BalanceB.LessThan(in) {
		return fail(fmt.Sprintf("%v: have %s %s, need %s", ErrInsufficientBalance, e.BalanceB, e.AssetB, in)), nil
	}
	if intent.Side == models.Sell && e.BalanceA.LessThan(in) {
		return fail(fmt.Sprintf("%v: have %s %s, need %s", ErrInsufficientBalance, e.BalanceA, e.AssetA, in)), nil
	}

	out, execPrice := e.fillAt(intent.Side, in, price)
	if out.LessThan(quote.MinOut) {
		return fail(fmt.Sprintf("slippage exceeded: out %s < min %s", out, quote.MinOut)), nil
	}

	// fee is charged on the output asset
	fee := out.Div(decimal.NewFromFloat(1 - e.TakerFeeRate)).Sub(out)
	if intent.Side == models.Buy {
		e.BalanceB = e.BalanceB.Sub(in)
		e.BalanceA = e.BalanceA.Add(out)
		e.TotalFees = e.TotalFees.Add(fee.Mul(decimal.NewFromFloat(execPrice)))
	} else {
		e.BalanceA = e.BalanceA.Sub(in)
		e.BalanceB = e.BalanceB.Add(out)
		e.TotalFees = e.TotalFees.Add(fee)
	}
	e.TradeLog = append(e.TradeLog, PaperTrade{
		Reference: ref,
		Time:      ts,
		Side:      intent.Side,
		Price:     execPrice,
		AmountIn:  in,
		AmountOut: out,
		Fee:       fee,
	})

	return &models.TradeOutcome{
		Success:   true,
		AmountIn:  in,
		AmountOut: out,
		Reference: ref,
		Timestamp: ts,
	}, nil
}

// Equity 返回以资产 B 计价的账户权益
func (e *PaperExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked(e.CurrentPrice)
}

// InitialEquity 返回以第一个观测价格计价的初始权益
func (e *PaperExchange) InitialEquity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.InitialB.Add(e.InitialA.Mul(decimal.NewFromFloat(e.InitialPrice))).InexactFloat64()
}

// Balances returns the current balances of asset A and asset B.
func (e *PaperExchange) Balances() (decimal.Decimal, decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.BalanceA, e.BalanceB
}

// Trades returns a copy of the simulated trade log.
func (e *PaperExchange) Trades() []PaperTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PaperTrade, len(e.TradeLog))
	copy(out, e.TradeLog)
	return out
}

// MaxDrawdown 计算权益曲线的最大回撤（比例）
func (e *PaperExchange) MaxDrawdown() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var peak, maxDD float64
	for _, eq := range e.EquityCurve {
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// Now returns the simulated clock in backtests and the wall clock otherwise.
func (e *PaperExchange) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clockLocked()
}

func (e *PaperExchange) equityLocked(price float64) float64 {
	return e.BalanceB.Add(e.BalanceA.Mul(decimal.NewFromFloat(price))).InexactFloat64()
}

func (e *PaperExchange) clockLocked() time.Time {
	if !e.CurrentTime.IsZero() && e.feed == nil {
		return e.CurrentTime
	}
	return e.now()
}
