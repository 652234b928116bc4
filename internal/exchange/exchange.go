package exchange

import (
	"context"
	"errors"
	"strings"

	"gridvault-bot/internal/models"
)

var (
	// ErrPriceUnavailable means no usable price right now. It is ordinary and never fatal.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrQuoteUnavailable means the venue could not price the requested swap.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrInsufficientBalance is returned by executors that track balances.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PriceSource 提供资产对的当前价格（B 计价 A）。
type PriceSource interface {
	GetPrice(ctx context.Context, assetA, assetB string) (float64, error)
}

// QuoteProvider 为交易意图报价，并给出滑点保护后的最小成交量。
type QuoteProvider interface {
	Quote(ctx context.Context, req models.QuoteRequest) (*models.QuoteResult, error)
}

// Executor 执行一笔已报价的交易。
// 实现必须自带超时，并总是返回一个确定的结果：
// 返回 error 表示交易未能提交，TradeOutcome.Success=false 表示提交后失败。
type Executor interface {
	Execute(ctx context.Context, intent models.TradeIntent, quote models.QuoteResult) (*models.TradeOutcome, error)
}

// Symbol builds the exchange symbol of a pair, e.g. ("sui", "usdc") -> "SUIUSDC".
func Symbol(assetA, assetB string) string {
	return strings.ToUpper(assetA) + strings.ToUpper(assetB)
}
