package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridvault-bot/internal/grid"
	"gridvault-bot/internal/models"
)

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

const quantityPrecision = 8

// QuoteFromBook prices a request against one side of the book.
//
// BUY spends Notional of asset B against asks (best first). SELL sells Notional/bestBid of asset A
// into bids (best first). The returned MinOut applies the request's slippage tolerance and
// LimitPrice is the worst price that still satisfies MinOut.
func QuoteFromBook(req models.QuoteRequest, levels []BookLevel) (*models.QuoteResult, error) {
	if !req.Notional.IsPositive() {
		return nil, fmt.Errorf("%w: notional must be positive", ErrQuoteUnavailable)
	}
	if len(levels) == 0 || !levels[0].Price.IsPositive() {
		return nil, fmt.Errorf("%w: empty order book", ErrQuoteUnavailable)
	}

	best := levels[0].Price
	var amountIn, remaining, out, worst decimal.Decimal

	switch req.Side {
	case models.Buy:
		amountIn = req.Notional
		remaining = req.Notional
		for _, l := range levels {
			if remaining.IsZero() {
				break
			}
			levelCost := l.Price.Mul(l.Quantity)
			worst = l.Price
			if levelCost.GreaterThanOrEqual(remaining) {
				out = out.Add(remaining.Div(l.Price))
				remaining = decimal.Zero
				break
			}
			out = out.Add(l.Quantity)
			remaining = remaining.Sub(levelCost)
		}
	case models.Sell:
		amountIn = req.Notional.Div(best).Truncate(quantityPrecision)
		if !amountIn.IsPositive() {
			return nil, fmt.Errorf("%w: notional below one unit of %s", ErrQuoteUnavailable, req.AssetA)
		}
		remaining = amountIn
		for _, l := range levels {
			if remaining.IsZero() {
				break
			}
			worst = l.Price
			if l.Quantity.GreaterThanOrEqual(remaining) {
				out = out.Add(remaining.Mul(l.Price))
				remaining = decimal.Zero
				break
			}
			out = out.Add(l.Quantity.Mul(l.Price))
			remaining = remaining.Sub(l.Quantity)
		}
	default:
		return nil, fmt.Errorf("%w: unknown side %q", ErrQuoteUnavailable, req.Side)
	}

	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: insufficient depth for %s %s", ErrQuoteUnavailable, req.Side, req.Notional)
	}

	out = out.Truncate(quantityPrecision)
	minOut := grid.ComputeMinOut(out, req.SlippageBps)
	if !minOut.IsPositive() {
		return nil, fmt.Errorf("%w: output rounds to zero", ErrQuoteUnavailable)
	}

	res := &models.QuoteResult{
		Side:         req.Side,
		AssetA:       req.AssetA,
		AssetB:       req.AssetB,
		AmountIn:     amountIn,
		EstimatedOut: out,
		MinOut:       minOut,
		PriceImpact:  worst.Sub(best).Abs().Div(best).InexactFloat64(),
	}
	if req.Side == models.Buy {
		res.Price = amountIn.Div(out).InexactFloat64()
		res.LimitPrice = amountIn.Div(minOut).InexactFloat64()
		res.Route = fmt.Sprintf("%s->%s via asks", req.AssetB, req.AssetA)
	} else {
		res.Price = out.Div(amountIn).InexactFloat64()
		res.LimitPrice = minOut.Div(amountIn).InexactFloat64()
		res.Route = fmt.Sprintf("%s->%s via bids", req.AssetA, req.AssetB)
	}
	return res, nil
}

// adjustToStep 将数值向下取整到交易所要求的步长（数量或价格精度）
func adjustToStep(value decimal.Decimal, step string) decimal.Decimal {
	s, err := decimal.NewFromString(step)
	if err != nil || !s.IsPositive() {
		return value
	}
	return value.Div(s).Floor().Mul(s)
}

// adjustToStepUp 向上取整到步长
func adjustToStepUp(value decimal.Decimal, step string) decimal.Decimal {
	s, err := decimal.NewFromString(step)
	if err != nil || !s.IsPositive() {
		return value
	}
	return value.Div(s).Ceil().Mul(s)
}
