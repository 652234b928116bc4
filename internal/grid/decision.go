package grid

import (
	"github.com/shopspring/decimal"

	"gridvault-bot/internal/models"
)

// minOutPrecision is the number of decimals kept when bounding an output amount.
const minOutPrecision = 8

// Decide evaluates one price observation against the grid and returns the trade to make, if any,
// together with the state the caller must commit.
//
// Rules, in order:
//  1. a trade in flight blocks any new decision;
//  2. an unset (or out of range) last band is baselined without trading;
//  3. staying in the same band is a no-op;
//  4. a move up sells, triggered at the first boundary above the last band;
//  5. a move down buys, triggered at the lower boundary of the last band.
//
// A crossing of several bands produces a single intent sized by the number of bands crossed.
func Decide(cfg models.GridConfig, state models.GridState, price float64) (*models.TradeIntent, models.GridState) {
	next := state.Clone()
	if state.InFlight {
		return nil, next
	}

	boundaries := ComputeBoundaries(cfg.LowerPrice, cfg.UpperPrice, cfg.Levels)
	current := LocateBand(boundaries, price)

	if state.LastBand == nil || *state.LastBand < 0 || *state.LastBand >= cfg.Levels {
		next.LastBand = &current
		return nil, next
	}

	last := *state.LastBand
	if current == last {
		return nil, next
	}

	intent := &models.TradeIntent{}
	if current > last {
		intent.Side = models.Sell
		intent.CrossedBands = current - last
		intent.TriggerPrice = boundaries[last+1]
	} else {
		intent.Side = models.Buy
		intent.CrossedBands = last - current
		intent.TriggerPrice = boundaries[last]
	}
	intent.AmountIn = decimal.NewFromFloat(cfg.AmountPerGrid).Mul(decimal.NewFromInt(int64(intent.CrossedBands)))

	next.LastBand = &current
	next.InFlight = true
	return intent, next
}

// ComputeMinOut applies a slippage tolerance in basis points to an estimated output.
// The result is truncated, never rounded up.
func ComputeMinOut(estimatedOut decimal.Decimal, slippageBps int) decimal.Decimal {
	if slippageBps < 0 {
		slippageBps = 0
	}
	if slippageBps > models.BpsDenominator {
		slippageBps = models.BpsDenominator
	}
	keep := decimal.NewFromInt(int64(models.BpsDenominator - slippageBps))
	return estimatedOut.Mul(keep).Div(decimal.NewFromInt(models.BpsDenominator)).Truncate(minOutPrecision)
}
