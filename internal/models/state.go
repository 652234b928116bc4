package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GridConfig holds the strategy parameters. It is read-only for the duration of a tick and
// replaced wholesale between ticks by an operator update.
type GridConfig struct {
	LowerPrice    float64 `json:"lower_price" yaml:"lower_price"`         // lowest boundary of the grid
	UpperPrice    float64 `json:"upper_price" yaml:"upper_price"`         // highest boundary of the grid
	Levels        int     `json:"levels" yaml:"levels"`                   // number of bands, [2, 100]
	AmountPerGrid float64 `json:"amount_per_grid" yaml:"amount_per_grid"` // stake per crossed band, in asset B
	SlippageBps   int     `json:"slippage_bps" yaml:"slippage_bps"`       // slippage tolerance, 50 = 0.5%
	AssetA        string  `json:"asset_a" yaml:"asset_a"`                 // base asset, e.g. "SUI"
	AssetB        string  `json:"asset_b" yaml:"asset_b"`                 // quote asset, e.g. "USDC"
}

const (
	MinLevels = 2
	MaxLevels = 100
	// BpsDenominator is the number of basis points in 100%.
	BpsDenominator = 10000
)

// ErrInvalidGridConfig is wrapped by every GridConfig validation failure.
var ErrInvalidGridConfig = errors.New("invalid grid config")

// Validate checks the invariants every component relies on.
func (c GridConfig) Validate() error {
	switch {
	case c.LowerPrice <= 0:
		return fmt.Errorf("%w: lower_price must be > 0", ErrInvalidGridConfig)
	case c.LowerPrice >= c.UpperPrice:
		return fmt.Errorf("%w: lower_price must be less than upper_price", ErrInvalidGridConfig)
	case c.Levels < MinLevels || c.Levels > MaxLevels:
		return fmt.Errorf("%w: levels must be between %d and %d", ErrInvalidGridConfig, MinLevels, MaxLevels)
	case c.AmountPerGrid <= 0:
		return fmt.Errorf("%w: amount_per_grid must be > 0", ErrInvalidGridConfig)
	case c.SlippageBps < 0 || c.SlippageBps >= BpsDenominator:
		return fmt.Errorf("%w: slippage_bps must be in [0, %d)", ErrInvalidGridConfig, BpsDenominator)
	case c.AssetA == "" || c.AssetB == "":
		return fmt.Errorf("%w: asset_a and asset_b are required", ErrInvalidGridConfig)
	}
	return nil
}

// GeometryEquals reports whether two configs produce the same boundaries.
func (c GridConfig) GeometryEquals(o GridConfig) bool {
	return c.LowerPrice == o.LowerPrice && c.UpperPrice == o.UpperPrice && c.Levels == o.Levels
}

// SameGrid reports whether a band recorded under o still means the same thing under c:
// same boundaries on the same market.
func (c GridConfig) SameGrid(o GridConfig) bool {
	return c.GeometryEquals(o) && c.AssetA == o.AssetA && c.AssetB == o.AssetB
}

// GridState is the mutable per-account record that survives restarts.
// Pointer fields are never mutated in place; a new value is assigned instead.
type GridState struct {
	LastBand      *int       `json:"last_band"`       // nil until the first observation
	InFlight      bool       `json:"in_flight"`       // a trade is dispatched but unresolved
	LastTradeTime *time.Time `json:"last_trade_time"` // time of the last successful trade
}

// NewGridState returns the state of an account that has never been observed.
func NewGridState() GridState {
	return GridState{}
}

// Clone returns a copy that shares no memory with s.
func (s GridState) Clone() GridState {
	c := GridState{InFlight: s.InFlight}
	if s.LastBand != nil {
		band := *s.LastBand
		c.LastBand = &band
	}
	if s.LastTradeTime != nil {
		t := *s.LastTradeTime
		c.LastTradeTime = &t
	}
	return c
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"  // price fell: spend asset B, receive asset A
	Sell Side = "SELL" // price rose: spend asset A, receive asset B
)

// Direction is the swap direction seen from the asset pair.
type Direction string

const (
	A2B Direction = "A2B"
	B2A Direction = "B2A"
)

// Direction maps a side to the swap direction.
func (s Side) Direction() Direction {
	if s == Sell {
		return A2B
	}
	return B2A
}

// TradeIntent is produced by the decision engine and consumed within the same tick.
type TradeIntent struct {
	Side         Side            `json:"side"`
	TriggerPrice float64         `json:"trigger_price"` // first boundary crossed
	CrossedBands int             `json:"crossed_bands"`
	AmountIn     decimal.Decimal `json:"amount_in"` // placeholder notional in asset B, finalized by the quote
}

// QuoteRequest asks a quote provider to price an intent.
type QuoteRequest struct {
	Side           Side
	AssetA         string
	AssetB         string
	Notional       decimal.Decimal // in asset B
	SlippageBps    int
	ReferencePrice float64 // price observed by the tick, B per A
}

// QuoteResult is a priced, slippage-bounded swap.
type QuoteResult struct {
	Side         Side            `json:"side"`
	AssetA       string          `json:"asset_a"`
	AssetB       string          `json:"asset_b"`
	AmountIn     decimal.Decimal `json:"amount_in"`     // in the input asset
	EstimatedOut decimal.Decimal `json:"estimated_out"` // in the output asset
	MinOut       decimal.Decimal `json:"min_out"`
	Price        float64         `json:"price"`        // average execution price, B per A
	LimitPrice   float64         `json:"limit_price"`  // worst acceptable price, B per A
	PriceImpact  float64         `json:"price_impact"` // relative distance between best and worst level
	Route        string          `json:"route"`
}

// TradeOutcome is the determinate result of one execution attempt.
type TradeOutcome struct {
	Success   bool            `json:"success"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Reference string          `json:"reference"` // opaque settlement reference (order id, digest)
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PersistedState is the record written to the state store after each tick.
type PersistedState struct {
	AccountID string     `json:"account_id"`
	State     GridState  `json:"grid_state"`
	Config    GridConfig `json:"config"`
	UpdatedAt time.Time  `json:"updated_at"`
}
