// Package grid holds the pure band arithmetic of the strategy: boundary computation, band lookup
// and the crossing decision. Nothing here performs I/O.
package grid

import (
	"math"
	"sort"
)

// ComputeBoundaries returns levels+1 evenly spaced prices from lower to upper.
// The last boundary is set to upper exactly so accumulated rounding cannot leave a gap at the top.
// It returns nil when levels <= 0; callers validate the config first.
func ComputeBoundaries(lower, upper float64, levels int) []float64 {
	if levels <= 0 {
		return nil
	}
	step := (upper - lower) / float64(levels)
	boundaries := make([]float64, levels+1)
	for i := 0; i < levels; i++ {
		boundaries[i] = lower + float64(i)*step
	}
	boundaries[levels] = upper
	return boundaries
}

// LocateBand maps a price to its band index in [0, len(boundaries)-2].
//
// A band includes its lower boundary and excludes its upper one, except the top band which is
// closed on both ends. Prices outside the grid clamp to the nearest band and NaN maps to band 0,
// so the function is defined for every float64.
func LocateBand(boundaries []float64, price float64) int {
	bands := len(boundaries) - 1
	if bands < 1 || math.IsNaN(price) || price <= boundaries[0] {
		return 0
	}
	if price >= boundaries[bands] {
		return bands - 1
	}
	// first boundary strictly above the price closes the band
	idx := sort.Search(len(boundaries), func(i int) bool { return boundaries[i] > price })
	return idx - 1
}
