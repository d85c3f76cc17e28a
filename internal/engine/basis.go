package engine

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	basisRingSize  = 4096
	basisStatsSpan = 60 * time.Minute
)

type BasisSample struct {
	Time      time.Time
	SpreadBps float64
}

// BasisEngine tracks the instantaneous spread between perp mark and
// spot, with percentile and z-score context over the last hour.
type BasisEngine struct {
	mu   sync.RWMutex
	ring []BasisSample
	next int
	full bool
}

func NewBasisEngine() *BasisEngine {
	return &BasisEngine{ring: make([]BasisSample, basisRingSize)}
}

// SpreadBps computes (perp - spot) / spot in basis points. The ok
// result is false for degenerate inputs.
func SpreadBps(spot, perpMark float64) (float64, bool) {
	if spot <= 0 || math.IsNaN(spot) || math.IsInf(spot, 0) ||
		math.IsNaN(perpMark) || math.IsInf(perpMark, 0) {
		return 0, false
	}
	bps := (perpMark - spot) / spot * 10_000
	if math.IsNaN(bps) || math.IsInf(bps, 0) {
		return 0, false
	}
	return bps, true
}

// HedgeRatio is perp size over spot size; drift is its deviation from
// 1.0 in percent.
func HedgeRatio(spotSize, perpSize float64) (ratio, driftPct float64, ok bool) {
	if spotSize <= 0 || math.IsNaN(spotSize) || math.IsInf(spotSize, 0) ||
		perpSize < 0 || math.IsNaN(perpSize) || math.IsInf(perpSize, 0) {
		return 0, 0, false
	}
	ratio = perpSize / spotSize
	driftPct = math.Abs(1-ratio) * 100
	if math.IsNaN(driftPct) || math.IsInf(driftPct, 0) {
		return 0, 0, false
	}
	return ratio, driftPct, true
}

func (e *BasisEngine) Observe(ts time.Time, spreadBps float64) {
	if math.IsNaN(spreadBps) || math.IsInf(spreadBps, 0) {
		return
	}
	e.mu.Lock()
	e.ring[e.next] = BasisSample{Time: ts, SpreadBps: spreadBps}
	e.next++
	if e.next == len(e.ring) {
		e.next = 0
		e.full = true
	}
	e.mu.Unlock()
}

// Percentile reports where the given spread sits within the last hour
// of samples, in [0, 100].
func (e *BasisEngine) Percentile(now time.Time, spreadBps float64) (float64, bool) {
	window := e.window(now)
	if len(window) < 2 {
		return 0, false
	}
	below := 0
	for _, v := range window {
		if v < spreadBps {
			below++
		}
	}
	return float64(below) / float64(len(window)) * 100, true
}

// ZScore reports how many standard deviations the spread is from the
// recent mean.
func (e *BasisEngine) ZScore(now time.Time, spreadBps float64) (float64, bool) {
	window := e.window(now)
	if len(window) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	var ss float64
	for _, v := range window {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(window)-1))
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	z := (spreadBps - mean) / std
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0, false
	}
	return z, true
}

// MedianBps reports the median spread over the last hour.
func (e *BasisEngine) MedianBps(now time.Time) (float64, bool) {
	window := e.window(now)
	if len(window) == 0 {
		return 0, false
	}
	sort.Float64s(window)
	mid := len(window) / 2
	if len(window)%2 == 1 {
		return window[mid], true
	}
	return (window[mid-1] + window[mid]) / 2, true
}

func (e *BasisEngine) window(now time.Time) []float64 {
	cutoff := now.Add(-basisStatsSpan)
	e.mu.RLock()
	defer e.mu.RUnlock()
	size := e.next
	if e.full {
		size = len(e.ring)
	}
	out := make([]float64, 0, size)
	for i := 0; i < size; i++ {
		s := e.ring[i]
		if s.Time.Before(cutoff) || s.Time.After(now) {
			continue
		}
		out = append(out, s.SpreadBps)
	}
	return out
}
