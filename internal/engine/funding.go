package engine

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrInsufficient is returned while the sample window is too small to
// produce meaningful statistics.
var ErrInsufficient = errors.New("not enough samples")

var ErrInvalid = errors.New("invalid input")

const (
	fundingWindow     = 8 * time.Hour
	maxFundingSamples = 512
	velocitySamples   = 8
	minFundingSamples = 6
)

type FundingSample struct {
	Time time.Time
	Rate float64
}

// FundingStats is the reduced view consumed by the signal engine and
// the reversal detector.
type FundingStats struct {
	APRPct          float64
	VelocityPerHour float64
	Acceleration    float64
	LastRate        float64
	Samples         int
}

// FundingEngine keeps a bounded, strictly time-ordered sliding window
// of hourly funding rates.
type FundingEngine struct {
	mu      sync.RWMutex
	samples []FundingSample
}

func NewFundingEngine() *FundingEngine {
	return &FundingEngine{samples: make([]FundingSample, 0, maxFundingSamples)}
}

// Observe inserts a sample, overwriting a duplicate timestamp and
// discarding anything older than the window.
func (e *FundingEngine) Observe(ts time.Time, rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return ErrInvalid
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.samples)
	if n > 0 {
		last := e.samples[n-1]
		if ts.Equal(last.Time) {
			e.samples[n-1].Rate = rate
			return nil
		}
		if ts.Before(last.Time) {
			return ErrInvalid
		}
	}
	e.samples = append(e.samples, FundingSample{Time: ts, Rate: rate})
	cutoff := ts.Add(-fundingWindow)
	start := 0
	for start < len(e.samples) && e.samples[start].Time.Before(cutoff) {
		start++
	}
	if start > 0 {
		e.samples = append(e.samples[:0], e.samples[start:]...)
	}
	if len(e.samples) > maxFundingSamples {
		e.samples = append(e.samples[:0], e.samples[len(e.samples)-maxFundingSamples:]...)
	}
	return nil
}

// Stats reduces the window. Fails with ErrInsufficient below the
// minimum sample count.
func (e *FundingEngine) Stats() (FundingStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.samples) < minFundingSamples {
		return FundingStats{}, ErrInsufficient
	}
	var sum float64
	for _, s := range e.samples {
		sum += s.Rate
	}
	mean := sum / float64(len(e.samples))

	velocity := e.velocityLocked(e.samples)
	accel := e.accelerationLocked()

	return FundingStats{
		APRPct:          mean * 24 * 365 * 100,
		VelocityPerHour: velocity,
		Acceleration:    accel,
		LastRate:        e.samples[len(e.samples)-1].Rate,
		Samples:         len(e.samples),
	}, nil
}

// NextPaymentPrediction estimates the funding payment per unit of
// collateral-side notional at the current rate.
func (e *FundingEngine) NextPaymentPrediction(collateralQuote float64) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.samples) == 0 {
		return 0, ErrInsufficient
	}
	return e.samples[len(e.samples)-1].Rate * collateralQuote, nil
}

// PeakAPRWithin reports the highest annualized rate seen in the given
// trailing window.
func (e *FundingEngine) PeakAPRWithin(d time.Duration) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.samples) == 0 {
		return 0, false
	}
	cutoff := e.samples[len(e.samples)-1].Time.Add(-d)
	peak := math.Inf(-1)
	found := false
	for _, s := range e.samples {
		if s.Time.Before(cutoff) {
			continue
		}
		apr := s.Rate * 24 * 365 * 100
		if apr > peak {
			peak = apr
			found = true
		}
	}
	return peak, found
}

// velocityLocked fits rate on time by least squares over the last
// velocitySamples points and scales the slope to per-hour units.
func (e *FundingEngine) velocityLocked(window []FundingSample) float64 {
	n := len(window)
	if n > velocitySamples {
		window = window[n-velocitySamples:]
		n = velocitySamples
	}
	if n < 2 {
		return 0
	}
	t0 := window[0].Time
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range window {
		x := s.Time.Sub(t0).Hours()
		sumX += x
		sumY += s.Rate
		sumXY += x * s.Rate
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// accelerationLocked takes the difference of the slopes over the two
// halves of the velocity window, i.e. the slope of velocity itself.
func (e *FundingEngine) accelerationLocked() float64 {
	n := len(e.samples)
	window := e.samples
	if n > velocitySamples {
		window = e.samples[n-velocitySamples:]
		n = velocitySamples
	}
	if n < 4 {
		return 0
	}
	mid := n / 2
	early := e.velocityLocked(window[:mid])
	late := e.velocityLocked(window[mid:])
	span := window[n-1].Time.Sub(window[0].Time).Hours() / 2
	if span <= 0 {
		return 0
	}
	return (late - early) / span
}

// RecentRates returns up to n most recent rates, newest last.
func (e *FundingEngine) RecentRates(n int) []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n > len(e.samples) {
		n = len(e.samples)
	}
	out := make([]float64, 0, n)
	for _, s := range e.samples[len(e.samples)-n:] {
		out = append(out, s.Rate)
	}
	return out
}
