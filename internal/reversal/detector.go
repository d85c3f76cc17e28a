package reversal

import (
	"fmt"
	"sync"

	"github.com/bmwtx3/sol-basis-bot/internal/engine"
)

type Severity int

const (
	None Severity = iota
	Low
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Critical:
		return "Critical"
	default:
		return "None"
	}
}

type Alert struct {
	Severity        Severity
	APRPct          float64
	VelocityPerHour float64
	Hint            string
}

const (
	lowVelocityBound  = 0.0001
	highVelocityBound = 0.0002
	peakFallFraction  = 0.7
)

// Detector classifies funding-rate reversals from the funding engine's
// reduced statistics. It keeps a small amount of state: how many
// consecutive evaluations have seen negative velocity.
type Detector struct {
	minAPRPct float64
	enabled   bool

	mu        sync.Mutex
	negStreak int
}

func New(minAPRPct float64, enabled bool) *Detector {
	return &Detector{minAPRPct: minAPRPct, enabled: enabled}
}

// Evaluate returns the current severity. recentRates are the newest
// raw hourly rates (newest last); peakAPR is the trailing-hour peak.
func (d *Detector) Evaluate(stats engine.FundingStats, recentRates []float64, peakAPR float64, peakOK bool) Alert {
	alert := Alert{APRPct: stats.APRPct, VelocityPerHour: stats.VelocityPerHour}
	if !d.enabled {
		return alert
	}

	d.mu.Lock()
	if stats.VelocityPerHour < 0 {
		d.negStreak++
	} else {
		d.negStreak = 0
	}
	negStreak := d.negStreak
	d.mu.Unlock()

	// Critical: the funding sign flipped between the last two samples,
	// or carry collapsed below half the entry floor.
	if n := len(recentRates); n >= 2 {
		last, prev := recentRates[n-1], recentRates[n-2]
		if last != 0 && prev != 0 && (last > 0) != (prev > 0) {
			alert.Severity = Critical
			alert.Hint = fmt.Sprintf("funding sign flipped: %.6f -> %.6f", prev, last)
			return alert
		}
	}
	if stats.APRPct < 0.5*d.minAPRPct {
		alert.Severity = Critical
		alert.Hint = fmt.Sprintf("apr %.2f%% below half of %.2f%% floor", stats.APRPct, d.minAPRPct)
		return alert
	}

	// High: decelerating decline, or a >30% fall from the 1h peak.
	if stats.Acceleration < 0 && stats.VelocityPerHour < -highVelocityBound {
		alert.Severity = High
		alert.Hint = "funding decline is accelerating"
		return alert
	}
	if peakOK && peakAPR > 0 && stats.APRPct < peakFallFraction*peakAPR {
		alert.Severity = High
		alert.Hint = fmt.Sprintf("apr fell %.0f%% from 1h peak %.2f%%", (1-stats.APRPct/peakAPR)*100, peakAPR)
		return alert
	}

	if stats.VelocityPerHour < -lowVelocityBound && negStreak >= 3 {
		alert.Severity = Medium
		alert.Hint = "sustained funding decline"
		return alert
	}
	if stats.VelocityPerHour < 0 && negStreak >= 2 {
		alert.Severity = Low
		alert.Hint = "funding drifting down"
		return alert
	}
	return alert
}

// Reset clears streak state, used after a position closes.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.negStreak = 0
	d.mu.Unlock()
}
