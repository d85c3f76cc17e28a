package risk

import (
	"fmt"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/reversal"
)

type Cause int

const (
	CauseNone Cause = iota
	CauseDrawdown
	CauseStopLoss
	CauseHedgeDrift
	CauseDailyLoss
	CauseErrorBudget
	CauseConnectivity
	CauseReversal
)

func (c Cause) String() string {
	switch c {
	case CauseDrawdown:
		return "Drawdown"
	case CauseStopLoss:
		return "StopLoss"
	case CauseHedgeDrift:
		return "HedgeDrift"
	case CauseDailyLoss:
		return "DailyLoss"
	case CauseErrorBudget:
		return "ErrorBudget"
	case CauseConnectivity:
		return "Connectivity"
	case CauseReversal:
		return "Reversal"
	default:
		return "None"
	}
}

// Trip is one failed check. ForceClose asks the agent to close any
// open position before pausing; RequiresAck gates resume behind an
// operator acknowledgement.
type Trip struct {
	Cause       Cause
	Detail      string
	ForceClose  bool
	RequiresAck bool
}

// Inputs is the per-tick view the checks run against.
type Inputs struct {
	Now                time.Time
	EquityQuote        float64
	HasPosition        bool
	UnrealizedQuote    float64
	EntryNotionalQuote float64
	HedgeDriftPct      float64
	GatewayHealthy     bool
	ReversalSeverity   reversal.Severity
}

// Manager runs the circuit-breaker checks on its own cadence. It
// tracks peak equity, the realized-loss window and the error budget
// across ticks.
type Manager struct {
	risk       config.RiskConfig
	driftLimit float64
	grace      time.Duration
	forceClose bool

	peakEquity     float64
	realized       []realizedEntry
	errorStamps    []time.Time
	unhealthySince time.Time
}

type realizedEntry struct {
	at  time.Time
	pnl float64
}

func NewManager(risk config.RiskConfig, rebal config.RebalanceConfig, grace time.Duration, forceCloseOnCritical bool) *Manager {
	driftLimit := rebal.DriftThresholdPct
	if driftLimit <= 0 {
		driftLimit = risk.HedgeDriftPct
	}
	return &Manager{
		risk:       risk,
		driftLimit: driftLimit,
		grace:      grace,
		forceClose: forceCloseOnCritical,
	}
}

// RecordRealized feeds a closed trade's net result into the daily
// loss window.
func (m *Manager) RecordRealized(at time.Time, netQuote float64) {
	m.realized = append(m.realized, realizedEntry{at: at, pnl: netQuote})
}

// RecordError feeds one gateway or persistence failure into the
// hourly error budget.
func (m *Manager) RecordError(at time.Time) {
	m.errorStamps = append(m.errorStamps, at)
}

// Evaluate runs all checks and returns the first trip in severity
// order, or false when everything passes.
func (m *Manager) Evaluate(in Inputs) (Trip, bool) {
	m.observeEquity(in.EquityQuote)
	m.observeHealth(in)

	if trip, ok := m.checkDrawdown(in); ok {
		return trip, true
	}
	if trip, ok := m.checkStopLoss(in); ok {
		return trip, true
	}
	if trip, ok := m.checkHedgeDrift(in); ok {
		return trip, true
	}
	if trip, ok := m.checkDailyLoss(in); ok {
		return trip, true
	}
	if trip, ok := m.checkErrorBudget(in); ok {
		return trip, true
	}
	if trip, ok := m.checkConnection(in); ok {
		return trip, true
	}
	if trip, ok := m.checkReversal(in); ok {
		return trip, true
	}
	return Trip{}, false
}

func (m *Manager) observeEquity(equity float64) {
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
}

func (m *Manager) observeHealth(in Inputs) {
	if in.GatewayHealthy {
		m.unhealthySince = time.Time{}
		return
	}
	if m.unhealthySince.IsZero() {
		m.unhealthySince = in.Now
	}
}

func (m *Manager) checkDrawdown(in Inputs) (Trip, bool) {
	if m.risk.MaxDrawdownPct <= 0 || m.peakEquity <= 0 {
		return Trip{}, false
	}
	loss := m.peakEquity - in.EquityQuote
	if loss*100 >= m.risk.MaxDrawdownPct*m.peakEquity {
		return Trip{
			Cause:       CauseDrawdown,
			Detail:      fmt.Sprintf("drawdown %.2f%% from peak %.2f", loss/m.peakEquity*100, m.peakEquity),
			ForceClose:  true,
			RequiresAck: true,
		}, true
	}
	return Trip{}, false
}

func (m *Manager) checkStopLoss(in Inputs) (Trip, bool) {
	if !in.HasPosition || m.risk.StopLossPct <= 0 || in.EntryNotionalQuote <= 0 {
		return Trip{}, false
	}
	if in.UnrealizedQuote*100 <= -m.risk.StopLossPct*in.EntryNotionalQuote {
		return Trip{
			Cause:       CauseStopLoss,
			Detail:      fmt.Sprintf("unrealized %.2f against notional %.2f", in.UnrealizedQuote, in.EntryNotionalQuote),
			ForceClose:  true,
			RequiresAck: true,
		}, true
	}
	return Trip{}, false
}

func (m *Manager) checkHedgeDrift(in Inputs) (Trip, bool) {
	if !in.HasPosition || m.driftLimit <= 0 {
		return Trip{}, false
	}
	if in.HedgeDriftPct > 2*m.driftLimit {
		return Trip{
			Cause:       CauseHedgeDrift,
			Detail:      fmt.Sprintf("hedge drift %.2f%% exceeds fatal bound %.2f%%", in.HedgeDriftPct, 2*m.driftLimit),
			ForceClose:  true,
			RequiresAck: true,
		}, true
	}
	return Trip{}, false
}

func (m *Manager) checkDailyLoss(in Inputs) (Trip, bool) {
	if m.risk.MaxDailyLossQuote <= 0 {
		return Trip{}, false
	}
	cutoff := m.windowStart(in.Now)
	total := 0.0
	kept := m.realized[:0]
	for _, entry := range m.realized {
		if entry.at.Before(cutoff) {
			continue
		}
		kept = append(kept, entry)
		total += entry.pnl
	}
	m.realized = kept
	if total <= -m.risk.MaxDailyLossQuote {
		return Trip{
			Cause:       CauseDailyLoss,
			Detail:      fmt.Sprintf("realized %.2f within window", total),
			ForceClose:  true,
			RequiresAck: true,
		}, true
	}
	return Trip{}, false
}

// windowStart is a rolling 24h cutoff unless an anchor time of day is
// configured, in which case the window resets at the most recent
// anchor.
func (m *Manager) windowStart(now time.Time) time.Time {
	anchor := m.risk.DailyAnchorUTC
	if anchor == "" {
		return now.Add(-24 * time.Hour)
	}
	parsed, err := time.Parse("15:04", anchor)
	if err != nil {
		return now.Add(-24 * time.Hour)
	}
	utc := now.UTC()
	start := time.Date(utc.Year(), utc.Month(), utc.Day(), parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
	if start.After(utc) {
		start = start.Add(-24 * time.Hour)
	}
	return start
}

func (m *Manager) checkErrorBudget(in Inputs) (Trip, bool) {
	if m.risk.MaxErrorsPerHour <= 0 {
		return Trip{}, false
	}
	cutoff := in.Now.Add(-time.Hour)
	kept := m.errorStamps[:0]
	for _, at := range m.errorStamps {
		if at.Before(cutoff) {
			continue
		}
		kept = append(kept, at)
	}
	m.errorStamps = kept
	if len(m.errorStamps) > m.risk.MaxErrorsPerHour {
		return Trip{
			Cause:       CauseErrorBudget,
			Detail:      fmt.Sprintf("%d errors in the last hour", len(m.errorStamps)),
			ForceClose:  false,
			RequiresAck: true,
		}, true
	}
	return Trip{}, false
}

func (m *Manager) checkConnection(in Inputs) (Trip, bool) {
	if m.grace <= 0 || m.unhealthySince.IsZero() {
		return Trip{}, false
	}
	down := in.Now.Sub(m.unhealthySince)
	if down > m.grace {
		return Trip{
			Cause:       CauseConnectivity,
			Detail:      fmt.Sprintf("gateway unhealthy for %s", down),
			ForceClose:  false,
			RequiresAck: false,
		}, true
	}
	return Trip{}, false
}

func (m *Manager) checkReversal(in Inputs) (Trip, bool) {
	if !m.forceClose || in.ReversalSeverity != reversal.Critical {
		return Trip{}, false
	}
	return Trip{
		Cause:       CauseReversal,
		Detail:      "critical funding reversal",
		ForceClose:  true,
		RequiresAck: false,
	}, true
}

// PeakEquity reports the high-water mark seen so far.
func (m *Manager) PeakEquity() float64 { return m.peakEquity }

// DrawdownPct reports the current drawdown from peak in percent.
func (m *Manager) DrawdownPct(equity float64) float64 {
	if m.peakEquity <= 0 {
		return 0
	}
	dd := (m.peakEquity - equity) / m.peakEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}
