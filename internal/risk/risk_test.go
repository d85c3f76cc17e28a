package risk

import (
	"testing"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/reversal"
)

func testManager() *Manager {
	riskCfg := config.RiskConfig{
		MaxDrawdownPct:    5,
		StopLossPct:       2,
		MaxDailyLossQuote: 500,
		MaxErrorsPerHour:  10,
	}
	rebalCfg := config.RebalanceConfig{DriftThresholdPct: 2}
	return NewManager(riskCfg, rebalCfg, 30*time.Second, true)
}

func healthyInputs(now time.Time, equity float64) Inputs {
	return Inputs{
		Now:            now,
		EquityQuote:    equity,
		GatewayHealthy: true,
	}
}

func TestDrawdownTripsAfterPeak(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()

	if _, ok := m.Evaluate(healthyInputs(now, 105_000)); ok {
		t.Fatal("tripped at peak")
	}
	trip, ok := m.Evaluate(healthyInputs(now.Add(time.Second), 99_500))
	if !ok {
		t.Fatal("expected drawdown trip")
	}
	if trip.Cause != CauseDrawdown {
		t.Fatalf("cause = %v", trip.Cause)
	}
	if !trip.ForceClose || !trip.RequiresAck {
		t.Fatalf("drawdown trip should force close and require ack: %+v", trip)
	}
	if got := m.DrawdownPct(99_500); got < 5.23 || got > 5.25 {
		t.Fatalf("drawdown pct = %v", got)
	}
}

func TestDrawdownBoundary(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()
	m.Evaluate(healthyInputs(now, 100_000))

	// 5% of 100k is exactly 5000; at-boundary trips.
	if _, ok := m.Evaluate(healthyInputs(now, 95_000)); !ok {
		t.Fatal("expected trip exactly at max drawdown")
	}
}

func TestStopLossTrip(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()
	in := healthyInputs(now, 100_000)
	in.HasPosition = true
	in.EntryNotionalQuote = 14_852
	in.UnrealizedQuote = -300 // 2.02% of notional

	trip, ok := m.Evaluate(in)
	if !ok || trip.Cause != CauseStopLoss {
		t.Fatalf("trip=%+v ok=%v", trip, ok)
	}

	in.UnrealizedQuote = -200 // 1.35%, inside bound
	if _, ok := m.Evaluate(in); ok {
		t.Fatal("tripped inside stop loss bound")
	}
}

func TestHedgeDriftFatalBound(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()
	in := healthyInputs(now, 100_000)
	in.HasPosition = true
	in.HedgeDriftPct = 4.1 // fatal bound is 2x the 2% rebalance threshold

	trip, ok := m.Evaluate(in)
	if !ok || trip.Cause != CauseHedgeDrift {
		t.Fatalf("trip=%+v ok=%v", trip, ok)
	}

	in.HedgeDriftPct = 4.0 // at the bound, rebalancer territory
	if _, ok := m.Evaluate(in); ok {
		t.Fatal("tripped at non-fatal drift")
	}
}

func TestDailyLossRollingWindow(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()

	m.RecordRealized(now.Add(-25*time.Hour), -400) // outside window
	m.RecordRealized(now.Add(-2*time.Hour), -300)
	if _, ok := m.Evaluate(healthyInputs(now, 100_000)); ok {
		t.Fatal("old loss should have aged out")
	}
	m.RecordRealized(now.Add(-time.Hour), -250)
	trip, ok := m.Evaluate(healthyInputs(now, 100_000))
	if !ok || trip.Cause != CauseDailyLoss {
		t.Fatalf("trip=%+v ok=%v", trip, ok)
	}
}

func TestDailyLossAnchoredWindow(t *testing.T) {
	riskCfg := config.RiskConfig{MaxDailyLossQuote: 500, DailyAnchorUTC: "00:00"}
	m := NewManager(riskCfg, config.RebalanceConfig{}, 0, false)
	now := time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC)

	m.RecordRealized(now.Add(-2*time.Hour), -600) // before midnight anchor
	if _, ok := m.Evaluate(healthyInputs(now, 100_000)); ok {
		t.Fatal("loss before anchor should not count")
	}
	m.RecordRealized(now.Add(-30*time.Minute), -600)
	trip, ok := m.Evaluate(healthyInputs(now, 100_000))
	if !ok || trip.Cause != CauseDailyLoss {
		t.Fatalf("trip=%+v ok=%v", trip, ok)
	}
}

func TestErrorBudget(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 10; i++ {
		m.RecordError(now.Add(-time.Duration(i) * time.Minute))
	}
	if _, ok := m.Evaluate(healthyInputs(now, 100_000)); ok {
		t.Fatal("tripped at budget")
	}
	m.RecordError(now)
	trip, ok := m.Evaluate(healthyInputs(now, 100_000))
	if !ok || trip.Cause != CauseErrorBudget {
		t.Fatalf("trip=%+v ok=%v", trip, ok)
	}
	if trip.ForceClose {
		t.Fatal("error budget should pause without forcing a close")
	}
}

func TestConnectionGraceWindow(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()

	in := healthyInputs(now, 100_000)
	in.GatewayHealthy = false
	if _, ok := m.Evaluate(in); ok {
		t.Fatal("tripped before grace elapsed")
	}
	in.Now = now.Add(31 * time.Second)
	trip, ok := m.Evaluate(in)
	if !ok || trip.Cause != CauseConnectivity {
		t.Fatalf("trip=%+v ok=%v", trip, ok)
	}
	if trip.RequiresAck {
		t.Fatal("connectivity pause should auto-resume")
	}

	// Recovery resets the window.
	in.GatewayHealthy = true
	in.Now = now.Add(40 * time.Second)
	if _, ok := m.Evaluate(in); ok {
		t.Fatal("tripped after recovery")
	}
	in.GatewayHealthy = false
	in.Now = now.Add(50 * time.Second)
	if _, ok := m.Evaluate(in); ok {
		t.Fatal("grace window should restart after recovery")
	}
}

func TestCriticalReversalTrip(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()
	in := healthyInputs(now, 100_000)
	in.ReversalSeverity = reversal.Critical

	trip, ok := m.Evaluate(in)
	if !ok || trip.Cause != CauseReversal {
		t.Fatalf("trip=%+v ok=%v", trip, ok)
	}
	if !trip.ForceClose {
		t.Fatal("critical reversal should force close")
	}

	disabled := NewManager(config.RiskConfig{}, config.RebalanceConfig{}, 0, false)
	if _, ok := disabled.Evaluate(in); ok {
		t.Fatal("tripped with force close disabled")
	}
}

func TestDrawdownPrecedesOtherTrips(t *testing.T) {
	m := testManager()
	now := time.Unix(1_700_000_000, 0).UTC()
	m.Evaluate(healthyInputs(now, 105_000))

	in := healthyInputs(now.Add(time.Second), 99_500)
	in.ReversalSeverity = reversal.Critical
	trip, ok := m.Evaluate(in)
	if !ok || trip.Cause != CauseDrawdown {
		t.Fatalf("trip=%+v ok=%v", trip, ok)
	}
}
