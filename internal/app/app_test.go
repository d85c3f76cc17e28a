package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/agent"
	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/reversal"
	"github.com/bmwtx3/sol-basis-bot/internal/risk"

	"go.uber.org/zap"
)

func newTestApp(t *testing.T, opts ...func(*config.Config)) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Trading = config.TradingConfig{
		SpotAsset:           "SOL",
		PerpAsset:           "SOL-PERP",
		MinBasisBps:         10,
		MinFundingAPRPct:    15,
		CloseThresholdBps:   5,
		MaxPositionSizeBase: 1000,
		MinTradeInterval:    5 * time.Minute,
		SignalInterval:      5 * time.Second,
		SlippageBoundBps:    20,
	}
	cfg.Risk = config.RiskConfig{
		CheckInterval:    time.Second,
		MaxDrawdownPct:   5,
		StopLossPct:      2,
		HedgeDriftPct:    2,
		MaxErrorsPerHour: 10,
	}
	cfg.Rebalance = config.RebalanceConfig{
		CheckInterval:      time.Second,
		MinRebalanceBase:   0.1,
		MaxRebalancesPerHr: 4,
		DriftThresholdPct:  2,
	}
	cfg.Sizer = config.SizerConfig{
		MaxKellyFraction:    0.25,
		InitialBaseFraction: 0.20,
		SignalCap:           6.0,
	}
	cfg.Gateway = config.GatewayConfig{
		SpotFreshness:   2 * time.Second,
		PerpFreshness:   2 * time.Second,
		FundingFresh:    60 * time.Second,
		LegTimeout:      3 * time.Second,
		HealthGrace:     10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
	cfg.Paper = config.PaperConfig{PaperTrading: true, StartingEquityQuote: 100_000}
	cfg.State.SQLitePath = filepath.Join(dir, "state.db")
	cfg.Perf.JournalPath = filepath.Join(dir, "trades.journal")
	cfg.Perf.IndexPath = filepath.Join(dir, "trades.idx")
	for _, opt := range opts {
		opt(cfg)
	}

	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeAll)
	return a
}

func (a *App) publishMarket(spot, perp, rate float64) {
	now := a.clk.Now()
	a.marketSt.PublishSpot(spot, 2, now)
	a.marketSt.PublishPerp(perp, spot, now)
	a.marketSt.PublishFunding(rate, now.Add(time.Hour), now)
	for i := 6; i >= 1; i-- {
		_ = a.funding.Observe(now.Add(-time.Duration(i)*time.Minute), rate)
	}
}

func waitForState(t *testing.T, a *App, want agent.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.bot.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state %v, want %v", a.bot.State(), want)
}

func TestSignalTickOpensPosition(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.bot.Run(ctx) }()

	a.publishMarket(148.52, 148.89, 0.0001)
	a.signalTick(ctx)

	waitForState(t, a, agent.StateMonitoring)
	pos, ok := a.book.Current()
	if !ok {
		t.Fatalf("expected an open position")
	}
	if !pos.Spot.SizeBase.Equal(pos.Perp.SizeBase) {
		t.Fatalf("legs not level: spot %s perp %s", pos.Spot.SizeBase, pos.Perp.SizeBase)
	}
}

func TestSignalTickSkipsWithoutData(t *testing.T) {
	a := newTestApp(t)
	a.signalTick(context.Background())
	if got := a.bot.State(); got != agent.StateIdle {
		t.Fatalf("state %v, want Idle", got)
	}
}

func TestRestorePauseStateStartsPaused(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.ops.MarkPaused(ctx, "Drawdown"); err != nil {
		t.Fatalf("mark paused: %v", err)
	}

	go func() { _ = a.bot.Run(ctx) }()
	a.restorePauseState(ctx)

	waitForState(t, a, agent.StatePaused)
	if got := a.bot.PausedBy(); got != "Drawdown" {
		t.Fatalf("paused by %q, want Drawdown", got)
	}
}

func TestCauseFromString(t *testing.T) {
	cases := []struct {
		in   string
		want risk.Cause
	}{
		{"Drawdown", risk.CauseDrawdown},
		{"Connectivity", risk.CauseConnectivity},
		{"Reversal", risk.CauseReversal},
		{"bogus", risk.CauseNone},
	}
	for _, tc := range cases {
		if got := causeFromString(tc.in); got != tc.want {
			t.Fatalf("causeFromString(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFundingWarmupDoesNotFlagReversal(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Reversal = config.ReversalConfig{
			EnableReversalDetection:      true,
			ForceCloseOnCriticalReversal: true,
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.bot.Run(ctx) }()

	// Prices are live but the funding window has a single sample, so
	// there are no stats to judge a reversal by yet.
	now := a.clk.Now()
	a.marketSt.PublishSpot(148.52, 2, now)
	a.marketSt.PublishPerp(148.89, 148.52, now)
	a.marketSt.PublishFunding(0.0001, now.Add(time.Hour), now)
	_ = a.funding.Observe(now.Add(-time.Minute), 0.0001)

	a.signalTick(ctx)
	if got := reversal.Severity(a.sevLevel.Load()); got != reversal.None {
		t.Fatalf("severity = %v, want None while the window warms up", got)
	}

	a.riskTick(ctx)
	time.Sleep(100 * time.Millisecond)
	if got := a.bot.State(); got == agent.StatePaused {
		t.Fatalf("warmup paused the agent by %q", a.bot.PausedBy())
	}
}

func TestRiskTickHoldsEquityOnStaleSnapshot(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.bot.Run(ctx) }()

	a.publishMarket(148.52, 148.89, 0.0001)
	a.signalTick(ctx)
	waitForState(t, a, agent.StateMonitoring)
	a.riskTick(ctx)

	// Same prices, stamped past the freshness bound. Equity is unknown,
	// not zero; the drawdown gate must not fire.
	stale := a.clk.Now().Add(-3 * time.Second)
	a.marketSt.PublishSpot(148.52, 2, stale)
	a.marketSt.PublishPerp(148.89, 148.52, stale)
	a.marketSt.PublishFunding(0.0001, stale.Add(time.Hour), stale)

	a.riskTick(ctx)
	time.Sleep(100 * time.Millisecond)
	if got := a.bot.State(); got != agent.StateMonitoring {
		t.Fatalf("state = %v (paused by %q), want Monitoring", got, a.bot.PausedBy())
	}
}

func TestRiskTickTripsDrawdown(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.bot.Run(ctx) }()

	a.publishMarket(148.52, 148.89, 0.0001)

	// Seed the peak above current equity by more than the 5% budget.
	if _, tripped := a.riskMgr.Evaluate(risk.Inputs{Now: a.clk.Now(), EquityQuote: 110_000, GatewayHealthy: true}); tripped {
		t.Fatalf("seeding tick should not trip")
	}
	a.riskTick(ctx)

	waitForState(t, a, agent.StatePaused)
	if got := a.bot.PausedBy(); got != "Drawdown" {
		t.Fatalf("paused by %q, want Drawdown", got)
	}
}
