package sizer

import (
	"math"
	"testing"

	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/perf"
)

func testSizer() *Sizer {
	return New(
		config.SizerConfig{
			EnableAdaptiveSizing:   true,
			MinTradesForAdaptation: 10,
			MaxKellyFraction:       0.25,
			UseHalfKelly:           true,
			InitialBaseFraction:    0.20,
			SignalCap:              6.0,
		},
		config.TradingConfig{
			MinBasisBps:         10,
			MinFundingAPRPct:    15,
			MaxPositionSizeBase: 1000,
		},
		config.RiskConfig{MaxDrawdownPct: 5},
	)
}

func factor(t *testing.T, r Result, name string) float64 {
	t.Helper()
	for _, a := range r.Rationale {
		if a.Name == name {
			return a.Factor
		}
	}
	t.Fatalf("rationale missing %q: %+v", name, r.Rationale)
	return 0
}

func TestColdStartUsesBaseFraction(t *testing.T) {
	s := testSizer()
	r := s.Size(Inputs{
		EquityQuote: 100_000,
		SpotPrice:   150,
		Summary:     perf.Summary{TradesTotal: 5},
		BasisBps:    10,
		FundingAPR:  15,
		Confidence:  1,
	})
	if got := factor(t, r, "base_fraction"); got != 0.20 {
		t.Fatalf("base fraction = %v, want 0.20", got)
	}
}

func TestAdaptiveSizingPipeline(t *testing.T) {
	s := testSizer()
	// 20 trades, 13 wins, avg win 150, avg loss 80, streak +2.
	summary := perf.Summary{
		TradesTotal:   20,
		Wins:          13,
		WinRate:       0.65,
		AvgWinQuote:   150,
		AvgLossQuote:  80,
		WLRatio:       1.875,
		CurrentStreak: 2,
	}
	r := s.Size(Inputs{
		EquityQuote: 100_000,
		SpotPrice:   150,
		Summary:     summary,
		BasisBps:    25,
		FundingAPR:  30,
		Confidence:  0.9,
	})

	// Full Kelly (0.65*1.875 - 0.35)/1.875 ≈ 0.4633 halves to ≈ 0.2317.
	kelly := factor(t, r, "kelly")
	if math.Abs(kelly-0.2316667) > 1e-6 {
		t.Fatalf("kelly = %v, want ≈0.23167", kelly)
	}
	if got := factor(t, r, "streak"); math.Abs(got-1.10) > 1e-9 {
		t.Fatalf("streak factor = %v, want 1.10", got)
	}
	if got := factor(t, r, "spread_multiple"); math.Abs(got-2.5) > 1e-9 {
		t.Fatalf("spread multiple = %v, want 2.5", got)
	}
	if got := factor(t, r, "funding_multiple"); math.Abs(got-math.Sqrt2) > 1e-9 {
		t.Fatalf("funding multiple = %v, want √2", got)
	}
	if got := factor(t, r, "confidence"); got != 0.9 {
		t.Fatalf("confidence = %v", got)
	}

	wantFraction := kelly * 1.10 * 1.0 * 2.5 * math.Sqrt2 * 0.9
	if math.Abs(r.Fraction-wantFraction) > 1e-9 {
		t.Fatalf("fraction = %v, want %v", r.Fraction, wantFraction)
	}
	wantSize := 100_000 * wantFraction / 150
	got, _ := r.SizeBase.Float64()
	if math.Abs(got-wantSize) > 1e-6 {
		t.Fatalf("size = %v, want %v", got, wantSize)
	}
}

func TestKellyClampedToMax(t *testing.T) {
	s := testSizer()
	summary := perf.Summary{
		TradesTotal: 50,
		WinRate:     0.95,
		WLRatio:     5,
	}
	r := s.Size(Inputs{
		EquityQuote: 100_000, SpotPrice: 150, Summary: summary,
		BasisBps: 10, FundingAPR: 15, Confidence: 1,
	})
	if got := factor(t, r, "kelly"); got != 0.25 {
		t.Fatalf("kelly = %v, want clamp 0.25", got)
	}
}

func TestLosingStreakFloor(t *testing.T) {
	s := testSizer()
	summary := perf.Summary{TradesTotal: 20, WinRate: 0.5, WLRatio: 2, CurrentStreak: -10}
	r := s.Size(Inputs{
		EquityQuote: 100_000, SpotPrice: 150, Summary: summary,
		BasisBps: 10, FundingAPR: 15, Confidence: 1,
	})
	if got := factor(t, r, "streak"); got != 0.3 {
		t.Fatalf("streak factor = %v, want floor 0.3", got)
	}
}

func TestWinningStreakCap(t *testing.T) {
	s := testSizer()
	summary := perf.Summary{TradesTotal: 20, WinRate: 0.5, WLRatio: 2, CurrentStreak: 9}
	r := s.Size(Inputs{
		EquityQuote: 100_000, SpotPrice: 150, Summary: summary,
		BasisBps: 10, FundingAPR: 15, Confidence: 1,
	})
	if got := factor(t, r, "streak"); math.Abs(got-1.15) > 1e-9 {
		t.Fatalf("streak factor = %v, want 1.15 (bonus capped at 3 wins)", got)
	}
}

func TestDrawdownDamping(t *testing.T) {
	s := testSizer()
	summary := perf.Summary{TradesTotal: 20, WinRate: 0.5, WLRatio: 2}
	r := s.Size(Inputs{
		EquityQuote: 100_000, SpotPrice: 150, Summary: summary,
		BasisBps: 10, FundingAPR: 15, Confidence: 1, DrawdownPct: 2.5,
	})
	if got := factor(t, r, "drawdown"); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("drawdown factor = %v, want 0.5", got)
	}
	// Deep drawdown floors at 0.3.
	r = s.Size(Inputs{
		EquityQuote: 100_000, SpotPrice: 150, Summary: summary,
		BasisBps: 10, FundingAPR: 15, Confidence: 1, DrawdownPct: 4.9,
	})
	if got := factor(t, r, "drawdown"); got != 0.3 {
		t.Fatalf("drawdown factor = %v, want floor 0.3", got)
	}
}

func TestKellyMonotonicity(t *testing.T) {
	s := testSizer()
	base := Inputs{
		EquityQuote: 100_000, SpotPrice: 150,
		BasisBps: 10, FundingAPR: 15, Confidence: 1,
	}
	// Non-decreasing in wl_ratio at fixed p. Keep b small enough that
	// the max-kelly clamp does not flatten the comparison.
	prev := -1.0
	for _, b := range []float64{0.8, 0.9, 1.0, 1.1, 1.2} {
		in := base
		in.Summary = perf.Summary{TradesTotal: 20, WinRate: 0.5, WLRatio: b}
		r := s.Size(in)
		if r.Fraction < prev {
			t.Fatalf("fraction decreased in wl_ratio: %v after %v", r.Fraction, prev)
		}
		prev = r.Fraction
	}
	// Non-decreasing in p at fixed wl_ratio.
	prev = -1.0
	for _, p := range []float64{0.40, 0.45, 0.50, 0.55} {
		in := base
		in.Summary = perf.Summary{TradesTotal: 20, WinRate: p, WLRatio: 1.0}
		r := s.Size(in)
		if r.Fraction < prev {
			t.Fatalf("fraction decreased in win rate: %v after %v", r.Fraction, prev)
		}
		prev = r.Fraction
	}
}

func TestDegenerateInputsSizeZero(t *testing.T) {
	s := testSizer()
	cases := []Inputs{
		{EquityQuote: math.NaN(), SpotPrice: 150, Confidence: 1},
		{EquityQuote: 100_000, SpotPrice: 0, Confidence: 1},
		{EquityQuote: 100_000, SpotPrice: 150, BasisBps: math.Inf(1), Confidence: 1},
		{EquityQuote: -5, SpotPrice: 150, Confidence: 1},
	}
	for i, in := range cases {
		r := s.Size(in)
		if !r.SizeBase.IsZero() {
			t.Fatalf("case %d: size = %s, want 0", i, r.SizeBase)
		}
	}
}

func TestSizeClampedToMaxPosition(t *testing.T) {
	s := testSizer()
	r := s.Size(Inputs{
		EquityQuote: 10_000_000, SpotPrice: 150,
		Summary:    perf.Summary{TradesTotal: 5},
		BasisBps:   30, FundingAPR: 60, Confidence: 1,
	})
	got, _ := r.SizeBase.Float64()
	if got != 1000 {
		t.Fatalf("size = %v, want clamp 1000", got)
	}
}
