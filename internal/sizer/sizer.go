package sizer

import (
	"math"

	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/perf"

	"github.com/shopspring/decimal"
)

// Adjustment names one multiplicative step of the sizing pipeline so
// the final size can be explained in logs.
type Adjustment struct {
	Name   string
	Factor float64
}

type Inputs struct {
	EquityQuote float64
	SpotPrice   float64
	Summary     perf.Summary
	BasisBps    float64
	FundingAPR  float64
	Confidence  float64
	DrawdownPct float64
}

type Result struct {
	SizeBase  decimal.Decimal
	Fraction  float64
	Rationale []Adjustment
}

type Sizer struct {
	cfg         config.SizerConfig
	minBasisBps float64
	minAPRPct   float64
	maxDrawdown float64
	maxSizeBase float64
}

func New(cfg config.SizerConfig, trading config.TradingConfig, risk config.RiskConfig) *Sizer {
	return &Sizer{
		cfg:         cfg,
		minBasisBps: trading.MinBasisBps,
		minAPRPct:   trading.MinFundingAPRPct,
		maxDrawdown: risk.MaxDrawdownPct,
		maxSizeBase: trading.MaxPositionSizeBase,
	}
}

// Size runs the Kelly pipeline: base fraction, streak and drawdown
// damping, then signal-strength scaling. Degenerate inputs size to
// zero rather than propagate.
func (s *Sizer) Size(in Inputs) Result {
	if !finite(in.EquityQuote) || !finite(in.SpotPrice) || in.EquityQuote <= 0 || in.SpotPrice <= 0 {
		return Result{SizeBase: decimal.Zero}
	}
	if !finite(in.BasisBps) || !finite(in.FundingAPR) || !finite(in.Confidence) || !finite(in.DrawdownPct) {
		return Result{SizeBase: decimal.Zero}
	}

	rationale := make([]Adjustment, 0, 6)

	fraction := s.kellyFraction(in.Summary, &rationale)
	fraction *= s.streakFactor(in.Summary.CurrentStreak, &rationale)
	fraction *= s.drawdownFactor(in.DrawdownPct, &rationale)
	fraction *= s.signalFactor(in, &rationale)

	cap := s.cfg.MaxKellyFraction * s.cfg.SignalCap
	if fraction > cap {
		rationale = append(rationale, Adjustment{Name: "cap", Factor: cap / fraction})
		fraction = cap
	}
	if fraction < 0 || !finite(fraction) {
		fraction = 0
	}

	size := in.EquityQuote * fraction / in.SpotPrice
	if !finite(size) || size < 0 {
		size = 0
	}
	if size > s.maxSizeBase {
		size = s.maxSizeBase
	}
	return Result{
		SizeBase:  decimal.NewFromFloat(size).RoundBank(9),
		Fraction:  fraction,
		Rationale: rationale,
	}
}

func (s *Sizer) kellyFraction(sum perf.Summary, rationale *[]Adjustment) float64 {
	if !s.cfg.EnableAdaptiveSizing || sum.TradesTotal < s.cfg.MinTradesForAdaptation {
		*rationale = append(*rationale, Adjustment{Name: "base_fraction", Factor: s.cfg.InitialBaseFraction})
		return s.cfg.InitialBaseFraction
	}
	p := sum.WinRate
	b := sum.WLRatio
	if b <= 0 || !finite(b) || !finite(p) {
		*rationale = append(*rationale, Adjustment{Name: "base_fraction", Factor: s.cfg.InitialBaseFraction})
		return s.cfg.InitialBaseFraction
	}
	kelly := (p*b - (1 - p)) / b
	if kelly < 0 {
		kelly = 0
	}
	if s.cfg.UseHalfKelly {
		kelly /= 2
	}
	if kelly > s.cfg.MaxKellyFraction {
		kelly = s.cfg.MaxKellyFraction
	}
	*rationale = append(*rationale, Adjustment{Name: "kelly", Factor: kelly})
	return kelly
}

// streakFactor shrinks on losing streaks (floor 0.3) and grows mildly
// on winning streaks (cap 1.2).
func (s *Sizer) streakFactor(streak int, rationale *[]Adjustment) float64 {
	factor := 1.0
	switch {
	case streak < 0:
		factor = 1 - 0.1*float64(-streak)
		if factor < 0.3 {
			factor = 0.3
		}
	case streak > 0:
		bonus := float64(streak)
		if bonus > 3 {
			bonus = 3
		}
		factor = 1 + 0.05*bonus
		if factor > 1.2 {
			factor = 1.2
		}
	}
	*rationale = append(*rationale, Adjustment{Name: "streak", Factor: factor})
	return factor
}

func (s *Sizer) drawdownFactor(drawdownPct float64, rationale *[]Adjustment) float64 {
	factor := 1.0
	if s.maxDrawdown > 0 && drawdownPct > 0 {
		factor = 1 - drawdownPct/s.maxDrawdown
		if factor < 0.3 {
			factor = 0.3
		}
	}
	*rationale = append(*rationale, Adjustment{Name: "drawdown", Factor: factor})
	return factor
}

func (s *Sizer) signalFactor(in Inputs, rationale *[]Adjustment) float64 {
	spread := 0.0
	if s.minBasisBps > 0 {
		spread = in.BasisBps / s.minBasisBps
	}
	if spread > 3 {
		spread = 3
	}
	if spread < 0 || !finite(spread) {
		spread = 0
	}
	funding := 0.0
	if s.minAPRPct > 0 && in.FundingAPR > 0 {
		funding = math.Sqrt(in.FundingAPR / s.minAPRPct)
	}
	if funding > 2 {
		funding = 2
	}
	if !finite(funding) {
		funding = 0
	}
	confidence := in.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	*rationale = append(*rationale,
		Adjustment{Name: "spread_multiple", Factor: spread},
		Adjustment{Name: "funding_multiple", Factor: funding},
		Adjustment{Name: "confidence", Factor: confidence},
	)
	return spread * funding * confidence
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
