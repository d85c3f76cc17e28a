package signal

import (
	"math"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/engine"
	"github.com/bmwtx3/sol-basis-bot/internal/ledger"
	"github.com/bmwtx3/sol-basis-bot/internal/market"
	"github.com/bmwtx3/sol-basis-bot/internal/reversal"
	"github.com/bmwtx3/sol-basis-bot/internal/sizer"

	"github.com/shopspring/decimal"
)

type Kind int

const (
	Noop Kind = iota
	OpenBasis
	CloseBasis
	Rebalance
)

func (k Kind) String() string {
	switch k {
	case OpenBasis:
		return "OpenBasis"
	case CloseBasis:
		return "CloseBasis"
	case Rebalance:
		return "Rebalance"
	default:
		return "Noop"
	}
}

// Intent is the typed output of one evaluation tick.
type Intent struct {
	Kind        Kind
	SizeBase    decimal.Decimal
	Confidence  float64
	Rationale   []sizer.Adjustment
	CloseReason ledger.CloseReason
	DeltaBase   float64
	Leg         ledger.LegKind
}

// Inputs is the immutable view one tick evaluates. Everything is
// captured up front so identical inputs always produce the identical
// intent.
type Inputs struct {
	Now              time.Time
	Snapshot         market.Snapshot
	Funding          engine.FundingStats
	FundingOK        bool
	Reversal         reversal.Severity
	HavePosition     bool
	SpotSizeBase     float64
	PerpSizeBase     float64
	UnrealizedQuote  float64
	NotionalQuote    float64
	LastTradeAt      time.Time
	RebalanceAllowed bool
	ProposedSize     decimal.Decimal
	SizeRationale    []sizer.Adjustment
}

const openConfidenceFloor = 0.80

// Confidence weights. Condition strengths are normalized into [0, 1]
// before weighting; the weights sum to 1.
const (
	weightBasis    = 0.35
	weightFunding  = 0.35
	weightSign     = 0.15
	weightReversal = 0.15
)

type Engine struct {
	trading  config.TradingConfig
	risk     config.RiskConfig
	reversal config.ReversalConfig
	rebal    config.RebalanceConfig
}

func NewEngine(trading config.TradingConfig, risk config.RiskConfig, rev config.ReversalConfig, rebal config.RebalanceConfig) *Engine {
	return &Engine{trading: trading, risk: risk, reversal: rev, rebal: rebal}
}

// Evaluate reduces one tick's inputs to an intent. Close always beats
// Rebalance when both are eligible.
func (e *Engine) Evaluate(in Inputs) Intent {
	if in.HavePosition {
		if intent, ok := e.closeIntent(in); ok {
			return intent
		}
		if intent, ok := e.rebalanceIntent(in); ok {
			return intent
		}
		return Intent{Kind: Noop}
	}
	if intent, ok := e.openIntent(in); ok {
		return intent
	}
	return Intent{Kind: Noop}
}

func (e *Engine) openIntent(in Inputs) (Intent, bool) {
	if !in.FundingOK {
		return Intent{}, false
	}
	basis, ok := engine.SpreadBps(in.Snapshot.SpotPrice, in.Snapshot.PerpMarkPrice)
	if !ok {
		return Intent{}, false
	}
	if basis < e.trading.MinBasisBps {
		return Intent{}, false
	}
	if in.Funding.APRPct < e.trading.MinFundingAPRPct {
		return Intent{}, false
	}
	// Carry only works when the perp trades rich and shorts get paid:
	// both basis and funding must be positive together.
	if (basis > 0) != (in.Funding.LastRate > 0) {
		return Intent{}, false
	}
	if !in.LastTradeAt.IsZero() && in.Now.Sub(in.LastTradeAt) < e.trading.MinTradeInterval {
		return Intent{}, false
	}
	if in.Reversal > reversal.Low {
		return Intent{}, false
	}
	if in.ProposedSize.IsZero() || in.ProposedSize.IsNegative() {
		return Intent{}, false
	}
	confidence := e.confidence(basis, in)
	if confidence < openConfidenceFloor {
		return Intent{}, false
	}
	return Intent{
		Kind:       OpenBasis,
		SizeBase:   in.ProposedSize,
		Confidence: confidence,
		Rationale:  in.SizeRationale,
	}, true
}

// Confidence scores an open setup in [0, 1] without emitting an
// intent. The sizer consumes it as its signal-strength input.
func (e *Engine) Confidence(in Inputs) float64 {
	basis, ok := engine.SpreadBps(in.Snapshot.SpotPrice, in.Snapshot.PerpMarkPrice)
	if !ok {
		return 0
	}
	return e.confidence(basis, in)
}

func (e *Engine) confidence(basis float64, in Inputs) float64 {
	basisStrength := clamp01(basis / e.trading.MinBasisBps / 2)
	fundingStrength := clamp01(in.Funding.APRPct / e.trading.MinFundingAPRPct / 2)
	sign := 0.0
	if basis > 0 && in.Funding.LastRate > 0 {
		sign = 1
	}
	revClear := 0.0
	switch in.Reversal {
	case reversal.None:
		revClear = 1
	case reversal.Low:
		revClear = 0.5
	}
	score := basisStrength*weightBasis + fundingStrength*weightFunding +
		sign*weightSign + revClear*weightReversal
	return clamp01(score)
}

func (e *Engine) closeIntent(in Inputs) (Intent, bool) {
	if in.NotionalQuote > 0 && in.UnrealizedQuote <= -e.risk.StopLossPct/100*in.NotionalQuote {
		return Intent{Kind: CloseBasis, CloseReason: ledger.ReasonStopLoss}, true
	}
	if in.Reversal == reversal.Critical && e.reversal.ForceCloseOnCriticalReversal {
		return Intent{Kind: CloseBasis, CloseReason: ledger.ReasonReversal}, true
	}
	basis, ok := engine.SpreadBps(in.Snapshot.SpotPrice, in.Snapshot.PerpMarkPrice)
	if ok && math.Abs(basis) <= e.trading.CloseThresholdBps {
		return Intent{Kind: CloseBasis, CloseReason: ledger.ReasonConvergence}, true
	}
	return Intent{}, false
}

func (e *Engine) rebalanceIntent(in Inputs) (Intent, bool) {
	if !in.RebalanceAllowed {
		return Intent{}, false
	}
	if _, _, ok := engine.HedgeRatio(in.SpotSizeBase, in.PerpSizeBase); !ok {
		return Intent{}, false
	}
	// Exactly at the threshold does not trigger. The comparison is
	// kept multiplication-only so the boundary does not flap on
	// division rounding.
	delta := in.SpotSizeBase - in.PerpSizeBase
	if math.Abs(delta)*100 <= e.rebal.DriftThresholdPct*in.SpotSizeBase {
		return Intent{}, false
	}
	if math.Abs(delta) < e.rebal.MinRebalanceBase {
		return Intent{}, false
	}
	leg := ledger.LegPerp
	if delta < 0 {
		leg = ledger.LegSpot
	}
	return Intent{Kind: Rebalance, DeltaBase: delta, Leg: leg}, true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
