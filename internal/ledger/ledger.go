package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Monetary scales: base asset amounts carry 9 fractional digits,
// quote/USD amounts carry 6. Rounding is half-even.
const (
	BaseScale  = 9
	QuoteScale = 6
)

var (
	ErrPositionOpen = errors.New("a position is already open")
	ErrNoPosition   = errors.New("no open position")
	ErrInvalidLeg   = errors.New("invalid leg parameters")
)

type LegKind int

const (
	LegSpot LegKind = iota
	LegPerp
)

type Side int

const (
	Long Side = iota
	Short
)

type Leg struct {
	Kind       LegKind
	Side       Side
	SizeBase   decimal.Decimal
	EntryPrice decimal.Decimal
	Mark       decimal.Decimal
}

// Position is the paired long-spot / short-perp holding.
type Position struct {
	Spot            Leg
	Perp            Leg
	OpenedAt        time.Time
	CumFundingQuote decimal.Decimal
	BasisAtOpenBps  float64
	APRAtOpenPct    float64
}

type CloseReason string

const (
	ReasonConvergence CloseReason = "Convergence"
	ReasonStopLoss    CloseReason = "StopLoss"
	ReasonDrawdown    CloseReason = "Drawdown"
	ReasonReversal    CloseReason = "Reversal"
	ReasonManual      CloseReason = "Manual"
	ReasonRebalance   CloseReason = "Rebalance"
	ReasonError       CloseReason = "Error"
)

// TradeOutcome is the persisted record of one round trip. TradeID is
// assigned by the performance journal on append.
type TradeOutcome struct {
	TradeID              uint64
	OpenedAt             time.Time
	ClosedAt             time.Time
	SizeBase             decimal.Decimal
	GrossQuotePnL        decimal.Decimal
	FeesQuote            decimal.Decimal
	FundingReceivedQuote decimal.Decimal
	NetQuotePnL          decimal.Decimal
	ROIPct               float64
	BasisAtOpenBps       float64
	BasisAtCloseBps      float64
	FundingAPRAtOpenPct  float64
	Win                  bool
	CloseReason          CloseReason
}

// Ledger owns the current position and realized P&L. One writer;
// readers take point-in-time copies.
type Ledger struct {
	mu        sync.RWMutex
	pos       *Position
	realized  decimal.Decimal
	feesTotal decimal.Decimal
}

func New() *Ledger {
	return &Ledger{}
}

type OpenParams struct {
	SpotPrice      decimal.Decimal
	PerpPrice      decimal.Decimal
	SpotSize       decimal.Decimal
	PerpSize       decimal.Decimal
	OpenedAt       time.Time
	BasisAtOpenBps float64
	APRAtOpenPct   float64
}

func (l *Ledger) Open(p OpenParams) error {
	if p.SpotSize.IsZero() || p.SpotSize.IsNegative() || p.PerpSize.IsZero() || p.PerpSize.IsNegative() {
		return ErrInvalidLeg
	}
	if p.SpotPrice.IsZero() || p.SpotPrice.IsNegative() || p.PerpPrice.IsZero() || p.PerpPrice.IsNegative() {
		return ErrInvalidLeg
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pos != nil {
		return ErrPositionOpen
	}
	l.pos = &Position{
		Spot: Leg{
			Kind:       LegSpot,
			Side:       Long,
			SizeBase:   p.SpotSize.RoundBank(BaseScale),
			EntryPrice: p.SpotPrice.RoundBank(QuoteScale),
			Mark:       p.SpotPrice.RoundBank(QuoteScale),
		},
		Perp: Leg{
			Kind:       LegPerp,
			Side:       Short,
			SizeBase:   p.PerpSize.RoundBank(BaseScale),
			EntryPrice: p.PerpPrice.RoundBank(QuoteScale),
			Mark:       p.PerpPrice.RoundBank(QuoteScale),
		},
		OpenedAt:       p.OpenedAt,
		BasisAtOpenBps: p.BasisAtOpenBps,
		APRAtOpenPct:   p.APRAtOpenPct,
	}
	return nil
}

func (l *Ledger) UpdateMarks(spot, perp decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pos == nil {
		return ErrNoPosition
	}
	if spot.IsPositive() {
		l.pos.Spot.Mark = spot.RoundBank(QuoteScale)
	}
	if perp.IsPositive() {
		l.pos.Perp.Mark = perp.RoundBank(QuoteScale)
	}
	return nil
}

// ApplyFunding accrues a funding payment on the open position.
func (l *Ledger) ApplyFunding(amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pos == nil {
		return ErrNoPosition
	}
	l.pos.CumFundingQuote = l.pos.CumFundingQuote.Add(amount).RoundBank(QuoteScale)
	return nil
}

// AdjustLeg moves one leg's size by delta, keeping the entry price.
// Used by rebalancing; negative delta reduces.
func (l *Ledger) AdjustLeg(kind LegKind, delta decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pos == nil {
		return ErrNoPosition
	}
	leg := &l.pos.Spot
	if kind == LegPerp {
		leg = &l.pos.Perp
	}
	next := leg.SizeBase.Add(delta).RoundBank(BaseScale)
	if next.IsNegative() {
		return ErrInvalidLeg
	}
	leg.SizeBase = next
	return nil
}

type CloseParams struct {
	SpotPrice       decimal.Decimal
	PerpPrice       decimal.Decimal
	FeesQuote       decimal.Decimal
	ClosedAt        time.Time
	BasisAtCloseBps float64
	Reason          CloseReason
}

// Close settles both legs and returns the trade outcome. The spot leg
// realizes (exit - entry) * size, the short perp realizes
// (entry - exit) * size, and accrued funding is added on top.
func (l *Ledger) Close(p CloseParams) (TradeOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pos == nil {
		return TradeOutcome{}, ErrNoPosition
	}
	pos := l.pos

	spotPnL := p.SpotPrice.Sub(pos.Spot.EntryPrice).Mul(pos.Spot.SizeBase)
	perpPnL := pos.Perp.EntryPrice.Sub(p.PerpPrice).Mul(pos.Perp.SizeBase)
	gross := spotPnL.Add(perpPnL).RoundBank(QuoteScale)
	net := gross.Add(pos.CumFundingQuote).Sub(p.FeesQuote).RoundBank(QuoteScale)

	notional := pos.Spot.EntryPrice.Mul(pos.Spot.SizeBase)
	roi := 0.0
	if notional.IsPositive() {
		roi, _ = net.Div(notional).Mul(decimal.NewFromInt(100)).Float64()
	}

	outcome := TradeOutcome{
		OpenedAt:             pos.OpenedAt,
		ClosedAt:             p.ClosedAt,
		SizeBase:             pos.Spot.SizeBase,
		GrossQuotePnL:        gross,
		FeesQuote:            p.FeesQuote.RoundBank(QuoteScale),
		FundingReceivedQuote: pos.CumFundingQuote,
		NetQuotePnL:          net,
		ROIPct:               roi,
		BasisAtOpenBps:       pos.BasisAtOpenBps,
		BasisAtCloseBps:      p.BasisAtCloseBps,
		FundingAPRAtOpenPct:  pos.APRAtOpenPct,
		Win:                  net.IsPositive(),
		CloseReason:          p.Reason,
	}

	l.realized = l.realized.Add(net)
	l.feesTotal = l.feesTotal.Add(p.FeesQuote)
	l.pos = nil
	return outcome, nil
}

// Current returns a copy of the open position, if any.
func (l *Ledger) Current() (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pos == nil {
		return Position{}, false
	}
	return *l.pos, true
}

// PnL reports realized and unrealized quote P&L. Unrealized is the
// sum over legs of (mark - entry) * signed size plus accrued funding.
func (l *Ledger) PnL() (realized, unrealized decimal.Decimal) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	realized = l.realized
	if l.pos == nil {
		return realized, decimal.Zero
	}
	spot := l.pos.Spot.Mark.Sub(l.pos.Spot.EntryPrice).Mul(l.pos.Spot.SizeBase)
	perp := l.pos.Perp.EntryPrice.Sub(l.pos.Perp.Mark).Mul(l.pos.Perp.SizeBase)
	unrealized = spot.Add(perp).Add(l.pos.CumFundingQuote).RoundBank(QuoteScale)
	return realized, unrealized
}

// NotionalQuote reports the open position's entry notional on the
// spot leg, zero when flat.
func (l *Ledger) NotionalQuote() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pos == nil {
		return decimal.Zero
	}
	return l.pos.Spot.EntryPrice.Mul(l.pos.Spot.SizeBase).RoundBank(QuoteScale)
}
