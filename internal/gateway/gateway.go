package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/ledger"

	"github.com/shopspring/decimal"
)

// Gateway failures partition into three classes. Retryable and
// Timeout submissions may be retried with backoff; Fatal escalates to
// a pause.
var (
	ErrTimeout   = errors.New("gateway timeout")
	ErrRetryable = errors.New("gateway transient failure")
	ErrFatal     = errors.New("gateway fatal failure")
)

// LegError reports a paired submission where one leg filled and the
// other did not. The caller reverses the filled leg.
type LegError struct {
	FilledLeg ledger.LegKind
	Filled    Fill
	Unfilled  ledger.LegKind
	Err       error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("leg failure: %v leg filled, %v leg failed: %v", legName(e.FilledLeg), legName(e.Unfilled), e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

func legName(k ledger.LegKind) string {
	if k == ledger.LegPerp {
		return "perp"
	}
	return "spot"
}

type Fill struct {
	Price    decimal.Decimal
	Size     decimal.Decimal
	FeeQuote decimal.Decimal
	At       time.Time
}

type PairedFill struct {
	Spot Fill
	Perp Fill
}

type Bounds struct {
	MaxSlippageBps float64
}

type Balances struct {
	BaseAvailable  decimal.Decimal
	QuoteAvailable decimal.Decimal
	PerpCollateral decimal.Decimal
	PerpSize       decimal.Decimal
}

type SwapQuote struct {
	OutQuote       decimal.Decimal
	PriceImpactBps float64
	RouteHash      string
}

type SpotTick struct {
	Price         float64
	ConfidenceBps float64
	At            time.Time
}

type PerpTick struct {
	Mark              float64
	Index             float64
	FundingRateHourly float64
	NextFunding       time.Time
	At                time.Time
}

// MarketGateway is the venue capability surface the core consumes.
// Live and paper implementations are interchangeable.
type MarketGateway interface {
	SubscribeSpot(ctx context.Context) (<-chan SpotTick, error)
	SubscribePerp(ctx context.Context) (<-chan PerpTick, error)
	QuoteSwap(ctx context.Context, baseIn decimal.Decimal, side ledger.Side) (SwapQuote, error)
	SubmitPairedOpen(ctx context.Context, sizeBase decimal.Decimal, bounds Bounds) (PairedFill, error)
	SubmitClose(ctx context.Context, spotSize, perpSize decimal.Decimal, bounds Bounds) (PairedFill, error)
	SubmitAdjust(ctx context.Context, leg ledger.LegKind, deltaBase decimal.Decimal, bounds Bounds) (Fill, error)
	Balances(ctx context.Context) (Balances, error)
	Healthy() bool
}
