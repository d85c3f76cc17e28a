package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/clock"
	"github.com/bmwtx3/sol-basis-bot/internal/ledger"
	"github.com/bmwtx3/sol-basis-bot/internal/market"

	"github.com/shopspring/decimal"
)

// Paper fills orders against the snapshot store at the current marks
// minus configured slippage and fees. Fully deterministic.
type Paper struct {
	store       *market.Store
	clk         clock.Clock
	slippageBps decimal.Decimal
	feeBps      decimal.Decimal

	mu    sync.Mutex
	quote decimal.Decimal
	base  decimal.Decimal
	perp  decimal.Decimal
}

func NewPaper(store *market.Store, clk clock.Clock, slippageBps, feeBps, startingQuote float64) *Paper {
	return &Paper{
		store:       store,
		clk:         clk,
		slippageBps: decimal.NewFromFloat(slippageBps),
		feeBps:      decimal.NewFromFloat(feeBps),
		quote:       decimal.NewFromFloat(startingQuote),
	}
}

// SubscribeSpot returns a closed stream: in paper mode the feeds are
// published straight into the snapshot store by the test or replay
// driver, not through the gateway.
func (p *Paper) SubscribeSpot(ctx context.Context) (<-chan SpotTick, error) {
	ch := make(chan SpotTick)
	close(ch)
	return ch, nil
}

func (p *Paper) SubscribePerp(ctx context.Context) (<-chan PerpTick, error) {
	ch := make(chan PerpTick)
	close(ch)
	return ch, nil
}

func (p *Paper) QuoteSwap(ctx context.Context, baseIn decimal.Decimal, side ledger.Side) (SwapQuote, error) {
	snap, err := p.store.Compose(p.clk.Now())
	if err != nil {
		return SwapQuote{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	price := p.slip(decimal.NewFromFloat(snap.SpotPrice), side == ledger.Long)
	return SwapQuote{
		OutQuote:       baseIn.Mul(price).RoundBank(ledger.QuoteScale),
		PriceImpactBps: 0,
		RouteHash:      "paper",
	}, nil
}

func (p *Paper) SubmitPairedOpen(ctx context.Context, sizeBase decimal.Decimal, bounds Bounds) (PairedFill, error) {
	if sizeBase.IsZero() || sizeBase.IsNegative() {
		return PairedFill{}, fmt.Errorf("%w: non-positive size", ErrFatal)
	}
	snap, err := p.store.Compose(p.clk.Now())
	if err != nil {
		return PairedFill{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	now := p.clk.Now()
	spotPrice := p.slip(decimal.NewFromFloat(snap.SpotPrice), true)
	perpPrice := p.slip(decimal.NewFromFloat(snap.PerpMarkPrice), false)
	spotFill := p.fill(spotPrice, sizeBase, now)
	perpFill := p.fill(perpPrice, sizeBase, now)

	p.mu.Lock()
	cost := spotFill.Price.Mul(sizeBase).Add(spotFill.FeeQuote).Add(perpFill.FeeQuote)
	p.quote = p.quote.Sub(cost)
	p.base = p.base.Add(sizeBase)
	p.perp = p.perp.Add(sizeBase)
	p.mu.Unlock()
	return PairedFill{Spot: spotFill, Perp: perpFill}, nil
}

func (p *Paper) SubmitClose(ctx context.Context, spotSize, perpSize decimal.Decimal, bounds Bounds) (PairedFill, error) {
	snap, err := p.store.Compose(p.clk.Now())
	if err != nil {
		return PairedFill{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	now := p.clk.Now()
	spotPrice := p.slip(decimal.NewFromFloat(snap.SpotPrice), false)
	perpPrice := p.slip(decimal.NewFromFloat(snap.PerpMarkPrice), true)
	spotFill := p.fill(spotPrice, spotSize, now)
	perpFill := p.fill(perpPrice, perpSize, now)

	p.mu.Lock()
	proceeds := spotFill.Price.Mul(spotSize).Sub(spotFill.FeeQuote).Sub(perpFill.FeeQuote)
	p.quote = p.quote.Add(proceeds)
	p.base = p.base.Sub(spotSize)
	p.perp = p.perp.Sub(perpSize)
	p.mu.Unlock()
	return PairedFill{Spot: spotFill, Perp: perpFill}, nil
}

func (p *Paper) SubmitAdjust(ctx context.Context, leg ledger.LegKind, deltaBase decimal.Decimal, bounds Bounds) (Fill, error) {
	snap, err := p.store.Compose(p.clk.Now())
	if err != nil {
		return Fill{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	now := p.clk.Now()
	mark := decimal.NewFromFloat(snap.PerpMarkPrice)
	if leg == ledger.LegSpot {
		mark = decimal.NewFromFloat(snap.SpotPrice)
	}
	price := p.slip(mark, deltaBase.IsPositive())
	fill := p.fill(price, deltaBase.Abs(), now)

	p.mu.Lock()
	if leg == ledger.LegSpot {
		p.base = p.base.Add(deltaBase)
		p.quote = p.quote.Sub(price.Mul(deltaBase)).Sub(fill.FeeQuote)
	} else {
		p.perp = p.perp.Add(deltaBase)
		p.quote = p.quote.Sub(fill.FeeQuote)
	}
	p.mu.Unlock()
	return fill, nil
}

func (p *Paper) Balances(ctx context.Context) (Balances, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Balances{
		BaseAvailable:  p.base,
		QuoteAvailable: p.quote,
		PerpCollateral: p.quote,
		PerpSize:       p.perp,
	}, nil
}

func (p *Paper) Healthy() bool { return true }

// EquityQuote marks base holdings at the current spot and adds quote.
func (p *Paper) EquityQuote() decimal.Decimal {
	snap, err := p.store.Compose(p.clk.Now())
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		return p.quote
	}
	return p.quote.Add(p.base.Mul(decimal.NewFromFloat(snap.SpotPrice))).RoundBank(ledger.QuoteScale)
}

func (p *Paper) slip(price decimal.Decimal, worse bool) decimal.Decimal {
	adj := price.Mul(p.slippageBps).Div(decimal.NewFromInt(10_000))
	if worse {
		return price.Add(adj).RoundBank(ledger.QuoteScale)
	}
	return price.Sub(adj).RoundBank(ledger.QuoteScale)
}

func (p *Paper) fill(price, size decimal.Decimal, at time.Time) Fill {
	fee := price.Mul(size).Mul(p.feeBps).Div(decimal.NewFromInt(10_000)).RoundBank(ledger.QuoteScale)
	return Fill{Price: price, Size: size, FeeQuote: fee, At: at}
}
