package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/clock"
	"github.com/bmwtx3/sol-basis-bot/internal/ledger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderPoster executes signed order flow against the venue. Keeping
// it behind an interface keeps transaction encoding and signing out
// of the core.
type OrderPoster interface {
	PostPairedOpen(ctx context.Context, sizeBase decimal.Decimal, bounds Bounds) (PairedFill, error)
	PostClose(ctx context.Context, spotSize, perpSize decimal.Decimal, bounds Bounds) (PairedFill, error)
	PostAdjust(ctx context.Context, leg ledger.LegKind, deltaBase decimal.Decimal, bounds Bounds) (Fill, error)
	PostBalances(ctx context.Context) (Balances, error)
}

// Live bridges websocket market data and the order poster into the
// MarketGateway surface.
type Live struct {
	ws          *WSClient
	rest        *RESTClient
	poster      OrderPoster
	clk         clock.Clock
	spotAsset   string
	perpAsset   string
	healthGrace time.Duration
	log         *zap.Logger

	lastMsgNano atomic.Int64

	mu       sync.Mutex
	spotSubs []chan SpotTick
	perpSubs []chan PerpTick
}

func NewLive(ws *WSClient, rest *RESTClient, poster OrderPoster, clk clock.Clock, spotAsset, perpAsset string, healthGrace time.Duration, log *zap.Logger) *Live {
	return &Live{
		ws:          ws,
		rest:        rest,
		poster:      poster,
		clk:         clk,
		spotAsset:   spotAsset,
		perpAsset:   perpAsset,
		healthGrace: healthGrace,
		log:         log,
	}
}

// SetPoster installs the order execution backend. Call before Run;
// without one, all submissions fail fatal.
func (l *Live) SetPoster(p OrderPoster) {
	l.poster = p
}

// Run drives the websocket loop until the context ends.
func (l *Live) Run(ctx context.Context) error {
	if err := l.ws.Subscribe(ctx, map[string]any{"method": "subscribe", "channel": "spot", "asset": l.spotAsset}); err != nil {
		return err
	}
	if err := l.ws.Subscribe(ctx, map[string]any{"method": "subscribe", "channel": "perp", "asset": l.perpAsset}); err != nil {
		return err
	}
	return l.ws.Run(ctx, l.handleMessage)
}

func (l *Live) handleMessage(raw json.RawMessage) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	l.lastMsgNano.Store(l.clk.Now().UnixNano())
	channel := ""
	if m, ok := payload.(map[string]any); ok {
		if ch, ok := m["channel"].(string); ok {
			channel = ch
		}
	}
	switch channel {
	case "spot":
		if tick, ok := ParseSpotTick(payload); ok {
			if tick.At.IsZero() {
				tick.At = l.clk.Now()
			}
			l.fanOutSpot(tick)
		}
	case "perp":
		if tick, ok := ParsePerpTick(payload); ok {
			if tick.At.IsZero() {
				tick.At = l.clk.Now()
			}
			l.fanOutPerp(tick)
		}
	}
}

func (l *Live) fanOutSpot(tick SpotTick) {
	l.mu.Lock()
	subs := append([]chan SpotTick(nil), l.spotSubs...)
	l.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
}

func (l *Live) fanOutPerp(tick PerpTick) {
	l.mu.Lock()
	subs := append([]chan PerpTick(nil), l.perpSubs...)
	l.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
}

func (l *Live) SubscribeSpot(ctx context.Context) (<-chan SpotTick, error) {
	ch := make(chan SpotTick, 64)
	l.mu.Lock()
	l.spotSubs = append(l.spotSubs, ch)
	l.mu.Unlock()
	return ch, nil
}

func (l *Live) SubscribePerp(ctx context.Context) (<-chan PerpTick, error) {
	ch := make(chan PerpTick, 64)
	l.mu.Lock()
	l.perpSubs = append(l.perpSubs, ch)
	l.mu.Unlock()
	return ch, nil
}

func (l *Live) QuoteSwap(ctx context.Context, baseIn decimal.Decimal, side ledger.Side) (SwapQuote, error) {
	sideName := "buy"
	if side == ledger.Short {
		sideName = "sell"
	}
	payload, err := l.rest.Info(ctx, map[string]any{
		"type":  "quoteSwap",
		"asset": l.spotAsset,
		"size":  baseIn.String(),
		"side":  sideName,
	})
	if err != nil {
		return SwapQuote{}, err
	}
	data, ok := payload.(map[string]any)
	if !ok {
		return SwapQuote{}, fmt.Errorf("%w: unexpected quote payload", ErrRetryable)
	}
	out, ok := floatFromMap(data, "outQuote", "out", "outAmount")
	if !ok {
		return SwapQuote{}, fmt.Errorf("%w: quote missing amount", ErrRetryable)
	}
	quote := SwapQuote{OutQuote: decimal.NewFromFloat(out).RoundBank(ledger.QuoteScale)}
	if impact, ok := floatFromMap(data, "priceImpactBps", "impactBps"); ok {
		quote.PriceImpactBps = impact
	}
	if route, ok := data["routeHash"].(string); ok {
		quote.RouteHash = route
	}
	return quote, nil
}

func (l *Live) SubmitPairedOpen(ctx context.Context, sizeBase decimal.Decimal, bounds Bounds) (PairedFill, error) {
	if l.poster == nil {
		return PairedFill{}, fmt.Errorf("%w: no order poster configured", ErrFatal)
	}
	return l.poster.PostPairedOpen(ctx, sizeBase, bounds)
}

func (l *Live) SubmitClose(ctx context.Context, spotSize, perpSize decimal.Decimal, bounds Bounds) (PairedFill, error) {
	if l.poster == nil {
		return PairedFill{}, fmt.Errorf("%w: no order poster configured", ErrFatal)
	}
	return l.poster.PostClose(ctx, spotSize, perpSize, bounds)
}

func (l *Live) SubmitAdjust(ctx context.Context, leg ledger.LegKind, deltaBase decimal.Decimal, bounds Bounds) (Fill, error) {
	if l.poster == nil {
		return Fill{}, fmt.Errorf("%w: no order poster configured", ErrFatal)
	}
	return l.poster.PostAdjust(ctx, leg, deltaBase, bounds)
}

func (l *Live) Balances(ctx context.Context) (Balances, error) {
	if l.poster == nil {
		return Balances{}, fmt.Errorf("%w: no order poster configured", ErrFatal)
	}
	return l.poster.PostBalances(ctx)
}

// Healthy is false once no websocket message has arrived within the
// grace window.
func (l *Live) Healthy() bool {
	last := l.lastMsgNano.Load()
	if last == 0 {
		return false
	}
	return l.clk.Now().UnixNano()-last <= int64(l.healthGrace)
}
