package rebalance

import (
	"context"
	"sync"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/ledger"
	"github.com/bmwtx3/sol-basis-bot/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Plan is a symmetric hedge correction: half the imbalance comes off
// the oversized leg and half is added to the undersized leg.
type Plan struct {
	ReduceLeg  ledger.LegKind
	AddLeg     ledger.LegKind
	PerLegBase decimal.Decimal
}

// Split computes the correction for the current leg sizes. Returns
// false when the legs are balanced or the imbalance is below the
// minimum tradable size.
func Split(spotSize, perpSize decimal.Decimal, minRebalanceBase float64) (Plan, bool) {
	delta := spotSize.Sub(perpSize)
	if delta.IsZero() {
		return Plan{}, false
	}
	if delta.Abs().LessThan(decimal.NewFromFloat(minRebalanceBase)) {
		return Plan{}, false
	}
	perLeg := delta.Abs().Div(decimal.NewFromInt(2)).RoundBank(ledger.BaseScale)
	if delta.IsPositive() {
		return Plan{ReduceLeg: ledger.LegSpot, AddLeg: ledger.LegPerp, PerLegBase: perLeg}, true
	}
	return Plan{ReduceLeg: ledger.LegPerp, AddLeg: ledger.LegSpot, PerLegBase: perLeg}, true
}

// Limiter is a rolling-hour token bucket over rebalance executions.
// Stamps persist through the operational store so a restart does not
// reset the budget.
type Limiter struct {
	maxPerHour int
	ops        *state.Ops
	log        *zap.Logger

	mu     sync.Mutex
	stamps []time.Time
}

func NewLimiter(cfg config.RebalanceConfig, ops *state.Ops, log *zap.Logger) *Limiter {
	return &Limiter{maxPerHour: cfg.MaxRebalancesPerHr, ops: ops, log: log}
}

// Restore loads persisted stamps. Call once at startup.
func (l *Limiter) Restore(ctx context.Context) error {
	if l.ops == nil {
		return nil
	}
	stamps, err := l.ops.RebalanceStamps(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.stamps = stamps
	l.mu.Unlock()
	return nil
}

// Allowed reports whether a rebalance may execute now.
func (l *Limiter) Allowed(now time.Time) bool {
	if l.maxPerHour <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return len(l.stamps) < l.maxPerHour
}

// Record consumes one token and persists the updated window.
func (l *Limiter) Record(ctx context.Context, now time.Time) {
	l.mu.Lock()
	l.prune(now)
	l.stamps = append(l.stamps, now)
	stamps := append([]time.Time(nil), l.stamps...)
	l.mu.Unlock()
	if l.ops == nil {
		return
	}
	if err := l.ops.SaveRebalanceStamps(ctx, stamps); err != nil && l.log != nil {
		l.log.Warn("failed to persist rebalance stamps", zap.Error(err))
	}
}

// Used reports how many tokens are consumed in the current window.
func (l *Limiter) Used(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return len(l.stamps)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := l.stamps[:0]
	for _, at := range l.stamps {
		if at.Before(cutoff) {
			continue
		}
		kept = append(kept, at)
	}
	l.stamps = kept
}
