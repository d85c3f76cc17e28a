package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/clock"
	"github.com/bmwtx3/sol-basis-bot/internal/gateway"
	"github.com/bmwtx3/sol-basis-bot/internal/ledger"
	"github.com/bmwtx3/sol-basis-bot/internal/perf"
	"github.com/bmwtx3/sol-basis-bot/internal/rebalance"
	"github.com/bmwtx3/sol-basis-bot/internal/risk"
	"github.com/bmwtx3/sol-basis-bot/internal/signal"
	"github.com/bmwtx3/sol-basis-bot/internal/state"
	"github.com/bmwtx3/sol-basis-bot/internal/telemetry"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notifier delivers operator alerts. alerts.Telegram satisfies it.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Config struct {
	LegTimeout       time.Duration
	SlippageBoundBps float64
	MinRebalanceBase float64
	PaperMode        bool
}

type Deps struct {
	Gateway    gateway.MarketGateway
	Retrier    *gateway.Retrier
	Book       *ledger.Ledger
	Perf       *perf.DB
	Bus        *telemetry.Bus
	Metrics    *telemetry.Metrics
	Ops        *state.Ops
	Risk       *risk.Manager
	Limiter    *rebalance.Limiter
	FundingAPR func() float64
	Clock      clock.Clock
	Log        *zap.Logger
	Notifier   Notifier
}

// Agent is the single serialization point for position-mutating
// actions. Intents arrive through a bounded mailbox; pause requests
// ride a priority channel that jumps the queue.
type Agent struct {
	cfg  Config
	deps Deps
	sm   *StateMachine

	intents chan signal.Intent
	pauses  chan risk.Trip
	resumes chan resumeRequest

	openFeesQuote decimal.Decimal
	pausedBy      string
}

type resumeRequest struct {
	ack  bool
	done chan error
}

func New(cfg Config, deps Deps) *Agent {
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoop()
	}
	return &Agent{
		cfg:     cfg,
		deps:    deps,
		sm:      NewStateMachine(),
		intents: make(chan signal.Intent, 16),
		pauses:  make(chan risk.Trip, 4),
		resumes: make(chan resumeRequest, 1),
	}
}

func (a *Agent) State() State { return a.sm.State() }

// PausedBy names the cause of the current pause, empty when not
// paused.
func (a *Agent) PausedBy() string { return a.pausedBy }

// Enqueue offers an intent to the mailbox. A full mailbox drops the
// intent; the next tick re-derives it from fresh data.
func (a *Agent) Enqueue(intent signal.Intent) bool {
	select {
	case a.intents <- intent:
		return true
	default:
		return false
	}
}

// RequestPause asks the agent to pause. Never blocks.
func (a *Agent) RequestPause(trip risk.Trip) bool {
	select {
	case a.pauses <- trip:
		return true
	default:
		return false
	}
}

// RequestResume asks the agent to leave Paused. ack acknowledges a
// gated pause.
func (a *Agent) RequestResume(ctx context.Context, ack bool) error {
	req := resumeRequest{ack: ack, done: make(chan error, 1)}
	select {
	case a.resumes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the mailbox until the context ends. Pause requests take
// priority over pending intents.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case trip := <-a.pauses:
			a.HandlePause(ctx, trip)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trip := <-a.pauses:
			a.HandlePause(ctx, trip)
		case intent := <-a.intents:
			a.HandleIntent(ctx, intent)
		case req := <-a.resumes:
			req.done <- a.handleResume(ctx, req.ack)
		}
	}
}

// HandleIntent executes one intent synchronously. Run calls this;
// tests may drive it directly.
func (a *Agent) HandleIntent(ctx context.Context, intent signal.Intent) {
	// Paused and Error both mean "stop actuating"; intents queued before
	// the halt landed are dropped, not deferred.
	if st := a.sm.State(); st == StatePaused || st == StateError {
		a.deps.Log.Debug("intent dropped while halted",
			zap.Stringer("kind", intent.Kind), zap.Stringer("state", st))
		return
	}
	switch intent.Kind {
	case signal.OpenBasis:
		a.open(ctx, intent)
	case signal.CloseBasis:
		a.close(ctx, intent.CloseReason)
	case signal.Rebalance:
		a.rebalanceHedge(ctx)
	}
}

func (a *Agent) open(ctx context.Context, intent signal.Intent) {
	if _, err := a.apply(ctx, evOpen); err != nil {
		return
	}
	now := a.deps.Clock.Now()
	bounds := gateway.Bounds{MaxSlippageBps: a.cfg.SlippageBoundBps}
	cloid := gateway.NewClientOrderID("open")

	callCtx, cancel := context.WithTimeout(ctx, a.legTimeout())
	fill, err := a.deps.Retrier.Paired(callCtx, cloid, func() (gateway.PairedFill, error) {
		return a.deps.Gateway.SubmitPairedOpen(callCtx, intent.SizeBase, bounds)
	})
	cancel()
	if err != nil {
		a.openFailed(ctx, intent, err)
		return
	}

	apr := 0.0
	if a.deps.FundingAPR != nil {
		apr = a.deps.FundingAPR()
	}
	if err := a.deps.Book.Open(ledger.OpenParams{
		SpotPrice:      fill.Spot.Price,
		PerpPrice:      fill.Perp.Price,
		SpotSize:       fill.Spot.Size,
		PerpSize:       fill.Perp.Size,
		OpenedAt:       now,
		BasisAtOpenBps: fillBasisBps(fill),
		APRAtOpenPct:   apr,
	}); err != nil {
		a.deps.Log.Error("ledger open rejected after fill", zap.Error(err))
		a.violation(ctx, err)
		return
	}
	a.openFeesQuote = fill.Spot.FeeQuote.Add(fill.Perp.FeeQuote)
	if a.deps.Ops != nil {
		if err := a.deps.Ops.SetLastTradeAt(ctx, now); err != nil {
			a.deps.Log.Warn("failed to persist last trade time", zap.Error(err))
		}
	}
	if _, err := a.apply(ctx, evOpenOK); err != nil {
		return
	}
	a.deps.Metrics.PositionsOpened.Inc()
	a.publish(telemetry.EventTradeOpened, fmt.Sprintf("size %s at basis %.2f bps", fill.Spot.Size, fillBasisBps(fill)), map[string]any{
		"size_base":  fill.Spot.Size.String(),
		"spot_price": fill.Spot.Price.String(),
		"perp_price": fill.Perp.Price.String(),
		"confidence": intent.Confidence,
	})
}

func (a *Agent) openFailed(ctx context.Context, intent signal.Intent, err error) {
	a.deps.Risk.RecordError(a.deps.Clock.Now())
	a.deps.Metrics.GatewayErrors.Inc()

	var legErr *gateway.LegError
	if errors.As(err, &legErr) {
		a.reverseLeg(ctx, legErr)
		a.applyForced(ctx, evFatal)
		a.applyForced(ctx, evReset)
		return
	}
	if errors.Is(err, gateway.ErrFatal) {
		a.deps.Log.Error("open rejected by gateway", zap.Error(err))
		a.applyForced(ctx, evFatal)
		a.notify(ctx, "open failed: "+err.Error())
		return
	}
	// Timeout or exhausted retries without a fill: nothing to unwind.
	a.deps.Log.Warn("open attempt failed", zap.Error(err))
	a.applyForced(ctx, evFatal)
	a.applyForced(ctx, evReset)
}

// reverseLeg unwinds the one leg that filled and journals the round
// trip as an Error outcome.
func (a *Agent) reverseLeg(ctx context.Context, legErr *gateway.LegError) {
	now := a.deps.Clock.Now()
	a.deps.Log.Warn("reversing filled leg", zap.Error(legErr))
	bounds := gateway.Bounds{MaxSlippageBps: a.cfg.SlippageBoundBps}

	var reversal gateway.Fill
	err := a.deps.Retrier.Do(ctx, func() error {
		var err error
		reversal, err = a.deps.Gateway.SubmitAdjust(ctx, legErr.FilledLeg, legErr.Filled.Size.Neg(), bounds)
		return err
	})
	if err != nil {
		a.deps.Log.Error("leg reversal failed", zap.Error(err))
		a.notify(ctx, "leg reversal failed, manual intervention required: "+err.Error())
	}

	fees := legErr.Filled.FeeQuote.Add(reversal.FeeQuote)
	net := reversal.Price.Sub(legErr.Filled.Price).Mul(legErr.Filled.Size)
	if legErr.FilledLeg == ledger.LegPerp {
		net = net.Neg()
	}
	net = net.Sub(fees).RoundBank(ledger.QuoteScale)
	outcome := ledger.TradeOutcome{
		OpenedAt:    now,
		ClosedAt:    now,
		SizeBase:    legErr.Filled.Size,
		FeesQuote:   fees.RoundBank(ledger.QuoteScale),
		NetQuotePnL: net,
		Win:         net.IsPositive(),
		CloseReason: ledger.ReasonError,
	}
	if _, err := a.deps.Perf.Append(ctx, outcome); err != nil {
		a.deps.Log.Error("failed to journal error outcome", zap.Error(err))
	}
	netF, _ := net.Float64()
	a.deps.Risk.RecordRealized(now, netF)
}

func (a *Agent) close(ctx context.Context, reason ledger.CloseReason) {
	pos, ok := a.deps.Book.Current()
	if !ok {
		a.violation(ctx, fmt.Errorf("%w: close without position", ErrStateViolation))
		return
	}
	if _, err := a.apply(ctx, evClose); err != nil {
		return
	}
	now := a.deps.Clock.Now()
	bounds := gateway.Bounds{MaxSlippageBps: a.cfg.SlippageBoundBps}
	cloid := gateway.NewClientOrderID("close")

	callCtx, cancel := context.WithTimeout(ctx, a.legTimeout())
	fill, err := a.deps.Retrier.Paired(callCtx, cloid, func() (gateway.PairedFill, error) {
		return a.deps.Gateway.SubmitClose(callCtx, pos.Spot.SizeBase, pos.Perp.SizeBase, bounds)
	})
	cancel()
	if err != nil {
		// Best-effort atomicity failed; the book may not match the
		// venue. Pause and surface it rather than guess.
		a.deps.Risk.RecordError(now)
		a.deps.Metrics.GatewayErrors.Inc()
		a.deps.Log.Error("close failed", zap.Error(err))
		a.applyForced(ctx, evFatal)
		a.pauseWith(ctx, "CloseFailure", true)
		a.notify(ctx, "close failed, position may be partially open: "+err.Error())
		return
	}

	fees := a.openFeesQuote.Add(fill.Spot.FeeQuote).Add(fill.Perp.FeeQuote)
	outcome, err := a.deps.Book.Close(ledger.CloseParams{
		SpotPrice:       fill.Spot.Price,
		PerpPrice:       fill.Perp.Price,
		FeesQuote:       fees,
		ClosedAt:        now,
		BasisAtCloseBps: fillBasisBps(fill),
		Reason:          reason,
	})
	if err != nil {
		a.violation(ctx, err)
		return
	}
	a.openFeesQuote = decimal.Zero

	// The outcome must be durable before anything else reacts to it.
	if _, err := a.deps.Perf.Append(ctx, outcome); err != nil {
		a.deps.Log.Error("failed to journal trade outcome", zap.Error(err))
		a.pauseWith(ctx, "Persistence", true)
		a.notify(ctx, "journal write failed: "+err.Error())
		return
	}
	netF, _ := outcome.NetQuotePnL.Float64()
	a.deps.Risk.RecordRealized(now, netF)
	if _, err := a.apply(ctx, evCloseOK); err != nil {
		return
	}
	a.deps.Metrics.PositionsClosed.Inc()
	a.publish(telemetry.EventTradeClosed, string(reason), map[string]any{
		"net_quote_pnl": outcome.NetQuotePnL.String(),
		"roi_pct":       outcome.ROIPct,
		"win":           outcome.Win,
		"close_reason":  string(reason),
	})
	a.notify(ctx, fmt.Sprintf("closed (%s): net %s quote", reason, outcome.NetQuotePnL))
}

func (a *Agent) rebalanceHedge(ctx context.Context) {
	pos, ok := a.deps.Book.Current()
	if !ok {
		a.violation(ctx, fmt.Errorf("%w: rebalance without position", ErrStateViolation))
		return
	}
	if _, err := a.apply(ctx, evRebalance); err != nil {
		return
	}
	now := a.deps.Clock.Now()
	if a.deps.Limiter != nil && !a.deps.Limiter.Allowed(now) {
		a.applyForced(ctx, evAdjustOK)
		return
	}
	plan, ok := rebalance.Split(pos.Spot.SizeBase, pos.Perp.SizeBase, a.cfg.MinRebalanceBase)
	if !ok {
		a.applyForced(ctx, evAdjustOK)
		return
	}
	bounds := gateway.Bounds{MaxSlippageBps: a.cfg.SlippageBoundBps}

	if err := a.adjustLeg(ctx, plan.ReduceLeg, plan.PerLegBase.Neg(), bounds); err != nil {
		a.rebalanceFailed(ctx, err)
		return
	}
	if err := a.adjustLeg(ctx, plan.AddLeg, plan.PerLegBase, bounds); err != nil {
		// First adjustment stands; the legs stay asymmetric and the
		// next drift check sees the remainder.
		a.rebalanceFailed(ctx, err)
		return
	}
	if a.deps.Limiter != nil {
		a.deps.Limiter.Record(ctx, now)
	}
	if _, err := a.apply(ctx, evAdjustOK); err != nil {
		return
	}
	a.deps.Metrics.Rebalances.Inc()
	a.publish(telemetry.EventRebalanced, fmt.Sprintf("%s per leg", plan.PerLegBase), map[string]any{
		"per_leg_base": plan.PerLegBase.String(),
		"reduce_leg":   legLabel(plan.ReduceLeg),
		"add_leg":      legLabel(plan.AddLeg),
	})
}

func (a *Agent) adjustLeg(ctx context.Context, leg ledger.LegKind, delta decimal.Decimal, bounds gateway.Bounds) error {
	callCtx, cancel := context.WithTimeout(ctx, a.legTimeout())
	defer cancel()
	err := a.deps.Retrier.Do(callCtx, func() error {
		_, err := a.deps.Gateway.SubmitAdjust(callCtx, leg, delta, bounds)
		return err
	})
	if err != nil {
		return err
	}
	return a.deps.Book.AdjustLeg(leg, delta)
}

func (a *Agent) rebalanceFailed(ctx context.Context, err error) {
	a.deps.Risk.RecordError(a.deps.Clock.Now())
	a.deps.Metrics.GatewayErrors.Inc()
	if errors.Is(err, gateway.ErrFatal) {
		a.deps.Log.Error("rebalance rejected by gateway", zap.Error(err))
		a.applyForced(ctx, evFatal)
		a.notify(ctx, "rebalance failed: "+err.Error())
		return
	}
	// No forced close on rebalance failure; back to watching.
	a.deps.Log.Warn("rebalance aborted", zap.Error(err))
	a.applyForced(ctx, evAdjustOK)
}

// HandlePause services one pause request. Repeated pauses while
// Paused produce no further events.
func (a *Agent) HandlePause(ctx context.Context, trip risk.Trip) {
	if a.sm.State() == StatePaused {
		return
	}
	a.publish(telemetry.EventRiskTripped, trip.Cause.String(), map[string]any{
		"cause":  trip.Cause.String(),
		"detail": trip.Detail,
	})
	if trip.ForceClose {
		if _, open := a.deps.Book.Current(); open && a.sm.State() == StateMonitoring {
			a.close(ctx, closeReasonFor(trip.Cause))
		}
	}
	if a.sm.State() == StatePaused {
		// The forced close itself escalated to Paused.
		return
	}
	a.applyForced(ctx, evPause)
	a.pausedBy = trip.Cause.String()
	if trip.RequiresAck {
		a.markPaused(ctx, trip.Cause.String())
	}
	a.deps.Metrics.PausesTriggered.Inc()
	a.publish(telemetry.EventPaused, trip.Cause.String(), map[string]any{"cause": trip.Cause.String()})
	a.notify(ctx, "paused: "+trip.Cause.String()+" "+trip.Detail)
}

func (a *Agent) handleResume(ctx context.Context, ack bool) error {
	if a.sm.State() != StatePaused {
		return fmt.Errorf("%w: resume in %v", ErrStateViolation, a.sm.State())
	}
	if a.deps.Ops != nil {
		pending, cause, err := a.deps.Ops.PendingPause(ctx)
		if err != nil {
			return err
		}
		if pending {
			if !ack {
				return fmt.Errorf("pause cause %s requires acknowledgement", cause)
			}
			if err := a.deps.Ops.ClearPaused(ctx); err != nil {
				return err
			}
		}
	}
	if _, err := a.apply(ctx, evResume); err != nil {
		return err
	}
	// A connectivity pause can leave the hedge open; pick monitoring
	// back up instead of treating the position as new.
	if _, open := a.deps.Book.Current(); open {
		a.sm.rollback(StateMonitoring)
	}
	a.pausedBy = ""
	a.publish(telemetry.EventResumed, "", nil)
	a.notify(ctx, "resumed")
	return nil
}

// Reset recovers from Error back to Idle.
func (a *Agent) Reset(ctx context.Context) error {
	_, err := a.apply(ctx, evReset)
	return err
}

// apply runs one lifecycle transition, escalating violations per the
// paper/production policy.
// apply runs one lifecycle transition. A rejection leaves the machine
// where it was, so the caller abandons the operation; in production a
// rejection is a lifecycle bug and halts the agent.
func (a *Agent) apply(ctx context.Context, ev event) (State, error) {
	next, err := a.sm.Apply(ev)
	if err != nil {
		if a.cfg.PaperMode {
			a.deps.Log.Warn("lifecycle transition rejected", zap.Error(err))
		} else {
			a.deps.Log.Error("lifecycle transition rejected", zap.Error(err))
			a.pauseWith(ctx, "StateViolation", true)
			a.notify(ctx, "state violation: "+err.Error())
		}
		return next, err
	}
	a.publish(telemetry.EventStateTransition, next.String(), map[string]any{
		"event": ev.String(),
		"state": next.String(),
	})
	return next, nil
}

// applyForced is for transitions that are legal by construction at the
// call site; a failure there is a bug in the lifecycle table itself.
func (a *Agent) applyForced(ctx context.Context, ev event) {
	if _, err := a.apply(ctx, ev); err != nil {
		a.deps.Log.Error("lifecycle table rejected internal transition", zap.Error(err))
	}
}

/// violation handles a mid-operation ledger failure, where the machine
// has advanced but the book has not. Paper mode resets the machine to
// whatever the book says; production escalates to Paused.
func (a *Agent) violation(ctx context.Context, err error) {
	if a.cfg.PaperMode {
		a.deps.Log.Warn("state violation ignored in paper mode", zap.Error(err))
		if _, open := a.deps.Book.Current(); open {
			a.sm.rollback(StateMonitoring)
		} else {
			a.sm.rollback(StateIdle)
		}
		return
	}
	a.deps.Log.Error("state violation", zap.Error(err))
	a.pauseWith(ctx, "StateViolation", true)
	a.notify(ctx, "state violation: "+err.Error())
}

func (a *Agent) pauseWith(ctx context.Context, cause string, requiresAck bool) {
	if a.sm.State() == StatePaused {
		return
	}
	a.applyForced(ctx, evPause)
	a.pausedBy = cause
	if requiresAck {
		a.markPaused(ctx, cause)
	}
	a.deps.Metrics.PausesTriggered.Inc()
	a.publish(telemetry.EventPaused, cause, map[string]any{"cause": cause})
}

func (a *Agent) markPaused(ctx context.Context, cause string) {
	if a.deps.Ops == nil {
		return
	}
	if err := a.deps.Ops.MarkPaused(ctx, cause); err != nil {
		a.deps.Log.Warn("failed to persist pause", zap.Error(err))
	}
}

func (a *Agent) publish(kind telemetry.EventKind, detail string, fields map[string]any) {
	if a.deps.Bus == nil {
		return
	}
	a.deps.Bus.Publish(kind, a.deps.Clock.Now(), detail, fields)
}

func (a *Agent) notify(ctx context.Context, message string) {
	if a.deps.Notifier == nil {
		return
	}
	if err := a.deps.Notifier.Send(ctx, message); err != nil {
		a.deps.Log.Warn("alert delivery failed", zap.Error(err))
	}
}

func (a *Agent) legTimeout() time.Duration {
	if a.cfg.LegTimeout > 0 {
		return a.cfg.LegTimeout
	}
	return 3 * time.Second
}

func fillBasisBps(fill gateway.PairedFill) float64 {
	spot, _ := fill.Spot.Price.Float64()
	perp, _ := fill.Perp.Price.Float64()
	if spot <= 0 {
		return 0
	}
	return (perp - spot) / spot * 10_000
}

func closeReasonFor(cause risk.Cause) ledger.CloseReason {
	switch cause {
	case risk.CauseDrawdown:
		return ledger.ReasonDrawdown
	case risk.CauseStopLoss:
		return ledger.ReasonStopLoss
	case risk.CauseReversal:
		return ledger.ReasonReversal
	default:
		return ledger.ReasonError
	}
}

func legLabel(kind ledger.LegKind) string {
	if kind == ledger.LegPerp {
		return "perp"
	}
	return "spot"
}
