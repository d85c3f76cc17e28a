package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/clock"
	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/gateway"
	"github.com/bmwtx3/sol-basis-bot/internal/ledger"
	"github.com/bmwtx3/sol-basis-bot/internal/market"
	"github.com/bmwtx3/sol-basis-bot/internal/perf"
	"github.com/bmwtx3/sol-basis-bot/internal/rebalance"
	"github.com/bmwtx3/sol-basis-bot/internal/risk"
	"github.com/bmwtx3/sol-basis-bot/internal/signal"
	"github.com/bmwtx3/sol-basis-bot/internal/state"
	"github.com/bmwtx3/sol-basis-bot/internal/telemetry"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type kvStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newKVStore() *kvStore { return &kvStore{m: make(map[string]string)} }

func (s *kvStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *kvStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *kvStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *kvStore) Close() error { return nil }

type fixture struct {
	agent   *Agent
	gw      gateway.MarketGateway
	store   *market.Store
	clk     *clock.Fake
	book    *ledger.Ledger
	db      *perf.DB
	bus     *telemetry.Bus
	events  <-chan telemetry.Event
	ops     *state.Ops
	limiter *rebalance.Limiter
}

func newFixture(t *testing.T, gw gateway.MarketGateway, store *market.Store, clk *clock.Fake) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := perf.Open(filepath.Join(dir, "trades.journal"), filepath.Join(dir, "trades.idx"))
	if err != nil {
		t.Fatalf("perf open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	book := ledger.New()
	ops := state.NewOps(newKVStore())
	bus := telemetry.NewBus()
	limiter := rebalance.NewLimiter(config.RebalanceConfig{MaxRebalancesPerHr: 4}, ops, zap.NewNop())
	riskMgr := risk.NewManager(config.RiskConfig{MaxDrawdownPct: 5, StopLossPct: 2}, config.RebalanceConfig{DriftThresholdPct: 2}, 30*time.Second, true)

	a := New(Config{
		LegTimeout:       3 * time.Second,
		MinRebalanceBase: 0.1,
		PaperMode:        true,
	}, Deps{
		Gateway:    gw,
		Retrier:    gateway.NewRetrier(nil, zap.NewNop()),
		Book:       book,
		Perf:       db,
		Bus:        bus,
		Metrics:    telemetry.NewNoop(),
		Ops:        ops,
		Risk:       riskMgr,
		Limiter:    limiter,
		FundingAPR: func() float64 { return 18.42 },
		Clock:      clk,
		Log:        zap.NewNop(),
	})
	return &fixture{
		agent:   a,
		gw:      gw,
		store:   store,
		clk:     clk,
		book:    book,
		db:      db,
		bus:     bus,
		events:  bus.Subscribe(),
		ops:     ops,
		limiter: limiter,
	}
}

func paperFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0).UTC())
	store := market.NewStore(market.Freshness{})
	store.PublishSpot(148.52, 2, clk.Now())
	store.PublishPerp(148.89, 148.60, clk.Now())
	store.PublishFunding(0.0001, clk.Now().Add(time.Hour), clk.Now())
	paper := gateway.NewPaper(store, clk, 0, 0, 100_000)
	return newFixture(t, paper, store, clk)
}

func (f *fixture) openPosition(t *testing.T, size float64) {
	t.Helper()
	f.agent.HandleIntent(context.Background(), signal.Intent{
		Kind:       signal.OpenBasis,
		SizeBase:   decimal.NewFromFloat(size),
		Confidence: 0.9,
	})
	if got := f.agent.State(); got != StateMonitoring {
		t.Fatalf("state after open = %v", got)
	}
}

func (f *fixture) drainKinds() map[telemetry.EventKind]int {
	counts := make(map[telemetry.EventKind]int)
	for {
		select {
		case ev := <-f.events:
			counts[ev.Kind]++
		default:
			return counts
		}
	}
}

func TestOpenThenConvergenceClose(t *testing.T) {
	f := paperFixture(t)
	ctx := context.Background()

	f.openPosition(t, 100)
	pos, ok := f.book.Current()
	if !ok {
		t.Fatal("no position after open")
	}
	if !pos.Spot.SizeBase.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("spot size = %s", pos.Spot.SizeBase)
	}
	if pos.BasisAtOpenBps < 24.8 || pos.BasisAtOpenBps > 25.0 {
		t.Fatalf("basis at open = %v", pos.BasisAtOpenBps)
	}

	// Spread converges to ~4.7 bps.
	f.store.PublishSpot(149.10, 2, f.clk.Now())
	f.store.PublishPerp(149.17, 149.12, f.clk.Now())
	f.agent.HandleIntent(ctx, signal.Intent{Kind: signal.CloseBasis, CloseReason: ledger.ReasonConvergence})

	if got := f.agent.State(); got != StateIdle {
		t.Fatalf("state after close = %v", got)
	}
	outcomes := f.db.All()
	if len(outcomes) != 1 {
		t.Fatalf("journal has %d outcomes", len(outcomes))
	}
	out := outcomes[0]
	if out.CloseReason != ledger.ReasonConvergence {
		t.Fatalf("reason = %v", out.CloseReason)
	}
	// Spot leg gains 58, short perp loses 28.
	if !out.NetQuotePnL.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("net = %s, want 30", out.NetQuotePnL)
	}
	if !out.Win {
		t.Fatal("expected a win")
	}
	counts := f.drainKinds()
	if counts[telemetry.EventTradeOpened] != 1 || counts[telemetry.EventTradeClosed] != 1 {
		t.Fatalf("event counts = %v", counts)
	}
}

func TestStopLossClose(t *testing.T) {
	f := paperFixture(t)
	ctx := context.Background()

	f.openPosition(t, 100)
	f.store.PublishSpot(140, 2, f.clk.Now())
	f.store.PublishPerp(142, 141, f.clk.Now())
	f.agent.HandleIntent(ctx, signal.Intent{Kind: signal.CloseBasis, CloseReason: ledger.ReasonStopLoss})

	outcomes := f.db.All()
	if len(outcomes) != 1 {
		t.Fatalf("journal has %d outcomes", len(outcomes))
	}
	out := outcomes[0]
	if out.CloseReason != ledger.ReasonStopLoss {
		t.Fatalf("reason = %v", out.CloseReason)
	}
	if !out.NetQuotePnL.Equal(decimal.NewFromInt(-163)) {
		t.Fatalf("net = %s, want -163", out.NetQuotePnL)
	}
	if out.Win {
		t.Fatal("stop loss close should not be a win")
	}
}

func TestCriticalReversalForcesClose(t *testing.T) {
	f := paperFixture(t)
	ctx := context.Background()

	f.openPosition(t, 100)
	f.agent.HandlePause(ctx, risk.Trip{Cause: risk.CauseReversal, ForceClose: true})

	if got := f.agent.State(); got != StatePaused {
		t.Fatalf("state = %v", got)
	}
	outcomes := f.db.All()
	if len(outcomes) != 1 || outcomes[0].CloseReason != ledger.ReasonReversal {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	// No ack gate for reversal pauses.
	if err := f.agent.handleResume(ctx, false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := f.agent.State(); got != StateIdle {
		t.Fatalf("state after resume = %v", got)
	}
}

func TestDriftRebalance(t *testing.T) {
	f := paperFixture(t)
	ctx := context.Background()

	f.openPosition(t, 100)
	// Venue-side drift: perp leg shrank to 97.
	if err := f.book.AdjustLeg(ledger.LegPerp, decimal.NewFromInt(-3)); err != nil {
		t.Fatalf("seed drift: %v", err)
	}
	f.agent.HandleIntent(ctx, signal.Intent{Kind: signal.Rebalance, DeltaBase: 3, Leg: ledger.LegPerp})

	if got := f.agent.State(); got != StateMonitoring {
		t.Fatalf("state = %v", got)
	}
	pos, _ := f.book.Current()
	if !pos.Spot.SizeBase.Equal(decimal.NewFromFloat(98.5)) {
		t.Fatalf("spot = %s, want 98.5", pos.Spot.SizeBase)
	}
	if !pos.Perp.SizeBase.Equal(decimal.NewFromFloat(98.5)) {
		t.Fatalf("perp = %s, want 98.5", pos.Perp.SizeBase)
	}
	if got := f.limiter.Used(f.clk.Now()); got != 1 {
		t.Fatalf("rebalance tokens used = %d, want 1", got)
	}
	counts := f.drainKinds()
	if counts[telemetry.EventRebalanced] != 1 {
		t.Fatalf("rebalanced events = %d", counts[telemetry.EventRebalanced])
	}
}

func TestDrawdownPauseForcesCloseAndGatesResume(t *testing.T) {
	f := paperFixture(t)
	ctx := context.Background()

	f.openPosition(t, 100)
	f.agent.HandlePause(ctx, risk.Trip{
		Cause:       risk.CauseDrawdown,
		Detail:      "drawdown 5.24% from peak 105000.00",
		ForceClose:  true,
		RequiresAck: true,
	})

	if got := f.agent.State(); got != StatePaused {
		t.Fatalf("state = %v", got)
	}
	outcomes := f.db.All()
	if len(outcomes) != 1 || outcomes[0].CloseReason != ledger.ReasonDrawdown {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	pending, cause, err := f.ops.PendingPause(ctx)
	if err != nil || !pending || cause != "Drawdown" {
		t.Fatalf("pending=%v cause=%q err=%v", pending, cause, err)
	}
	if err := f.agent.handleResume(ctx, false); err == nil {
		t.Fatal("resume without acknowledgement should fail")
	}
	if err := f.agent.handleResume(ctx, true); err != nil {
		t.Fatalf("acknowledged resume: %v", err)
	}
	if got := f.agent.State(); got != StateIdle {
		t.Fatalf("state after resume = %v", got)
	}
}

func TestPausedAgentDropsIntents(t *testing.T) {
	f := paperFixture(t)
	ctx := context.Background()

	f.agent.HandlePause(ctx, risk.Trip{
		Cause:       risk.CauseDrawdown,
		Detail:      "drawdown 5.24% from peak 105000.00",
		RequiresAck: true,
	})
	if got := f.agent.State(); got != StatePaused {
		t.Fatalf("state = %v", got)
	}

	// Intents that arrive after the halt must not trade or clear the pause.
	for i := 0; i < 2; i++ {
		f.agent.HandleIntent(ctx, signal.Intent{
			Kind:       signal.OpenBasis,
			SizeBase:   decimal.NewFromInt(100),
			Confidence: 0.9,
		})
	}

	if got := f.agent.State(); got != StatePaused {
		t.Fatalf("state after intents = %v, want Paused", got)
	}
	if _, open := f.book.Current(); open {
		t.Fatal("paused agent must not open a position")
	}
	if err := f.agent.handleResume(ctx, false); err == nil {
		t.Fatal("resume without acknowledgement should fail")
	}
	if err := f.agent.handleResume(ctx, true); err != nil {
		t.Fatalf("acknowledged resume: %v", err)
	}
	if got := f.agent.State(); got != StateIdle {
		t.Fatalf("state after resume = %v", got)
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	f := paperFixture(t)
	ctx := context.Background()

	trip := risk.Trip{Cause: risk.CauseConnectivity}
	f.agent.HandlePause(ctx, trip)
	f.agent.HandlePause(ctx, trip)
	f.agent.HandlePause(ctx, trip)

	counts := f.drainKinds()
	if counts[telemetry.EventPaused] != 1 {
		t.Fatalf("paused events = %d, want 1", counts[telemetry.EventPaused])
	}
}

type legFailGateway struct {
	gateway.MarketGateway

	mu       sync.Mutex
	adjusted []decimal.Decimal
}

func (g *legFailGateway) SubmitPairedOpen(ctx context.Context, sizeBase decimal.Decimal, bounds gateway.Bounds) (gateway.PairedFill, error) {
	return gateway.PairedFill{}, &gateway.LegError{
		FilledLeg: ledger.LegSpot,
		Filled: gateway.Fill{
			Price: decimal.NewFromFloat(148.52),
			Size:  sizeBase,
		},
		Unfilled: ledger.LegPerp,
		Err:      gateway.ErrTimeout,
	}
}

func (g *legFailGateway) SubmitAdjust(ctx context.Context, leg ledger.LegKind, deltaBase decimal.Decimal, bounds gateway.Bounds) (gateway.Fill, error) {
	g.mu.Lock()
	g.adjusted = append(g.adjusted, deltaBase)
	g.mu.Unlock()
	return gateway.Fill{Price: decimal.NewFromFloat(148.50), Size: deltaBase.Abs()}, nil
}

func TestLegFailureReversesFilledLeg(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0).UTC())
	store := market.NewStore(market.Freshness{})
	store.PublishSpot(148.52, 2, clk.Now())
	store.PublishPerp(148.89, 148.60, clk.Now())
	store.PublishFunding(0.0001, clk.Now().Add(time.Hour), clk.Now())
	paper := gateway.NewPaper(store, clk, 0, 0, 100_000)
	gw := &legFailGateway{MarketGateway: paper}
	f := newFixture(t, gw, store, clk)
	ctx := context.Background()

	f.agent.HandleIntent(ctx, signal.Intent{
		Kind:     signal.OpenBasis,
		SizeBase: decimal.NewFromInt(100),
	})

	if got := f.agent.State(); got != StateIdle {
		t.Fatalf("state = %v, want Idle after reversal", got)
	}
	gw.mu.Lock()
	adjusted := append([]decimal.Decimal(nil), gw.adjusted...)
	gw.mu.Unlock()
	if len(adjusted) != 1 || !adjusted[0].Equal(decimal.NewFromInt(-100)) {
		t.Fatalf("adjustments = %v", adjusted)
	}
	outcomes := f.db.All()
	if len(outcomes) != 1 || outcomes[0].CloseReason != ledger.ReasonError {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if _, open := f.book.Current(); open {
		t.Fatal("no position should remain")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	f := paperFixture(t)
	for i := 0; i < 16; i++ {
		if !f.agent.Enqueue(signal.Intent{Kind: signal.Noop}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if f.agent.Enqueue(signal.Intent{Kind: signal.Noop}) {
		t.Fatal("17th intent should drop")
	}
}

func TestRunServicesMailbox(t *testing.T) {
	f := paperFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.agent.Run(ctx)
	}()

	if !f.agent.Enqueue(signal.Intent{Kind: signal.OpenBasis, SizeBase: decimal.NewFromInt(10)}) {
		t.Fatal("enqueue rejected")
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.agent.State() != StateMonitoring {
		if time.Now().After(deadline) {
			t.Fatal("open intent never executed")
		}
		time.Sleep(time.Millisecond)
	}
	if !f.agent.RequestPause(risk.Trip{Cause: risk.CauseConnectivity}) {
		t.Fatal("pause rejected")
	}
	for f.agent.State() != StatePaused {
		if time.Now().After(deadline) {
			t.Fatal("pause never executed")
		}
		time.Sleep(time.Millisecond)
	}
	if err := f.agent.RequestResume(ctx, false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := f.agent.State(); got != StateMonitoring {
		t.Fatalf("state after resume with open position = %v", got)
	}
	cancel()
	<-done
}
