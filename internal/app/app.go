package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/agent"
	"github.com/bmwtx3/sol-basis-bot/internal/alerts"
	"github.com/bmwtx3/sol-basis-bot/internal/clock"
	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/engine"
	"github.com/bmwtx3/sol-basis-bot/internal/gateway"
	"github.com/bmwtx3/sol-basis-bot/internal/history"
	"github.com/bmwtx3/sol-basis-bot/internal/ledger"
	"github.com/bmwtx3/sol-basis-bot/internal/market"
	"github.com/bmwtx3/sol-basis-bot/internal/perf"
	"github.com/bmwtx3/sol-basis-bot/internal/rebalance"
	"github.com/bmwtx3/sol-basis-bot/internal/reversal"
	"github.com/bmwtx3/sol-basis-bot/internal/risk"
	"github.com/bmwtx3/sol-basis-bot/internal/signal"
	"github.com/bmwtx3/sol-basis-bot/internal/sizer"
	"github.com/bmwtx3/sol-basis-bot/internal/state"
	"github.com/bmwtx3/sol-basis-bot/internal/state/sqlite"
	"github.com/bmwtx3/sol-basis-bot/internal/telemetry"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// App owns every long-lived component and the tickers that drive them.
// The agent serializes all position mutations; the loops here only
// observe and enqueue.
type App struct {
	cfg *config.Config
	log *zap.Logger
	clk clock.Clock

	store    *sqlite.Store
	ops      *state.Ops
	marketSt *market.Store
	funding  *engine.FundingEngine
	basis    *engine.BasisEngine
	detector *reversal.Detector
	perfDB   *perf.DB
	sizing   *sizer.Sizer
	signals  *signal.Engine
	riskMgr  *risk.Manager
	limiter  *rebalance.Limiter
	book     *ledger.Ledger
	bus      *telemetry.Bus
	metrics  *telemetry.Metrics
	prom     *telemetry.Prometheus
	telegram *alerts.Telegram
	hist     *history.Writer

	live  *gateway.Live
	paper *gateway.Paper
	gw    gateway.MarketGateway
	bot   *agent.Agent

	aprBits  atomic.Uint64
	sevLevel atomic.Int32

	// Touched only by the signal loop.
	lastAccrual  time.Time
	lastAlertSev reversal.Severity
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	clk := clock.New()

	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Perf.JournalPath), 0o755); err != nil {
		return nil, fmt.Errorf("create perf dir: %w", err)
	}
	perfDB, err := perf.Open(cfg.Perf.JournalPath, cfg.Perf.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("open trade journal: %w", err)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		clk:      clk,
		store:    store,
		ops:      state.NewOps(store),
		perfDB:   perfDB,
		funding:  engine.NewFundingEngine(),
		basis:    engine.NewBasisEngine(),
		detector: reversal.New(cfg.Trading.MinFundingAPRPct, cfg.Reversal.EnableReversalDetection),
		sizing:   sizer.New(cfg.Sizer, cfg.Trading, cfg.Risk),
		signals:  signal.NewEngine(cfg.Trading, cfg.Risk, cfg.Reversal, cfg.Rebalance),
		book:     ledger.New(),
		bus:      telemetry.NewBus(),
		telegram: alerts.NewTelegram(cfg.Telegram, log.Named("telegram")),
	}
	a.marketSt = market.NewStore(market.Freshness{
		Spot:    cfg.Gateway.SpotFreshness,
		Perp:    cfg.Gateway.PerpFreshness,
		Funding: cfg.Gateway.FundingFresh,
	})
	a.riskMgr = risk.NewManager(cfg.Risk, cfg.Rebalance, cfg.Gateway.HealthGrace, cfg.Reversal.ForceCloseOnCriticalReversal)
	a.limiter = rebalance.NewLimiter(cfg.Rebalance, a.ops, log.Named("rebalance"))

	a.bus.Attach(telemetry.NewLogSink(log.Named("events")))
	a.metrics = telemetry.NewNoop()
	if cfg.Metrics.Enabled {
		a.prom = telemetry.NewPrometheus()
		a.metrics = a.prom.Metrics
	}

	a.hist, err = history.New(cfg.History, log.Named("history"))
	if err != nil {
		return nil, fmt.Errorf("open history writer: %w", err)
	}

	if cfg.Gateway.WSURL != "" {
		ws := gateway.NewWSClient(cfg.Gateway.WSURL, cfg.Gateway.ReconnectDelay, cfg.Gateway.PingInterval, log.Named("ws"))
		rest := gateway.NewRESTClient(cfg.Gateway.RESTURL, cfg.Gateway.RESTTimeout, log.Named("rest"))
		a.live = gateway.NewLive(ws, rest, nil, clk, cfg.Trading.SpotAsset, cfg.Trading.PerpAsset, cfg.Gateway.HealthGrace, log.Named("gateway"))
	}
	if cfg.Paper.PaperTrading {
		a.paper = gateway.NewPaper(a.marketSt, clk, cfg.Paper.SimulatedSlippageBps, cfg.Paper.SimulatedFeeBps, cfg.Paper.StartingEquityQuote)
		a.gw = a.paper
	} else {
		if a.live == nil {
			return nil, errors.New("live trading requires gateway.ws_url")
		}
		a.gw = a.live
	}

	a.bot = agent.New(agent.Config{
		LegTimeout:       cfg.Gateway.LegTimeout,
		SlippageBoundBps: cfg.Trading.SlippageBoundBps,
		MinRebalanceBase: cfg.Rebalance.MinRebalanceBase,
		PaperMode:        cfg.Paper.PaperTrading,
	}, agent.Deps{
		Gateway:    a.gw,
		Retrier:    gateway.NewRetrier(store, log.Named("retry")),
		Book:       a.book,
		Perf:       perfDB,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Ops:        a.ops,
		Risk:       a.riskMgr,
		Limiter:    a.limiter,
		FundingAPR: a.fundingAPR,
		Clock:      clk,
		Log:        log.Named("agent"),
		Notifier:   a.telegram,
	})
	return a, nil
}

// SetOrderPoster wires signed order execution into the live gateway.
// Must be called before Run.
func (a *App) SetOrderPoster(p gateway.OrderPoster) {
	if a.live != nil {
		a.live.SetPoster(p)
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.closeAll()

	if err := a.limiter.Restore(ctx); err != nil {
		a.log.Warn("failed to restore rebalance stamps", zap.Error(err))
	}
	a.restorePauseState(ctx)
	a.hist.Start(ctx)

	tickCtx, cancelTicks := context.WithCancel(context.Background())
	defer cancelTicks()
	agentCtx, cancelAgent := context.WithCancel(context.Background())
	defer cancelAgent()

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		_ = a.bot.Run(agentCtx)
	}()

	var wg sync.WaitGroup
	if a.live != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.live.Run(tickCtx); err != nil && tickCtx.Err() == nil {
				a.log.Error("market feed stopped", zap.Error(err))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.pumpFeeds(tickCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.loop(tickCtx, a.cfg.Trading.SignalInterval, a.signalTick)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.loop(tickCtx, a.cfg.Risk.CheckInterval, a.riskTick)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.loop(tickCtx, a.cfg.Rebalance.CheckInterval, a.rebalanceTick)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.commandLoop(tickCtx)
	}()

	var metricsSrv *http.Server
	if a.prom != nil {
		metricsSrv = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: a.prom.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	a.log.Info("running",
		zap.Bool("paper", a.cfg.Paper.PaperTrading),
		zap.String("spot_asset", a.cfg.Trading.SpotAsset),
		zap.String("perp_asset", a.cfg.Trading.PerpAsset),
	)
	<-ctx.Done()

	a.log.Info("shutting down")
	cancelTicks()
	if metricsSrv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(shCtx)
		shCancel()
	}
	wg.Wait()
	a.drainAgent(agentDone, cancelAgent)
	return ctx.Err()
}

// drainAgent lets an in-flight operation finish, up to the shutdown
// deadline, then stops the mailbox.
func (a *App) drainAgent(done chan struct{}, cancel context.CancelFunc) {
	deadline := time.After(a.cfg.Gateway.ShutdownTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch a.bot.State() {
		case agent.StateOpening, agent.StateClosing, agent.StateRebalancing:
		default:
			cancel()
			<-done
			return
		}
		select {
		case <-deadline:
			a.log.Warn("shutdown deadline hit with operation in flight", zap.Stringer("state", a.bot.State()))
			cancel()
			<-done
			return
		case <-ticker.C:
		}
	}
}

func (a *App) closeAll() {
	if err := a.hist.Close(); err != nil {
		a.log.Warn("history close failed", zap.Error(err))
	}
	if err := a.perfDB.Close(); err != nil {
		a.log.Warn("journal close failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state store close failed", zap.Error(err))
	}
}

// restorePauseState re-enters Paused when an unacknowledged pause
// survived the restart.
func (a *App) restorePauseState(ctx context.Context) {
	pending, cause, err := a.ops.PendingPause(ctx)
	if err != nil {
		a.log.Warn("failed to read pause state", zap.Error(err))
		return
	}
	if !pending {
		return
	}
	a.log.Warn("unacknowledged pause on record, starting paused", zap.String("cause", cause))
	a.bot.RequestPause(risk.Trip{
		Cause:       causeFromString(cause),
		Detail:      "unacknowledged pause carried over restart",
		RequiresAck: true,
	})
}

func (a *App) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// pumpFeeds moves websocket ticks into the snapshot store and the
// funding window.
func (a *App) pumpFeeds(ctx context.Context) {
	spot, err := a.live.SubscribeSpot(ctx)
	if err != nil {
		a.log.Error("spot subscription failed", zap.Error(err))
		return
	}
	perp, err := a.live.SubscribePerp(ctx)
	if err != nil {
		a.log.Error("perp subscription failed", zap.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-spot:
			a.marketSt.PublishSpot(tick.Price, tick.ConfidenceBps, tick.At)
		case tick := <-perp:
			a.marketSt.PublishPerp(tick.Mark, tick.Index, tick.At)
			a.marketSt.PublishFunding(tick.FundingRateHourly, tick.NextFunding, tick.At)
			// Out-of-order ticks are rejected by the window; not an error
			// worth surfacing per message.
			_ = a.funding.Observe(tick.At, tick.FundingRateHourly)
		}
	}
}

// signalTick is one evaluation pass: compose a snapshot, refresh the
// derived engines, and reduce everything to at most one intent.
func (a *App) signalTick(ctx context.Context) {
	now := a.clk.Now()
	snap, err := a.marketSt.Compose(now)
	if err != nil {
		a.log.Debug("skipping signal tick", zap.Error(err))
		return
	}
	basisBps := snap.BasisBps()
	a.basis.Observe(now, basisBps)

	stats, statsErr := a.funding.Stats()
	fundingOK := statsErr == nil
	// An insufficient window is not a reversal; feeding its zero stats
	// to the detector would read as a funding collapse.
	var alert reversal.Alert
	if fundingOK {
		a.setFundingAPR(stats.APRPct)
		peak, peakOK := a.funding.PeakAPRWithin(time.Hour)
		alert = a.detector.Evaluate(stats, a.funding.RecentRates(2), peak, peakOK)
	}
	a.sevLevel.Store(int32(alert.Severity))
	if alert.Severity >= reversal.Medium {
		a.metrics.ReversalAlerts.Inc()
		a.bus.Publish(telemetry.EventReversalAlert, now, alert.Severity.String(), map[string]any{
			"severity": alert.Severity.String(),
			"hint":     alert.Hint,
			"apr_pct":  alert.APRPct,
		})
	}
	// Alert the operator on escalation only, not on every tick it holds.
	if alert.Severity >= reversal.High && alert.Severity > a.lastAlertSev {
		a.reply(ctx, fmt.Sprintf("reversal %s: %s", alert.Severity, alert.Hint))
	}
	a.lastAlertSev = alert.Severity

	pos, havePos := a.book.Current()
	if havePos {
		if err := a.book.UpdateMarks(decimal.NewFromFloat(snap.SpotPrice), decimal.NewFromFloat(snap.PerpMarkPrice)); err != nil {
			a.log.Warn("mark update failed", zap.Error(err))
		}
		a.accrueFunding(now, snap)
		pos, _ = a.book.Current()
	} else {
		a.lastAccrual = time.Time{}
	}

	realized, unrealized := a.book.PnL()
	unrealF, _ := unrealized.Float64()
	notionalF, _ := a.book.NotionalQuote().Float64()
	spotF, _ := pos.Spot.SizeBase.Float64()
	perpF, _ := pos.Perp.SizeBase.Float64()
	equity := a.equity(ctx, snap)
	drawdown := a.riskMgr.DrawdownPct(equity)

	lastTrade, _, err := a.ops.LastTradeAt(ctx)
	if err != nil {
		a.log.Warn("failed to read last trade time", zap.Error(err))
	}

	in := signal.Inputs{
		Now:              now,
		Snapshot:         snap,
		Funding:          stats,
		FundingOK:        fundingOK,
		Reversal:         alert.Severity,
		HavePosition:     havePos,
		SpotSizeBase:     spotF,
		PerpSizeBase:     perpF,
		UnrealizedQuote:  unrealF,
		NotionalQuote:    notionalF,
		LastTradeAt:      lastTrade,
		RebalanceAllowed: a.limiter.Allowed(now),
	}
	if !havePos {
		proposal := a.sizing.Size(sizer.Inputs{
			EquityQuote: equity,
			SpotPrice:   snap.SpotPrice,
			Summary:     a.perfDB.Summarize(),
			BasisBps:    basisBps,
			FundingAPR:  stats.APRPct,
			Confidence:  a.signals.Confidence(in),
			DrawdownPct: drawdown,
		})
		in.ProposedSize = proposal.SizeBase
		in.SizeRationale = proposal.Rationale
	}

	a.metrics.SignalsEvaluated.Inc()
	a.publishGauges(basisBps, stats.APRPct, equity, spotF, perpF, realized, drawdown)
	a.bus.Publish(telemetry.EventSnapshotUpdate, now, "", map[string]any{
		"basis_bps": basisBps,
		"spot":      snap.SpotPrice,
		"perp_mark": snap.PerpMarkPrice,
	})
	a.hist.EnqueueBasis(history.BasisSnapshot{
		Time:              now,
		SpotAsset:         a.cfg.Trading.SpotAsset,
		PerpAsset:         a.cfg.Trading.PerpAsset,
		SpotPrice:         snap.SpotPrice,
		PerpMark:          snap.PerpMarkPrice,
		PerpIndex:         snap.PerpIndexPrice,
		BasisBps:          basisBps,
		FundingRateHourly: snap.FundingRateHourly,
		FundingAPRPct:     stats.APRPct,
		FundingVelocity:   stats.VelocityPerHour,
	})

	intent := a.signals.Evaluate(in)
	if intent.Kind == signal.Noop {
		return
	}
	a.bus.Publish(telemetry.EventSignalEmitted, now, intent.Kind.String(), map[string]any{
		"kind":       intent.Kind.String(),
		"size_base":  intent.SizeBase.String(),
		"confidence": intent.Confidence,
	})
	if !a.bot.Enqueue(intent) {
		a.log.Warn("agent mailbox full, intent dropped", zap.Stringer("kind", intent.Kind))
	}
}

// accrueFunding credits one hourly payment to the short perp leg once
// per elapsed hour of holding.
func (a *App) accrueFunding(now time.Time, snap market.Snapshot) {
	if a.lastAccrual.IsZero() {
		a.lastAccrual = now
		return
	}
	if now.Sub(a.lastAccrual) < time.Hour {
		return
	}
	pos, ok := a.book.Current()
	if !ok {
		return
	}
	perpF, _ := pos.Perp.SizeBase.Float64()
	amount := snap.FundingRateHourly * snap.PerpMarkPrice * perpF
	if err := a.book.ApplyFunding(decimal.NewFromFloat(amount).RoundBank(ledger.QuoteScale)); err != nil {
		a.log.Warn("funding accrual failed", zap.Error(err))
		return
	}
	a.lastAccrual = now
}

// riskTick runs the circuit breakers against a fresh view and relays
// any trip to the agent.
func (a *App) riskTick(ctx context.Context) {
	now := a.clk.Now()
	snap, snapErr := a.marketSt.Compose(now)

	pos, havePos := a.book.Current()
	_, unrealized := a.book.PnL()
	unrealF, _ := unrealized.Float64()
	notionalF, _ := a.book.NotionalQuote().Float64()

	// A stale snapshot says nothing about equity. Hold the last peak so
	// the drawdown check is a no-op until prices are fresh again; the
	// connectivity check catches the outage itself.
	equity := a.riskMgr.PeakEquity()
	if snapErr == nil {
		equity = a.equity(ctx, snap)
	}

	drift := 0.0
	if havePos {
		spotF, _ := pos.Spot.SizeBase.Float64()
		perpF, _ := pos.Perp.SizeBase.Float64()
		if _, d, ok := engine.HedgeRatio(spotF, perpF); ok {
			drift = d
		}
	}

	in := risk.Inputs{
		Now:                now,
		EquityQuote:        equity,
		HasPosition:        havePos,
		UnrealizedQuote:    unrealF,
		EntryNotionalQuote: notionalF,
		HedgeDriftPct:      drift,
		GatewayHealthy:     a.healthy(),
		ReversalSeverity:   reversal.Severity(a.sevLevel.Load()),
	}
	if trip, tripped := a.riskMgr.Evaluate(in); tripped {
		if !a.bot.RequestPause(trip) {
			a.log.Warn("pause channel full", zap.Stringer("cause", trip.Cause))
		}
	}

	// A connectivity pause clears itself once the feed recovers.
	if a.bot.State() == agent.StatePaused &&
		a.bot.PausedBy() == risk.CauseConnectivity.String() &&
		in.GatewayHealthy {
		if err := a.bot.RequestResume(ctx, false); err != nil {
			a.log.Warn("auto-resume failed", zap.Error(err))
		}
	}

	if havePos && snapErr == nil {
		spotF, _ := pos.Spot.SizeBase.Float64()
		perpF, _ := pos.Perp.SizeBase.Float64()
		entrySpot, _ := pos.Spot.EntryPrice.Float64()
		entryPerp, _ := pos.Perp.EntryPrice.Float64()
		fundingF, _ := pos.CumFundingQuote.Float64()
		a.hist.EnqueuePosition(history.PositionSnapshot{
			Time:            now,
			State:           a.bot.State().String(),
			SpotAsset:       a.cfg.Trading.SpotAsset,
			PerpAsset:       a.cfg.Trading.PerpAsset,
			SpotSizeBase:    spotF,
			PerpSizeBase:    perpF,
			SpotEntryPrice:  entrySpot,
			PerpEntryPrice:  entryPerp,
			HedgeDriftPct:   drift,
			UnrealizedQuote: unrealF,
			FundingAccrued:  fundingF,
			EquityQuote:     in.EquityQuote,
		})
	}
}

// rebalanceTick watches hedge drift on its own cadence. The signal
// loop catches drift too; a duplicate intent settles as a no-op once
// the legs are level again.
func (a *App) rebalanceTick(ctx context.Context) {
	if a.bot.State() != agent.StateMonitoring {
		return
	}
	pos, ok := a.book.Current()
	if !ok {
		return
	}
	now := a.clk.Now()
	if !a.limiter.Allowed(now) {
		return
	}
	spotF, _ := pos.Spot.SizeBase.Float64()
	perpF, _ := pos.Perp.SizeBase.Float64()
	if _, _, ok := engine.HedgeRatio(spotF, perpF); !ok {
		return
	}
	delta := spotF - perpF
	if math.Abs(delta)*100 <= a.cfg.Rebalance.DriftThresholdPct*spotF {
		return
	}
	if math.Abs(delta) < a.cfg.Rebalance.MinRebalanceBase {
		return
	}
	leg := ledger.LegPerp
	if delta < 0 {
		leg = ledger.LegSpot
	}
	a.bot.Enqueue(signal.Intent{Kind: signal.Rebalance, DeltaBase: delta, Leg: leg})
}

// commandLoop services operator commands from Telegram. /resume
// acknowledges a gated pause.
func (a *App) commandLoop(ctx context.Context) {
	err := a.telegram.PollUpdates(ctx, func(text string) {
		switch strings.TrimSpace(text) {
		case "/resume":
			if err := a.bot.RequestResume(ctx, true); err != nil {
				a.reply(ctx, "resume failed: "+err.Error())
				return
			}
			a.reply(ctx, "resumed")
		case "/status":
			a.reply(ctx, a.statusLine())
		}
	})
	if err != nil && ctx.Err() == nil {
		a.log.Warn("telegram polling stopped", zap.Error(err))
	}
}

func (a *App) reply(ctx context.Context, message string) {
	if err := a.telegram.Send(ctx, message); err != nil {
		a.log.Warn("telegram reply failed", zap.Error(err))
	}
}

func (a *App) statusLine() string {
	realized, unrealized := a.book.PnL()
	line := fmt.Sprintf("state=%s realized=%s unrealized=%s", a.bot.State(), realized, unrealized)
	if a.bot.State() == agent.StatePaused {
		line += " paused_by=" + a.bot.PausedBy()
	}
	return line
}

// equity marks the account in quote units. Paper equity comes from the
// simulator; live equity from venue balances at the current spot.
func (a *App) equity(ctx context.Context, snap market.Snapshot) float64 {
	if a.paper != nil {
		v, _ := a.paper.EquityQuote().Float64()
		return v
	}
	bal, err := a.gw.Balances(ctx)
	if err != nil {
		return a.riskMgr.PeakEquity()
	}
	baseF, _ := bal.BaseAvailable.Float64()
	quoteF, _ := bal.QuoteAvailable.Float64()
	collatF, _ := bal.PerpCollateral.Float64()
	return quoteF + collatF + baseF*snap.SpotPrice
}

func (a *App) healthy() bool {
	if a.live != nil {
		return a.live.Healthy()
	}
	return a.gw.Healthy()
}

func (a *App) publishGauges(basisBps, aprPct, equity, spotSize, perpSize float64, realized decimal.Decimal, drawdown float64) {
	realizedF, _ := realized.Float64()
	a.metrics.BasisBps.Set(basisBps)
	a.metrics.FundingAPRPct.Set(aprPct)
	a.metrics.EquityQuote.Set(equity)
	a.metrics.PositionBase.Set(spotSize)
	if _, drift, ok := engine.HedgeRatio(spotSize, perpSize); ok {
		a.metrics.HedgeDriftPct.Set(drift)
	} else {
		a.metrics.HedgeDriftPct.Set(0)
	}
	a.metrics.RealizedPnL.Set(realizedF)
	a.metrics.DrawdownPct.Set(drawdown)
}

func (a *App) setFundingAPR(v float64) {
	a.aprBits.Store(math.Float64bits(v))
}

func (a *App) fundingAPR() float64 {
	return math.Float64frombits(a.aprBits.Load())
}

func causeFromString(s string) risk.Cause {
	for _, c := range []risk.Cause{
		risk.CauseDrawdown, risk.CauseStopLoss, risk.CauseHedgeDrift,
		risk.CauseDailyLoss, risk.CauseErrorBudget, risk.CauseConnectivity,
		risk.CauseReversal,
	} {
		if c.String() == s {
			return c
		}
	}
	return risk.CauseNone
}
