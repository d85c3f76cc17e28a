package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "sol_basis_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	positionsOpened := newCounter("positions_opened_total", "Total number of basis positions opened.")
	positionsClosed := newCounter("positions_closed_total", "Total number of basis positions closed.")
	rebalances := newCounter("rebalances_total", "Total number of hedge rebalances executed.")
	pauses := newCounter("pauses_total", "Total number of risk pauses triggered.")
	gatewayErrors := newCounter("gateway_errors_total", "Total number of gateway submission failures.")
	reversalAlerts := newCounter("reversal_alerts_total", "Total number of funding reversal alerts at Medium severity or above.")
	signals := newCounter("signals_evaluated_total", "Total number of signal engine evaluations.")

	basisBps := newGauge("basis_bps", "Current perp-spot basis in basis points.")
	fundingAPR := newGauge("funding_apr_pct", "Current annualized funding rate in percent.")
	equity := newGauge("equity_quote", "Account equity in quote units.")
	positionBase := newGauge("position_base", "Open position size in base units.")
	hedgeDrift := newGauge("hedge_drift_pct", "Hedge drift between legs in percent.")
	realized := newGauge("realized_pnl_quote", "Cumulative realized PnL in quote units.")
	drawdown := newGauge("drawdown_pct", "Current drawdown from peak equity in percent.")

	registry.MustRegister(
		positionsOpened, positionsClosed, rebalances, pauses, gatewayErrors, reversalAlerts, signals,
		basisBps, fundingAPR, equity, positionBase, hedgeDrift, realized, drawdown,
	)

	m := &Metrics{
		PositionsOpened:  promCounter{positionsOpened},
		PositionsClosed:  promCounter{positionsClosed},
		Rebalances:       promCounter{rebalances},
		PausesTriggered:  promCounter{pauses},
		GatewayErrors:    promCounter{gatewayErrors},
		ReversalAlerts:   promCounter{reversalAlerts},
		SignalsEvaluated: promCounter{signals},
		BasisBps:         promGauge{basisBps},
		FundingAPRPct:    promGauge{fundingAPR},
		EquityQuote:      promGauge{equity},
		PositionBase:     promGauge{positionBase},
		HedgeDriftPct:    promGauge{hedgeDrift},
		RealizedPnL:      promGauge{realized},
		DrawdownPct:      promGauge{drawdown},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
