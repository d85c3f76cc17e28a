package telemetry

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	PositionsOpened  Counter
	PositionsClosed  Counter
	Rebalances       Counter
	PausesTriggered  Counter
	GatewayErrors    Counter
	ReversalAlerts   Counter
	SignalsEvaluated Counter

	BasisBps      Gauge
	FundingAPRPct Gauge
	EquityQuote   Gauge
	PositionBase  Gauge
	HedgeDriftPct Gauge
	RealizedPnL   Gauge
	DrawdownPct   Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		PositionsOpened:  c,
		PositionsClosed:  c,
		Rebalances:       c,
		PausesTriggered:  c,
		GatewayErrors:    c,
		ReversalAlerts:   c,
		SignalsEvaluated: c,
		BasisBps:         g,
		FundingAPRPct:    g,
		EquityQuote:      g,
		PositionBase:     g,
		HedgeDriftPct:    g,
		RealizedPnL:      g,
		DrawdownPct:      g,
	}
}
