package metrics

type Counter interface {
	Inc()
}

// SymbolGauge is a gauge labelled by instrument.
type SymbolGauge interface {
	Set(symbol string, v float64)
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	OrdersCancelled  Counter
	PostOnlyRejects  Counter
	CooldownsEngaged Counter
	LotsMatched      Counter
	AlertsSent       Counter

	PositionDiff  SymbolGauge
	TotalPosition SymbolGauge
	UnmatchedLots SymbolGauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(string, float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:     c,
		OrdersFailed:     c,
		OrdersCancelled:  c,
		PostOnlyRejects:  c,
		CooldownsEngaged: c,
		LotsMatched:      c,
		AlertsSent:       c,
		PositionDiff:     g,
		TotalPosition:    g,
		UnmatchedLots:    g,
	}
}
