package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "grvt_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promSymbolGauge struct {
	vec *prometheus.GaugeVec
}

func (p promSymbolGauge) Set(symbol string, v float64) {
	p.vec.WithLabelValues(symbol).Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		}, []string{"instrument"})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		OrdersPlaced:     promCounter{counter("orders_placed_total", "Total number of strategy orders placed.")},
		OrdersFailed:     promCounter{counter("orders_failed_total", "Total number of order placement failures.")},
		OrdersCancelled:  promCounter{counter("orders_cancelled_total", "Total number of strategy orders cancelled.")},
		PostOnlyRejects:  promCounter{counter("post_only_rejects_total", "Total number of post-only rejections.")},
		CooldownsEngaged: promCounter{counter("cooldowns_engaged_total", "Total number of post-only cooldowns engaged.")},
		LotsMatched:      promCounter{counter("lots_matched_total", "Total number of cross-account lot matches.")},
		AlertsSent:       promCounter{counter("alerts_sent_total", "Total number of alert messages sent to the chat gateway.")},
		PositionDiff:     promSymbolGauge{gauge("position_diff_usdt", "Absolute notional difference between the two accounts.")},
		TotalPosition:    promSymbolGauge{gauge("total_position_usdt", "Combined absolute notional of both accounts.")},
		UnmatchedLots:    promSymbolGauge{gauge("unmatched_lots", "Number of unmatched fill lots.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
