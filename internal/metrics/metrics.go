package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay exposes generation lifecycle metrics. It satisfies the relay
// package's Metrics interface.
type Relay struct {
	activeGenerations prometheus.Gauge
	generationsTotal  *prometheus.CounterVec
	deltasTotal       prometheus.Counter
}

func NewRelay(reg *prometheus.Registry) *Relay {
	factory := promauto.With(reg)
	return &Relay{
		activeGenerations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_generations",
			Help: "Number of in-flight assistant generations.",
		}),
		generationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_generations_total",
			Help: "Completed generations by outcome.",
		}, []string{"outcome"}),
		deltasTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_stream_deltas_total",
			Help: "Content deltas relayed from upstream.",
		}),
	}
}

func (r *Relay) GenerationStarted() {
	r.activeGenerations.Inc()
}

func (r *Relay) GenerationFinished(outcome string) {
	r.activeGenerations.Dec()
	r.generationsTotal.WithLabelValues(outcome).Inc()
}

func (r *Relay) DeltaRelayed() {
	r.deltasTotal.Inc()
}

// Handler returns the scrape endpoint for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
