// Package monitor exposes batch progress as Prometheus metrics and a health endpoint.
package monitor

import (
	"net/http"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records match progress. It implements match.Observer and the scheduler's recorder.
type Metrics struct {
	registry *prometheus.Registry

	matches       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	running       prometheus.Gauge
	pending       prometheus.Gauge
	portsInUse    prometheus.Gauge
	storeFailures prometheus.Counter
}

// NewMetrics creates the gauntlet metrics on a private registry, together with the
// standard process and Go collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gauntlet",
			Name:      "matches_total",
			Help:      "Finished matches by status and winner.",
		}, []string{"status", "winner", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gauntlet",
			Name:      "match_duration_seconds",
			Help:      "Wall time of finished matches.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gauntlet",
			Name:      "match_state_transitions_total",
			Help:      "Match state machine transitions by target state.",
		}, []string{"state"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gauntlet",
			Name:      "matches_running",
			Help:      "Matches currently occupying a slot.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gauntlet",
			Name:      "items_pending",
			Help:      "Eligible items waiting for a slot.",
		}),
		portsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gauntlet",
			Name:      "ports_in_use",
			Help:      "Ports held by running or quarantined matches.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gauntlet",
			Name:      "result_store_failures_total",
			Help:      "Results that could not be stored after retrying.",
		}),
	}

	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(m.matches, m.duration, m.transitions, m.running, m.pending, m.portsInUse, m.storeFailures)
	return m
}

// StateChanged implements match.Observer
func (m *Metrics) StateChanged(id string, from, to match.State) {
	m.transitions.WithLabelValues(to.String()).Inc()
}

// MatchStarted counts a match taking a slot
func (m *Metrics) MatchStarted() {
	m.running.Inc()
}

// MatchFinished counts a match leaving its slot. res is nil for abandoned attempts.
func (m *Metrics) MatchFinished(res *match.Result) {
	m.running.Dec()
	if res == nil {
		return
	}
	m.matches.WithLabelValues(string(res.Status), string(res.Winner), string(res.ErrorKind)).Inc()
	m.duration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
}

// Skipped counts an ineligible item
func (m *Metrics) Skipped(res *match.Result) {
	m.matches.WithLabelValues(string(res.Status), "", string(res.ErrorKind)).Inc()
}

// StoreFailed counts a result that could not be stored
func (m *Metrics) StoreFailed() {
	m.storeFailures.Inc()
}

// SetPending records the dispatch queue length
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

// SetPortsInUse records the allocator's held ports
func (m *Metrics) SetPortsInUse(n int) {
	m.portsInUse.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
