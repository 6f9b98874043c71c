package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pool's instrumentation on a dedicated registry so
// tests and embedders never collide with the global one. A nil *Metrics
// is valid and turns every method into a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	OutcomesTotal        *prometheus.CounterVec
	FailuresTotal        *prometheus.CounterVec
	RetriesTotal         prometheus.Counter
	PausesTotal          prometheus.Counter
	SessionRestartsTotal prometheus.Counter
	UnitDuration         prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_outcomes_total",
			Help: "Resolved work units by outcome status.",
		}, []string{"status"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_failures_total",
			Help: "Failure outcomes by error kind.",
		}, []string{"kind"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Units re-enqueued after a transient failure.",
		}),
		PausesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_dispatch_pauses_total",
			Help: "Times the pool paused dispatch for a cooldown.",
		}),
		SessionRestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_session_restarts_total",
			Help: "Browser sessions discarded and recreated by workers.",
		}),
		UnitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_unit_duration_seconds",
			Help:    "Wall time spent on a single work unit attempt.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
	}

	m.Registry.MustRegister(
		m.OutcomesTotal,
		m.FailuresTotal,
		m.RetriesTotal,
		m.PausesTotal,
		m.SessionRestartsTotal,
		m.UnitDuration,
	)
	return m
}

func (m *Metrics) IncOutcome(status string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) IncPause() {
	if m == nil {
		return
	}
	m.PausesTotal.Inc()
}

func (m *Metrics) IncSessionRestart() {
	if m == nil {
		return
	}
	m.SessionRestartsTotal.Inc()
}

func (m *Metrics) ObserveUnitDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.UnitDuration.Observe(d.Seconds())
}
