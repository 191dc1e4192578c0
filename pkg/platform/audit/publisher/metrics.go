package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	audit "vetting/pkg/platform/audit"
)

// Metrics holds Prometheus metrics for standalone audit emission.
type Metrics struct {
	Emitted         *prometheus.CounterVec
	PersistFailures *prometheus.CounterVec
	PersistDuration prometheus.Histogram
}

// NewMetrics registers the publisher metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Emitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_audit_emitted_total",
			Help: "Standalone audit entries persisted, by event type",
		}, []string{"event_type"}),
		PersistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_audit_persist_failures_total",
			Help: "Standalone audit entries that failed to persist, by event type",
		}, []string{"event_type"}),
		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vetting_audit_persist_duration_seconds",
			Help:    "Time taken to persist a standalone audit entry",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}

func (m *Metrics) IncEmitted(t audit.EventType) {
	if m == nil {
		return
	}
	m.Emitted.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) IncPersistFailures(t audit.EventType) {
	if m == nil {
		return
	}
	m.PersistFailures.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) ObservePersistDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PersistDuration.Observe(seconds)
}
