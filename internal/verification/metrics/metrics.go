package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification module.
type Metrics struct {
	// Successful transitions by from/to status and event
	Transitions *prometheus.CounterVec

	// CAS conflicts, including those later resolved by a retry
	Conflicts prometheus.Counter

	// Events refused by the transition table
	RejectedTransitions *prometheus.CounterVec

	// Check outcomes: ok, error, not_configured, skipped
	CheckOutcomes *prometheus.CounterVec

	CheckLatency *prometheus.HistogramVec

	// Admission decisions by action and result
	AdmissionDecisions *prometheus.CounterVec

	// Records waiting in manual_review longer than the configured age
	ReviewBacklog prometheus.Gauge

	// Check runs stopped because a provider is not configured
	FailClosed prometheus.Counter
}

// New registers the verification metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_verification_transitions_total",
			Help: "Verification status transitions",
		}, []string{"from", "to", "event"}),

		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "vetting_verification_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on verification records",
		}),

		RejectedTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_verification_rejected_transitions_total",
			Help: "Events refused in the current status",
		}, []string{"status", "event"}),

		CheckOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_verification_check_outcomes_total",
			Help: "External check outcomes",
		}, []string{"check", "outcome"}),

		CheckLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vetting_verification_check_duration_seconds",
			Help:    "External check duration including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"check"}),

		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_admission_decisions_total",
			Help: "Admission gate decisions",
		}, []string{"action", "result"}),

		ReviewBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vetting_verification_review_backlog",
			Help: "Records in manual_review older than the backlog age",
		}),

		FailClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "vetting_verification_fail_closed_total",
			Help: "Check runs halted because a provider is not configured",
		}),
	}
}

func (m *Metrics) IncTransition(from, to, event string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to, event).Inc()
	}
}

func (m *Metrics) IncConflict() {
	if m != nil {
		m.Conflicts.Inc()
	}
}

func (m *Metrics) IncRejectedTransition(status, event string) {
	if m != nil {
		m.RejectedTransitions.WithLabelValues(status, event).Inc()
	}
}

func (m *Metrics) IncCheckOutcome(check, outcome string) {
	if m != nil {
		m.CheckOutcomes.WithLabelValues(check, outcome).Inc()
	}
}

// ObserveCheckLatency records the duration of one check including retries.
func (m *Metrics) ObserveCheckLatency(check string, d time.Duration) {
	if m != nil {
		m.CheckLatency.WithLabelValues(check).Observe(d.Seconds())
	}
}

func (m *Metrics) IncAdmission(action string, allowed bool) {
	if m != nil {
		result := "denied"
		if allowed {
			result = "allowed"
		}
		m.AdmissionDecisions.WithLabelValues(action, result).Inc()
	}
}

func (m *Metrics) SetReviewBacklog(n int) {
	if m != nil {
		m.ReviewBacklog.Set(float64(n))
	}
}

func (m *Metrics) IncFailClosed() {
	if m != nil {
		m.FailClosed.Inc()
	}
}
