package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the event action pipeline. All methods
// are safe on a nil receiver.
type Metrics struct {
	// Requested actions by type and outcome (accepted, requested, rejected, replay, or an error code)
	Actions *prometheus.CounterVec

	// Duration of one action request, retries included
	ActionLatency *prometheus.HistogramVec

	// Optimistic append losses; each one triggers a retry
	AppendConflicts *prometheus.CounterVec

	// Duplicate checks by result (clean, duplicates, skipped, failed)
	DedupChecks *prometheus.CounterVec

	DedupLatency prometheus.Histogram

	// Failed side effects after commit by kind (index, notify)
	SideEffectFailures *prometheus.CounterVec
}

// New registers the metrics with the default registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crvs_event_actions_total",
			Help: "Total action requests by action type and outcome",
		}, []string{"action", "outcome"}),

		ActionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crvs_event_action_duration_seconds",
			Help:    "Duration of action requests including retries",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"action"}),

		AppendConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crvs_event_append_conflicts_total",
			Help: "Optimistic concurrency conflicts on log append",
		}, []string{"action"}),

		DedupChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crvs_event_dedup_checks_total",
			Help: "Duplicate checks by result",
		}, []string{"result"}),

		DedupLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crvs_event_dedup_duration_seconds",
			Help:    "Duration of duplicate checks",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		SideEffectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crvs_event_side_effect_failures_total",
			Help: "Post-commit side effects that failed",
		}, []string{"kind"}),
	}
}

func (m *Metrics) IncrementAction(action, outcome string) {
	if m != nil {
		m.Actions.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) ObserveActionLatency(action string, d time.Duration) {
	if m != nil {
		m.ActionLatency.WithLabelValues(action).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementConflict(action string) {
	if m != nil {
		m.AppendConflicts.WithLabelValues(action).Inc()
	}
}

// ObserveDedup records one duplicate check.
func (m *Metrics) ObserveDedup(result string, d time.Duration) {
	if m != nil {
		m.DedupChecks.WithLabelValues(result).Inc()
		m.DedupLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementSideEffectFailure(kind string) {
	if m != nil {
		m.SideEffectFailures.WithLabelValues(kind).Inc()
	}
}
