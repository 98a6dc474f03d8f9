package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for pipeline runs. All methods are
// nil-safe so components can run without metrics in tests.
type Metrics struct {
	// Step attempts by step name and result ("success", "retry", "failed")
	StepAttempts *prometheus.CounterVec

	// Duration of individual step attempts
	StepDuration *prometheus.HistogramVec

	// Terminal run outcomes by state and failing step
	RunOutcomes *prometheus.CounterVec

	// Gate polls by result ("ready", "not_ready")
	GatePolls *prometheus.CounterVec

	// Rows written by the loader ("inserted", "updated")
	RowsLoaded *prometheus.CounterVec

	// Run events that could not be published
	EventsDropped prometheus.Counter
}

// New creates and registers all pipeline metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "userpipe_step_attempts_total",
			Help: "Total step attempts by step and result",
		}, []string{"step", "result"}),

		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "userpipe_step_duration_seconds",
			Help:    "Duration of a single step attempt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"step"}),

		RunOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "userpipe_run_outcomes_total",
			Help: "Terminal run outcomes by state and failed step",
		}, []string{"state", "failed_step"}),

		GatePolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "userpipe_gate_polls_total",
			Help: "Availability polls against the source by result",
		}, []string{"result"}),

		RowsLoaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "userpipe_rows_loaded_total",
			Help: "Destination rows written by the loader",
		}, []string{"operation"}),

		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "userpipe_run_events_dropped_total",
			Help: "Run events dropped because publishing failed or the circuit was open",
		}),
	}
}

func (m *Metrics) ObserveStepAttempt(step, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(step, result).Inc()
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) IncrementRunOutcome(state, failedStep string) {
	if m != nil {
		m.RunOutcomes.WithLabelValues(state, failedStep).Inc()
	}
}

func (m *Metrics) IncrementGatePoll(ready bool) {
	if m == nil {
		return
	}
	result := "not_ready"
	if ready {
		result = "ready"
	}
	m.GatePolls.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementRowsLoaded(inserted bool) {
	if m == nil {
		return
	}
	op := "updated"
	if inserted {
		op = "inserted"
	}
	m.RowsLoaded.WithLabelValues(op).Inc()
}

func (m *Metrics) IncrementEventsDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}
