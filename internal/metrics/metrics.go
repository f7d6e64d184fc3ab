// Package metrics exposes Prometheus collectors for the engine.
//
// Label cardinality is bounded: direction is E or R, outcome and category
// come from fixed sets. Taxpayers and keys are never labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine events. A nil *Metrics records nothing.
type Recorder interface {
	Submission(direction, outcome string)
	Poll(direction, disposition string)
	StateChange(direction, state string)
	QueueDrained(processed int, seconds float64)
	RateLimited(operation string)
	TokenRequest(outcome string)
}

// Metrics implements Recorder with Prometheus collectors.
type Metrics struct {
	submissions  *prometheus.CounterVec
	polls        *prometheus.CounterVec
	states       *prometheus.CounterVec
	drained      prometheus.Counter
	drainSeconds prometheus.Histogram
	rateLimited  *prometheus.CounterVec
	tokens       *prometheus.CounterVec
}

var _ Recorder = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "submissions_total",
			Help:      "Documents posted to the reception API by outcome.",
		}, []string{"direction", "outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "status_queries_total",
			Help:      "Status queries by reported disposition.",
		}, []string{"direction", "disposition"}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "state_changes_total",
			Help:      "Document state transitions by new state.",
		}, []string{"direction", "state"}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "queue_entries_processed_total",
			Help:      "Queue entries processed by the sender.",
		}),
		drainSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "facturador",
			Name:      "queue_drain_duration_seconds",
			Help:      "Duration of one pass over the queue.",
			Buckets:   []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "rate_limited_total",
			Help:      "Calls deferred by the local rate limiter.",
		}, []string{"operation"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "token_requests_total",
			Help:      "Identity provider requests by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.submissions, m.polls, m.states, m.drained, m.drainSeconds, m.rateLimited, m.tokens)
	}
	return m
}

func (m *Metrics) Submission(direction, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) Poll(direction, disposition string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(direction, disposition).Inc()
}

func (m *Metrics) StateChange(direction, state string) {
	if m == nil {
		return
	}
	m.states.WithLabelValues(direction, state).Inc()
}

func (m *Metrics) QueueDrained(processed int, seconds float64) {
	if m == nil {
		return
	}
	m.drained.Add(float64(processed))
	m.drainSeconds.Observe(seconds)
}

func (m *Metrics) RateLimited(operation string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(operation).Inc()
}

func (m *Metrics) TokenRequest(outcome string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(outcome).Inc()
}
