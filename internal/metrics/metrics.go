// Package metrics exposes the polling runtime's counters and timings
// via Prometheus, every series labeled by pollable kind.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aeternitas"

// Metrics is the instrumentation the executor and queue emit into.
//
// failed_polls counts ignored errors too, but not deactivations or lock
// contention; those get their own series.
type Metrics struct {
	Polls           *prometheus.CounterVec
	SuccessfulPolls *prometheus.CounterVec
	FailedPolls     *prometheus.CounterVec
	IgnoredErrors   *prometheus.CounterVec
	Deactivations   *prometheus.CounterVec

	GuardLocked          *prometheus.CounterVec
	GuardTimeoutExceeded *prometheus.CounterVec

	ExecutionTime *prometheus.HistogramVec
	GuardTimeout  *prometheus.HistogramVec
}

// New registers the metric set with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		}, []string{"kind"})
	}

	return &Metrics{
		Polls:           counter("polls_total", "Poll executions started."),
		SuccessfulPolls: counter("successful_polls_total", "Poll executions that completed successfully."),
		FailedPolls:     counter("failed_polls_total", "Poll executions that failed (includes ignored errors)."),
		IgnoredErrors:   counter("ignored_errors_total", "Failed polls whose error matched an ignored kind."),
		Deactivations:   counter("deactivations_total", "Pollables terminally deactivated by a configured error kind."),

		GuardLocked:          counter("guard_locked_total", "Poll executions that hit a locked guard."),
		GuardTimeoutExceeded: counter("guard_timeout_exceeded_total", "Polls that ran longer than their guard timeout."),

		ExecutionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_time_seconds",
			Help:      "Poll execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind"}),
		GuardTimeout: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guard_timeout_seconds",
			Help:      "Reported wait until a locked guard frees up.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"kind"}),
	}
}

// Nop returns a metric set bound to a private registry; emissions go
// nowhere. Useful default for tests and library embedding.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveExecution records one execution duration.
func (m *Metrics) ObserveExecution(kind string, d time.Duration) {
	m.ExecutionTime.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveGuardTimeout records how far away a locked guard's retry time is.
func (m *Metrics) ObserveGuardTimeout(kind string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.GuardTimeout.WithLabelValues(kind).Observe(d.Seconds())
}
