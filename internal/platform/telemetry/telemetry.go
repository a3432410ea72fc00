// Package telemetry holds the Prometheus collectors of the audit core.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package telemetry

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "auditcore"

// Metrics groups every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	FactsAppended     *prometheus.CounterVec
	AppendFailures    *prometheus.CounterVec
	AppendDuration    prometheus.Histogram
	ObserverDropped   prometheus.Counter
	ObserverPanics    *prometheus.CounterVec
	AlertsRaised      *prometheus.CounterVec
	AlertTransitions  *prometheus.CounterVec
	AlertsSuppressed  *prometheus.CounterVec
	NotifierFailures  *prometheus.CounterVec
	PrintAttempts     *prometheus.CounterVec
	SnapshotValue     *prometheus.GaugeVec
	SnapshotStale     prometheus.Gauge
	SnapshotDuration  prometheus.Histogram
	RateLimitRejected prometheus.Counter
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		FactsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "facts_appended_total",
			Help: "Audit facts appended, by kind.",
		}, []string{"kind"}),
		AppendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "append_failures_total",
			Help: "Rejected or failed appends, by reason.",
		}, []string{"reason"}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "append_duration_seconds",
			Help:    "Time spent in the append critical section.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ObserverDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "observer_dropped_total",
			Help: "Append events dropped because the observer buffer was full.",
		}),
		ObserverPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "observer_panics_total",
			Help: "Observer callbacks that panicked, by observer.",
		}, []string{"observer"}),
		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_raised_total",
			Help: "Security alerts created, by type and severity.",
		}, []string{"type", "severity"}),
		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_transitions_total",
			Help: "Alert status transitions, by target status.",
		}, []string{"status"}),
		AlertsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_suppressed_total",
			Help: "Rule findings suppressed by an open alert for the same subject.",
		}, []string{"type"}),
		NotifierFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifier_failures_total",
			Help: "Alert notifications that failed, by notifier.",
		}, []string{"notifier"}),
		PrintAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "print_attempts_total",
			Help: "Print submissions, by outcome.",
		}, []string{"outcome"}),
		SnapshotValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "security_snapshot",
			Help: "Latest security metrics snapshot, by metric.",
		}, []string{"metric"}),
		SnapshotStale: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "security_snapshot_stale",
			Help: "1 when the latest snapshot is partial or stale.",
		}),
		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "security_snapshot_duration_seconds",
			Help:    "Time spent computing a metrics snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimitRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_rejected_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil {
		return func(c echo.Context) error { return c.NoContent(http.StatusNotFound) }
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) IncFactAppended(kind string) {
	if m == nil {
		return
	}
	m.FactsAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncAppendFailure(reason string) {
	if m == nil {
		return
	}
	m.AppendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAppendDuration(seconds float64) {
	if m == nil {
		return
	}
	m.AppendDuration.Observe(seconds)
}

func (m *Metrics) IncObserverDropped() {
	if m == nil {
		return
	}
	m.ObserverDropped.Inc()
}

func (m *Metrics) IncObserverPanic(observer string) {
	if m == nil {
		return
	}
	m.ObserverPanics.WithLabelValues(observer).Inc()
}

func (m *Metrics) IncAlertRaised(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) IncAlertTransition(status string) {
	if m == nil {
		return
	}
	m.AlertTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncAlertSuppressed(alertType string) {
	if m == nil {
		return
	}
	m.AlertsSuppressed.WithLabelValues(alertType).Inc()
}

func (m *Metrics) IncNotifierFailure(notifier string) {
	if m == nil {
		return
	}
	m.NotifierFailures.WithLabelValues(notifier).Inc()
}

func (m *Metrics) IncPrintAttempt(outcome string) {
	if m == nil {
		return
	}
	m.PrintAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRateLimitRejected() {
	if m == nil {
		return
	}
	m.RateLimitRejected.Inc()
}

// SetSnapshot publishes one snapshot value.
func (m *Metrics) SetSnapshot(metric string, v float64) {
	if m == nil {
		return
	}
	m.SnapshotValue.WithLabelValues(metric).Set(v)
}

func (m *Metrics) SetSnapshotStale(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.SnapshotStale.Set(1)
		return
	}
	m.SnapshotStale.Set(0)
}

func (m *Metrics) ObserveSnapshotDuration(seconds float64) {
	if m == nil {
		return
	}
	m.SnapshotDuration.Observe(seconds)
}
