package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncFactAppended("access")
		m.IncAppendFailure("validation")
		m.IncObserverDropped()
		m.IncAlertRaised("after_hours_access", "low")
		m.SetSnapshot("prints_today", 3)
		m.SetSnapshotStale(true)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncFactAppended("access")
	m.IncFactAppended("access")
	m.IncFactAppended("print")
	m.IncAlertRaised("repeated_failed_access", "high")
	m.SetSnapshot("prints_today", 6)
	m.SetSnapshotStale(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FactsAppended.WithLabelValues("access")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FactsAppended.WithLabelValues("print")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsRaised.WithLabelValues("repeated_failed_access", "high")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.SnapshotValue.WithLabelValues("prints_today")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotStale))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IncFactAppended("modification")

	e := echo.New()
	e.GET("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `auditcore_facts_appended_total{kind="modification"} 1`)
}
