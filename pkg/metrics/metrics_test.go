package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CycleFinished(CycleForecast, time.Second, nil)
	m.CycleSkipped(CycleMigration)
	m.JobLaunched("train", errors.New("x"))
	m.ForecastIngested(1, 0)
	m.Published(nil)
	m.AssetsDeferred(2)
	m.BatchLoaded(3, nil)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.CycleFinished(CycleMigration, time.Second, nil)
	m.CycleFinished(CycleMigration, time.Second, errors.New("lock"))
	m.CycleSkipped(CycleMigration)
	m.Published(nil)
	m.Published(nil)
	m.Published(errors.New("down"))
	m.BatchLoaded(10, nil)
	m.BatchLoaded(10, errors.New("quota"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues(CycleMigration, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues(CycleMigration, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues(CycleMigration, "skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rowsPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishFailures))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.rowsLoaded))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ForecastIngested(5, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "forecastd_forecasts_ingested_total 1")
}
