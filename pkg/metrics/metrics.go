// Package metrics holds the Prometheus collectors of forecastd. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle kinds
const (
	CycleForecast  = "forecast"
	CycleMigration = "migration"
	CyclePredict   = "predictions"
)

// Metrics groups every collector.
type Metrics struct {
	registry *prometheus.Registry

	cycleDuration *prometheus.HistogramVec
	cycles        *prometheus.CounterVec

	jobsLaunched *prometheus.CounterVec

	forecastsIngested prometheus.Counter
	forecastRows      *prometheus.CounterVec

	rowsPublished   prometheus.Counter
	publishFailures prometheus.Counter
	assetsDeferred  prometheus.Counter

	loadBatches *prometheus.CounterVec
	rowsLoaded  prometheus.Counter
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(registry)
	return &Metrics{
		registry: registry,
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forecastd_cycle_duration_seconds",
			Help:    "Duration of periodic cycles.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"kind"}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forecastd_cycles_total",
			Help: "Periodic cycles by outcome.",
		}, []string{"kind", "outcome"}),
		jobsLaunched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forecastd_jobs_launched_total",
			Help: "Remote training and inference launches by outcome.",
		}, []string{"kind", "outcome"}),
		forecastsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "forecastd_forecasts_ingested_total",
			Help: "Forecast files written back to history.",
		}),
		forecastRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forecastd_forecast_rows_total",
			Help: "Synthetic history rows written by outcome.",
		}, []string{"outcome"}),
		rowsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "forecastd_history_rows_published_total",
			Help: "Raw history rows published to the message bus.",
		}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "forecastd_publish_failures_total",
			Help: "Failed message bus publishes.",
		}),
		assetsDeferred: f.NewCounter(prometheus.CounterOpts{
			Name: "forecastd_migration_assets_deferred_total",
			Help: "Assets left for the next migration cycle when the budget ran out.",
		}),
		loadBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forecastd_analytics_batches_total",
			Help: "Analytical store insert batches by outcome.",
		}, []string{"outcome"}),
		rowsLoaded: f.NewCounter(prometheus.CounterOpts{
			Name: "forecastd_analytics_rows_total",
			Help: "Rows loaded into the analytical store.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) CycleFinished(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.cycles.WithLabelValues(kind, outcome(err)).Inc()
}

// CycleSkipped counts a trigger that fired while the previous cycle ran
func (m *Metrics) CycleSkipped(kind string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(kind, "skipped").Inc()
}

func (m *Metrics) JobLaunched(kind string, err error) {
	if m == nil {
		return
	}
	m.jobsLaunched.WithLabelValues(kind, outcome(err)).Inc()
}

func (m *Metrics) ForecastIngested(written, failed int) {
	if m == nil {
		return
	}
	m.forecastsIngested.Inc()
	m.forecastRows.WithLabelValues("ok").Add(float64(written))
	m.forecastRows.WithLabelValues("error").Add(float64(failed))
}

func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishFailures.Inc()
		return
	}
	m.rowsPublished.Inc()
}

func (m *Metrics) AssetsDeferred(n int) {
	if m == nil {
		return
	}
	m.assetsDeferred.Add(float64(n))
}

func (m *Metrics) BatchLoaded(rows int, err error) {
	if m == nil {
		return
	}
	m.loadBatches.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.rowsLoaded.Add(float64(rows))
	}
}
