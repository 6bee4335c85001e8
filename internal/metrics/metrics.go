// Package metrics provides Prometheus metrics for the listings pipeline.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "listings_etl"

// Metrics holds all Prometheus metrics for one process.
type Metrics struct {
	reg *prometheus.Registry

	// Run metrics
	RunsTotal            *prometheus.CounterVec
	LastSuccessTimestamp *prometheus.GaugeVec

	// Step metrics
	StepDuration *prometheus.HistogramVec
	StepFailures *prometheus.CounterVec

	// Record metrics
	RowsAttempted *prometheus.GaugeVec
	RowsLoaded    *prometheus.GaugeVec
	RowsSkipped   *prometheus.GaugeVec
	SourceBytes   *prometheus.GaugeVec

	// Error metrics
	StageRetries    *prometheus.CounterVec
	AuxiliaryErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled     bool
	Address     string // Address for metrics HTTP server (e.g., ":9090")
	Pushgateway string // Pushgateway base URL; empty disables pushing
}

// New registers every collector on a private registry, so several pipelines
// in one test binary never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by final state",
			},
			[]string{"table", "state"},
		),
		LastSuccessTimestamp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last run that reached Done",
			},
			[]string{"table"},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Time spent in each pipeline step",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
			},
			[]string{"table", "step"},
		),
		StepFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_failures_total",
				Help:      "Total number of failed steps by error kind",
			},
			[]string{"table", "step", "kind"},
		),
		RowsAttempted: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rows_attempted",
				Help:      "Rows handed to the warehouse by the last load",
			},
			[]string{"table"},
		),
		RowsLoaded: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rows_loaded",
				Help:      "Rows accepted by the warehouse in the last load",
			},
			[]string{"table"},
		),
		RowsSkipped: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rows_skipped",
				Help:      "Rows dropped by normalization or rejected by the warehouse in the last run",
			},
			[]string{"table"},
		),
		SourceBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "source_bytes",
				Help:      "Size of the last fetched source object",
			},
			[]string{"table"},
		),
		StageRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Total number of retried stage uploads",
			},
			[]string{"table"},
		),
		AuxiliaryErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auxiliary_errors_total",
				Help:      "Failures of checkpoint, catalog and audit writes that did not fail the run",
			},
			[]string{"component"},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func (m *Metrics) StartServer(address string) error {
	return http.ListenAndServe(address, m.Handler())
}

// Push sends the current registry to a Pushgateway. A batch job exits
// before any scrape would see it, so this is the usual path for cron runs.
// The grouping key is "dataset" since every series already carries "table".
func (m *Metrics) Push(ctx context.Context, gatewayURL, job, dataset string) error {
	if gatewayURL == "" {
		return fmt.Errorf("metrics: pushgateway URL is required")
	}
	if job == "" {
		job = namespace
	}
	return push.New(gatewayURL, job).
		Gatherer(m.reg).
		Grouping("dataset", dataset).
		PushContext(ctx)
}

// ObserveStep records one step's duration and, when kind is non-empty, its failure.
func (m *Metrics) ObserveStep(table, step string, d time.Duration, kind string) {
	m.StepDuration.WithLabelValues(table, step).Observe(d.Seconds())
	if kind != "" {
		m.StepFailures.WithLabelValues(table, step, kind).Inc()
	}
}

// IncRuns counts a finished run.
func (m *Metrics) IncRuns(table, state string) {
	m.RunsTotal.WithLabelValues(table, state).Inc()
}

// SetLastSuccess stamps the time of a successful run.
func (m *Metrics) SetLastSuccess(table string, t time.Time) {
	m.LastSuccessTimestamp.WithLabelValues(table).Set(float64(t.Unix()))
}

// SetRows publishes the record counts of the last run.
func (m *Metrics) SetRows(table string, attempted, loaded, skipped int64) {
	m.RowsAttempted.WithLabelValues(table).Set(float64(attempted))
	m.RowsLoaded.WithLabelValues(table).Set(float64(loaded))
	m.RowsSkipped.WithLabelValues(table).Set(float64(skipped))
}

// SetSourceBytes records the fetched object size.
func (m *Metrics) SetSourceBytes(table string, n int64) {
	m.SourceBytes.WithLabelValues(table).Set(float64(n))
}

// IncStageRetries increments the stage retry counter.
func (m *Metrics) IncStageRetries(table string) {
	m.StageRetries.WithLabelValues(table).Inc()
}

// IncAuxiliaryErrors counts a non-fatal failure in a side component.
func (m *Metrics) IncAuxiliaryErrors(component string) {
	m.AuxiliaryErrors.WithLabelValues(component).Inc()
}
