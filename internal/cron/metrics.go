package cron

import (
	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "price_watcher"
	metricsSubsystem = "etl"
)

// Metrics holds the scheduler's Prometheus collectors
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	RecordsIngested prometheus.Counter
	RecordsSkipped  prometheus.Counter
	SkippedTicks    prometheus.Counter
	Running         prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "runs_total",
				Help:      "Total number of ETL runs by outcome and trigger",
			},
			[]string{"status", "trigger"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "run_duration_seconds",
				Help:      "Duration of ETL runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		RecordsIngested: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "records_ingested_total",
				Help:      "Price records written to storage",
			},
		),
		RecordsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "records_skipped_total",
				Help:      "Invalid price records dropped during transform",
			},
		),
		SkippedTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "skipped_ticks_total",
				Help:      "Ticks skipped because the previous run was still in progress",
			},
		),
		Running: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "run_in_progress",
				Help:      "1 while an ETL run is executing",
			},
		),
	}
}

func (m *Metrics) observe(run types.JobRun) {
	m.RunsTotal.WithLabelValues(string(run.Outcome.Status), string(run.Trigger)).Inc()
	m.RunDuration.Observe(run.Duration().Seconds())
	m.RecordsIngested.Add(float64(run.RecordsIngested))
	m.RecordsSkipped.Add(float64(run.RecordsSkipped))
}
