package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTableRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlake_cdc_table_runs_total", Help: "Table runs by outcome.",
	}, []string{"table", "status"})

	metricChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlake_cdc_changes_total", Help: "Detected row changes by operation.",
	}, []string{"table", "operation"})

	metricSnapshotErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlake_cdc_snapshot_write_errors_total", Help: "Snapshot artifact write failures.",
	}, []string{"table"})

	metricTableDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "driftlake_cdc_table_duration_seconds",
		Help:    "Wall time of one table run.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"table"})
)
