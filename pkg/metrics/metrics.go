package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arkd_instances_total",
			Help: "Total number of managed instances by status",
		},
		[]string{"status"},
	)

	StartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arkd_starts_total",
			Help: "Total number of start operations",
		},
	)

	StopsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arkd_stops_total",
			Help: "Total number of stop operations",
		},
	)

	OperationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkd_operation_failures_total",
			Help: "Total number of failed operations by kind",
		},
		[]string{"operation"},
	)

	StartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arkd_start_duration_seconds",
			Help:    "Time from start request to confirmed running in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RCON metrics
	ConsoleUnavailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arkd_console_unavailable_total",
			Help: "Total number of operations that proceeded without a reachable console",
		},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arkd_backups_total",
			Help: "Total number of backups created",
		},
	)

	BackupBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arkd_backup_store_bytes",
			Help: "Total size of all backup archives in bytes",
		},
	)

	BackupsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arkd_backups_pruned_total",
			Help: "Total number of backups removed by the retention policy",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(StartsTotal)
	prometheus.MustRegister(StopsTotal)
	prometheus.MustRegister(OperationFailures)
	prometheus.MustRegister(StartDuration)
	prometheus.MustRegister(ConsoleUnavailable)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupBytes)
	prometheus.MustRegister(BackupsPruned)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
