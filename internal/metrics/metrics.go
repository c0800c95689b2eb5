package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsgo_operations_total",
		Help: "Total number of stack operations by kind and outcome.",
	}, []string{"operation", "outcome"})
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rsgo_operation_duration_seconds",
		Help:    "Duration of stack operations by kind.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"operation"})
	DeploymentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rsgo_deployments",
		Help: "Number of deployments by lifecycle status.",
	}, []string{"status"})
	StackHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rsgo_stack_healthy",
		Help: "Overall stack health (1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown).",
	}, []string{"environment", "deployment"})
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rsgo_health_reconcile_duration_seconds",
		Help:    "Duration of health reconcile cycles.",
		Buckets: prometheus.DefBuckets,
	})
	ReconcilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsgo_health_reconciles_total",
		Help: "Total number of health reconcile cycles by outcome.",
	}, []string{"outcome"})
	ImagePullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsgo_image_pulls_total",
		Help: "Total number of image pulls by outcome.",
	}, []string{"outcome"})
	ProgressSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rsgo_progress_subscribers",
		Help: "Number of active progress stream subscribers.",
	})
	SourceSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsgo_source_syncs_total",
		Help: "Total number of stack source syncs by outcome.",
	}, []string{"outcome"})
)

// HealthValue maps an overall status string to the gauge scale.
func HealthValue(status string) float64 {
	switch status {
	case "Healthy":
		return 1
	case "Degraded":
		return 0.5
	case "Unhealthy":
		return 0
	default:
		return -1
	}
}
