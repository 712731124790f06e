package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workflow metrics
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_workflows_total",
			Help: "Total number of workflow runs by workflow and result",
		},
		[]string{"workflow", "result"},
	)

	WorkflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bluegreen_workflow_duration_seconds",
			Help:    "Workflow duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"workflow"},
	)

	// Swap metrics
	SwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_swaps_total",
			Help: "Total number of completed swaps by kind (pool, balancer)",
		},
		[]string{"kind"},
	)

	RolloutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bluegreen_image_rollouts_total",
			Help: "Total number of launch configurations published for a new image",
		},
	)

	// Wait metrics
	WaitPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_wait_polls_total",
			Help: "Total number of convergence polls by wait kind",
		},
		[]string{"wait"},
	)

	WaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bluegreen_wait_duration_seconds",
			Help:    "Convergence wait duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"wait"},
	)

	PoolInService = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluegreen_pool_in_service",
			Help: "InService instances last observed per pool",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(WorkflowDuration)
	prometheus.MustRegister(SwapsTotal)
	prometheus.MustRegister(RolloutsTotal)
	prometheus.MustRegister(WaitPollsTotal)
	prometheus.MustRegister(WaitDuration)
	prometheus.MustRegister(PoolInService)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
