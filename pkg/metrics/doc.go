/*
Package metrics provides Prometheus metrics for bluegreen workflows.

All collectors are registered with the default registry at package init and
exposed through Handler. A deployment run is a short-lived process, so
Server is only started when --metrics-addr is given; it stays up for the
duration of the run, which is dominated by convergence waits, and also
answers /health.

# Metrics Catalog

	bluegreen_workflows_total{workflow, result}      counter
	bluegreen_workflow_duration_seconds{workflow}    histogram
	bluegreen_swaps_total{kind}                      counter (pool, balancer)
	bluegreen_image_rollouts_total                   counter
	bluegreen_wait_polls_total{wait}                 counter
	bluegreen_wait_duration_seconds{wait}            histogram
	bluegreen_pool_in_service{pool}                  gauge

Wait kinds are pool_capacity, balancer_capacity, attachment_settle and
pool_drain.

# Timer

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.WorkflowDuration, "swap-pool")
*/
package metrics
