/*
Package log provides structured logging for bluegreen using zerolog.

The global Logger is configured once by Init from the command line: console
output with RFC3339 timestamps by default, JSON when --log-json is set, and
debug level when --verbose is set. Components derive a child logger once
and the deployment controller adds the run fields to it, carrying the
result in the workflow context:

	logger := log.WithComponent("deploy").With().Str("run_id", runID).Logger()
	ctx = logger.WithContext(ctx)

	zerolog.Ctx(ctx).Info().
		Str("pool", "dev-app-green").
		Int("in_service", 2).
		Int("target", 2).
		Msg("Pool instances have become InService")

Fields used across the code base:

	run_id     unique id of one workflow invocation
	workflow   update, swap-pool, swap-balancer, update+swap-pool
	pool       auto-scaling group name
	balancer   load balancer name
	component  deploy, aws, cli
	phase      swap state machine phase
*/
package log
