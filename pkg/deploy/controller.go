package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/bluegreen/pkg/cloud"
	"github.com/cuemby/bluegreen/pkg/events"
	"github.com/cuemby/bluegreen/pkg/lock"
	"github.com/cuemby/bluegreen/pkg/log"
	"github.com/cuemby/bluegreen/pkg/metrics"
	"github.com/cuemby/bluegreen/pkg/types"
	"github.com/cuemby/bluegreen/pkg/wait"
)

// Workflow names
const (
	WorkflowUpdate        = "update"
	WorkflowSwapPool      = "swap-pool"
	WorkflowSwapBalancer  = "swap-balancer"
	WorkflowUpdateAndSwap = "update+swap-pool"
)

// ErrMissingBalancerPrefix is returned by workflows that need the balancer
// pair when no balancer prefix was configured
var ErrMissingBalancerPrefix = errors.New("balancer prefix is mandatory when performing a swap")

// Config configures a Controller
type Config struct {
	// PoolPrefix names the pool pair: <prefix>-<suffix> for each suffix
	PoolPrefix string
	// BalancerPrefix names the balancer pair: <prefix> and <prefix><BalancerSuffix>
	BalancerPrefix string

	TagKey         string
	TagValue       string
	// SwapMarkerKey tags the pool being replaced while a pool swap runs
	SwapMarkerKey  string
	PoolSuffixes   [2]string
	BalancerSuffix string

	PollInterval   time.Duration
	SettleInterval time.Duration
	SettleBudget   time.Duration
	// CapacityTimeout bounds capacity and drain waits; zero waits forever
	CapacityTimeout time.Duration

	// LeaseTTL is renewed every half period while a workflow runs
	LeaseTTL time.Duration
	Verbose  bool
}

// DefaultConfig returns the standard intervals and naming conventions
func DefaultConfig() Config {
	return Config{
		TagKey:         "active",
		TagValue:       "true",
		SwapMarkerKey:  "swapping-to",
		PoolSuffixes:   [2]string{"blue", "green"},
		BalancerSuffix: "-vnext",
		PollInterval:   15 * time.Second,
		SettleInterval: 10 * time.Second,
		SettleBudget:   5 * time.Minute,
		LeaseTTL:       2 * time.Hour,
	}
}

// Controller orchestrates blue/green deployments over one pool pair and
// one balancer pair. It keeps no state between workflow invocations.
type Controller struct {
	provider cloud.Provider
	cfg      Config
	sleeper  wait.Sleeper
	now      func() time.Time
	broker   *events.Broker
	locker   lock.Locker
	logger   zerolog.Logger
}

// Option configures a Controller
type Option func(*Controller)

// WithSleeper replaces the sleeper used by every convergence wait
func WithSleeper(s wait.Sleeper) Option {
	return func(c *Controller) { c.sleeper = s }
}

// WithClock replaces the clock used for launch configuration names
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithEvents publishes workflow events to broker
func WithEvents(broker *events.Broker) Option {
	return func(c *Controller) { c.broker = broker }
}

// WithLocker guards every workflow with a lease on the pool prefix
func WithLocker(l lock.Locker) Option {
	return func(c *Controller) { c.locker = l }
}

// NewController creates a new deployment controller
func NewController(provider cloud.Provider, cfg Config, opts ...Option) (*Controller, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.PoolPrefix == "" {
		return nil, errors.New("pool prefix is required")
	}
	if cfg.TagKey == "" {
		return nil, errors.New("tag key is required")
	}
	if cfg.SwapMarkerKey == "" || cfg.SwapMarkerKey == cfg.TagKey {
		return nil, fmt.Errorf("swap marker key must be set and differ from tag key %q", cfg.TagKey)
	}
	if cfg.PoolSuffixes[0] == "" || cfg.PoolSuffixes[0] == cfg.PoolSuffixes[1] {
		return nil, fmt.Errorf("pool suffixes must be distinct and non-empty, got %v", cfg.PoolSuffixes)
	}
	if cfg.PollInterval <= 0 || cfg.SettleInterval <= 0 || cfg.SettleBudget <= 0 {
		return nil, errors.New("poll interval, settle interval and settle budget must be positive")
	}

	c := &Controller{
		provider: provider,
		cfg:      cfg,
		sleeper:  wait.RealSleeper,
		now:      time.Now,
		logger:   log.WithComponent("deploy"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PoolNames returns the names of the pool pair
func (c *Controller) PoolNames() []string {
	return []string{
		c.cfg.PoolPrefix + "-" + c.cfg.PoolSuffixes[0],
		c.cfg.PoolPrefix + "-" + c.cfg.PoolSuffixes[1],
	}
}

// BalancerNames returns the names of the balancer pair
func (c *Controller) BalancerNames() []string {
	return []string{c.cfg.BalancerPrefix, c.cfg.BalancerPrefix + c.cfg.BalancerSuffix}
}

// UpdateReport describes a completed update
type UpdateReport struct {
	Target              *types.DeploymentTarget
	LaunchConfiguration string
	Capacity            types.Capacity
}

// Update rolls the optional new image onto the inactive pool, scales it to
// the active pool's capacity and waits for it to serve through every
// balancer it is attached to
func (c *Controller) Update(ctx context.Context, imageID string) (*UpdateReport, error) {
	var report *UpdateReport
	err := c.run(ctx, WorkflowUpdate, false, func(ctx context.Context) error {
		var err error
		report, err = c.update(ctx, imageID)
		return err
	})
	return report, err
}

// SwapPool promotes the inactive pool to active behind the active balancer
// and drains the formerly active pool
func (c *Controller) SwapPool(ctx context.Context) (*SwapReport, error) {
	var report *SwapReport
	err := c.run(ctx, WorkflowSwapPool, true, func(ctx context.Context) error {
		var err error
		report, err = c.swapPool(ctx)
		return err
	})
	return report, err
}

// SwapBalancer moves the active pool from the active balancer to the
// inactive one and swaps the balancers' active tag
func (c *Controller) SwapBalancer(ctx context.Context) (*SwapReport, error) {
	var report *SwapReport
	err := c.run(ctx, WorkflowSwapBalancer, true, func(ctx context.Context) error {
		var err error
		report, err = c.swapBalancer(ctx)
		return err
	})
	return report, err
}

// UpdateAndSwap runs Update followed by SwapPool under a single lease
func (c *Controller) UpdateAndSwap(ctx context.Context, imageID string) (*SwapReport, error) {
	var report *SwapReport
	err := c.run(ctx, WorkflowUpdateAndSwap, true, func(ctx context.Context) error {
		if _, err := c.update(ctx, imageID); err != nil {
			return err
		}
		var err error
		report, err = c.swapPool(ctx)
		return err
	})
	return report, err
}

func (c *Controller) update(ctx context.Context, imageID string) (*UpdateReport, error) {
	target, err := c.discoverPools(ctx)
	if err != nil {
		return nil, err
	}
	active, inactive := target.ActivePool, target.InactivePool
	report := &UpdateReport{Target: target, LaunchConfiguration: inactive.LaunchConfigurationName}

	if imageID != "" {
		lc, err := c.RolloutImage(ctx, inactive, imageID)
		if err != nil {
			return nil, err
		}
		report.LaunchConfiguration = lc.Name
	} else {
		c.log(ctx).Info().Msg("No image update requested")
	}

	if err := c.matchCapacity(ctx, inactive, active.Capacity); err != nil {
		return nil, err
	}
	report.Capacity = active.Capacity

	if err := c.WaitForPoolCapacity(ctx, inactive.Name, active.Capacity.Desired); err != nil {
		return nil, err
	}
	if err := c.WaitForBalancerCapacity(ctx, inactive.Name, inactive.BalancerNames, active.Capacity.Desired); err != nil {
		return nil, err
	}
	return report, nil
}

// matchCapacity gives the inactive pool the active pool's bounds
func (c *Controller) matchCapacity(ctx context.Context, pool *types.Pool, capacity types.Capacity) error {
	if err := c.provider.UpdatePoolCapacity(ctx, pool.Name, capacity); err != nil {
		return fmt.Errorf("failed to update capacity of pool %s: %w", pool.Name, err)
	}
	c.log(ctx).Info().
		Str("pool", pool.Name).
		Int("min", capacity.Min).
		Int("desired", capacity.Desired).
		Int("max", capacity.Max).
		Msg("Updated pool capacity")
	c.publish(events.EventCapacityUpdated, "pool capacity updated", map[string]string{
		"pool":     pool.Name,
		"capacity": fmt.Sprintf("%d/%d/%d", capacity.Min, capacity.Desired, capacity.Max),
	})
	return nil
}

// run wraps one workflow with its run id, lease, metrics and events
func (c *Controller) run(ctx context.Context, workflow string, needsBalancers bool, fn func(ctx context.Context) error) (err error) {
	if needsBalancers && c.cfg.BalancerPrefix == "" {
		return ErrMissingBalancerPrefix
	}

	runID := uuid.NewString()
	logger := c.logger.With().Str("run_id", runID).Str("workflow", workflow).Logger()
	ctx = logger.WithContext(ctx)

	if c.locker != nil {
		lease, err := c.locker.Acquire(ctx, c.cfg.PoolPrefix, c.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire deployment lease for %s: %w", c.cfg.PoolPrefix, err)
		}
		logger.Info().Str("holder", lease.Holder).Time("expires_at", lease.ExpiresAt).Msg("Acquired deployment lease")
		c.publish(events.EventLeaseAcquired, "deployment lease acquired", map[string]string{"key": lease.Key, "holder": lease.Holder})
		defer func() {
			// The run may have been cancelled; the lease must still go.
			if rerr := c.locker.Release(context.WithoutCancel(ctx), lease); rerr != nil {
				logger.Warn().Err(rerr).Msg("Failed to release deployment lease")
				return
			}
			c.publish(events.EventLeaseReleased, "deployment lease released", map[string]string{"key": lease.Key})
		}()

		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			c.renewLease(ctx, stop, lease, cancel)
		}()
		defer func() {
			close(stop)
			<-done
			cancel(nil)
		}()
	}

	timer := metrics.NewTimer()
	logger.Info().Str("pool_prefix", c.cfg.PoolPrefix).Str("balancer_prefix", c.cfg.BalancerPrefix).Msg("Starting workflow")
	c.publish(events.EventWorkflowStarted, workflow+" started", map[string]string{"run_id": runID, "workflow": workflow})

	err = fn(ctx)
	if cause := context.Cause(ctx); err != nil && errors.Is(cause, lock.ErrLeaseLost) {
		err = fmt.Errorf("%w: %w", err, cause)
	}

	timer.ObserveDurationVec(metrics.WorkflowDuration, workflow)
	meta := map[string]string{"run_id": runID, "workflow": workflow}
	switch {
	case err == nil:
		metrics.WorkflowsTotal.WithLabelValues(workflow, "success").Inc()
		logger.Info().Dur("duration", timer.Duration()).Msg("Workflow complete")
		c.publish(events.EventWorkflowCompleted, workflow+" complete", meta)
	case IsAbort(err):
		metrics.WorkflowsTotal.WithLabelValues(workflow, "aborted").Inc()
		logger.Warn().Err(err).Msg("Workflow aborted")
		c.publish(events.EventWorkflowAborted, err.Error(), meta)
	default:
		metrics.WorkflowsTotal.WithLabelValues(workflow, "failed").Inc()
		logger.Error().Err(err).Msg("Workflow failed")
		c.publish(events.EventWorkflowFailed, err.Error(), meta)
	}
	return err
}

// renewLease keeps lease alive every half TTL until stop is closed. Losing
// the lease cancels the run, since another process may now be deploying.
func (c *Controller) renewLease(ctx context.Context, stop <-chan struct{}, lease *lock.Lease, cancel context.CancelCauseFunc) {
	interval := c.cfg.LeaseTTL / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := c.log(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.locker.Renew(ctx, lease, c.cfg.LeaseTTL)
			switch {
			case err == nil:
				logger.Debug().Time("expires_at", lease.ExpiresAt).Msg("Renewed deployment lease")
			case errors.Is(err, lock.ErrLeaseLost):
				logger.Error().Err(err).Msg("Deployment lease lost, stopping workflow")
				cancel(err)
				return
			default:
				logger.Warn().Err(err).Msg("Failed to renew deployment lease")
			}
		}
	}
}

// log returns the run logger carried by ctx, or the component logger
func (c *Controller) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &c.logger
}

func (c *Controller) publish(t events.EventType, message string, metadata map[string]string) {
	c.broker.Publish(events.NewEvent(t, message, metadata))
}

// describePool fetches a single pool by name
func (c *Controller) describePool(ctx context.Context, name string) (*types.Pool, error) {
	pools, err := c.provider.DescribePools(ctx, []string{name})
	if err != nil {
		return nil, fmt.Errorf("failed to describe pool %s: %w", name, err)
	}
	for _, p := range pools {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("pool %s: %w", name, cloud.ErrNotFound)
}
