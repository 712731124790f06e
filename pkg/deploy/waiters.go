package deploy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/bluegreen/pkg/events"
	"github.com/cuemby/bluegreen/pkg/metrics"
	"github.com/cuemby/bluegreen/pkg/types"
	"github.com/cuemby/bluegreen/pkg/wait"
)

// Wait kinds, used as metric labels and in budget errors
const (
	waitPoolCapacity     = "pool_capacity"
	waitBalancerCapacity = "balancer_capacity"
	waitAttachmentSettle = "attachment_settle"
	waitPoolDrain        = "pool_drain"
)

func (c *Controller) poller(kind string, interval, budget time.Duration) *wait.Poller {
	return wait.NewPoller(interval, budget,
		wait.WithSleeper(c.sleeper),
		wait.WithPollHook(func(int) {
			metrics.WaitPollsTotal.WithLabelValues(kind).Inc()
		}),
	)
}

// until runs a poll and converts an exhausted budget into a
// WaitBudgetExceededError
func (c *Controller) until(ctx context.Context, p *wait.Poller, kind, resource, description string, cond wait.Condition) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WaitDuration, kind)

	err := p.Until(ctx, description, cond)
	if errors.Is(err, wait.ErrBudgetExceeded) {
		return &WaitBudgetExceededError{Wait: kind, Resource: resource, Budget: p.Budget(), Err: err}
	}
	return err
}

// WaitForPoolCapacity blocks until exactly target instances of the pool are
// InService
func (c *Controller) WaitForPoolCapacity(ctx context.Context, poolName string, target int) error {
	logger := c.log(ctx)
	p := c.poller(waitPoolCapacity, c.cfg.PollInterval, c.cfg.CapacityTimeout)

	return c.until(ctx, p, waitPoolCapacity, poolName, fmt.Sprintf("pool %s to have %d InService instances", poolName, target),
		func(ctx context.Context) (bool, error) {
			pool, err := c.describePool(ctx, poolName)
			if err != nil {
				return false, err
			}
			in := pool.InService()
			metrics.PoolInService.WithLabelValues(poolName).Set(float64(len(in)))
			ids := strings.Join(types.InstanceIDs(in), ",")

			if len(in) == target {
				logger.Info().Str("pool", poolName).Str("in_service", ids).
					Msgf("%d/%d pool instances have become InService", len(in), target)
				return true, nil
			}

			logger.Info().Str("pool", poolName).Str("in_service", ids).
				Msgf("Waiting for %d/%d pool instances to become InService", len(in), target)
			c.publishProgress(waitPoolCapacity, poolName, len(in), target)
			return false, nil
		})
}

// WaitForBalancerCapacity blocks until every balancer in balancerNames
// reports target of the pool's InService instances as InService. A balancer
// that has reached the target once is not checked again.
func (c *Controller) WaitForBalancerCapacity(ctx context.Context, poolName string, balancerNames []string, target int) error {
	logger := c.log(ctx)
	p := c.poller(waitBalancerCapacity, c.cfg.PollInterval, c.cfg.CapacityTimeout)
	satisfied := make([]bool, len(balancerNames))

	return c.until(ctx, p, waitBalancerCapacity, poolName,
		fmt.Sprintf("balancers %v to report %d InService instances of pool %s", balancerNames, target, poolName),
		func(ctx context.Context) (bool, error) {
			pool, err := c.describePool(ctx, poolName)
			if err != nil {
				return false, err
			}
			ids := types.InstanceIDs(pool.InService())

			for i, name := range balancerNames {
				if satisfied[i] {
					continue
				}

				var healthy []string
				// An empty id list would ask the balancer about every
				// registered instance, including the other pool's.
				if len(ids) > 0 {
					states, err := c.provider.DescribeInstanceHealth(ctx, name, ids)
					if err != nil {
						return false, fmt.Errorf("failed to describe instance health on balancer %s: %w", name, err)
					}
					for _, s := range states {
						if s.State == types.HealthInService {
							healthy = append(healthy, s.InstanceID)
						}
					}
				}

				if len(healthy) == target {
					satisfied[i] = true
					logger.Info().Str("pool", poolName).Str("balancer", name).Str("in_service", strings.Join(healthy, ",")).
						Msgf("%d/%d balancer instances have become InService", len(healthy), target)
					continue
				}
				logger.Info().Str("pool", poolName).Str("balancer", name).Str("in_service", strings.Join(healthy, ",")).
					Msgf("Waiting for %d/%d balancer instances to become InService", len(healthy), target)
				c.publishProgress(waitBalancerCapacity, name, len(healthy), target)
			}

			for _, ok := range satisfied {
				if !ok {
					return false, nil
				}
			}
			return true, nil
		})
}

// WaitForAttachmentSettle blocks until no balancer attached to the pool
// reports a state other than InService. Exceeding budget aborts the run.
func (c *Controller) WaitForAttachmentSettle(ctx context.Context, poolName string, budget time.Duration) error {
	logger := c.log(ctx)
	p := c.poller(waitAttachmentSettle, c.cfg.SettleInterval, budget)

	return c.until(ctx, p, waitAttachmentSettle, poolName, fmt.Sprintf("balancer attachments of pool %s to settle", poolName),
		func(ctx context.Context) (bool, error) {
			atts, err := c.provider.DescribePoolBalancerAttachments(ctx, poolName)
			if err != nil {
				return false, fmt.Errorf("failed to describe balancer attachments of pool %s: %w", poolName, err)
			}

			pending := 0
			for _, a := range atts {
				if a.State != types.AttachmentInService {
					pending++
				}
			}
			if pending == 0 {
				return true, nil
			}

			logger.Info().Str("pool", poolName).Int("pending", pending).Msg("Waiting for prior balancer action to finish")
			if c.cfg.Verbose {
				for _, a := range atts {
					logger.Debug().Str("pool", poolName).Str("balancer", a.BalancerName).Str("state", string(a.State)).Msg("Balancer attachment")
				}
			}
			c.publishProgress(waitAttachmentSettle, poolName, len(atts)-pending, len(atts))
			return false, nil
		})
}

// WaitForPoolDrain blocks until the pool has no instances at all
func (c *Controller) WaitForPoolDrain(ctx context.Context, poolName string) error {
	logger := c.log(ctx)
	p := c.poller(waitPoolDrain, c.cfg.PollInterval, c.cfg.CapacityTimeout)

	return c.until(ctx, p, waitPoolDrain, poolName, fmt.Sprintf("pool %s to drain", poolName),
		func(ctx context.Context) (bool, error) {
			pool, err := c.describePool(ctx, poolName)
			if err != nil {
				return false, err
			}
			metrics.PoolInService.WithLabelValues(poolName).Set(float64(len(pool.InService())))

			if len(pool.Instances) == 0 {
				logger.Info().Str("pool", poolName).Msg("0/0 pool instances remain, pool drained")
				return true, nil
			}
			logger.Info().Str("pool", poolName).Str("instances", strings.Join(types.InstanceIDs(pool.Instances), ",")).
				Msgf("Waiting for %d/0 pool instances to terminate", len(pool.Instances))
			c.publishProgress(waitPoolDrain, poolName, len(pool.Instances), 0)
			return false, nil
		})
}

func (c *Controller) publishProgress(kind, resource string, current, target int) {
	c.publish(events.EventWaitProgress, fmt.Sprintf("%s %s: %d/%d", kind, resource, current, target), map[string]string{
		"wait":     kind,
		"resource": resource,
		"current":  strconv.Itoa(current),
		"target":   strconv.Itoa(target),
	})
}
