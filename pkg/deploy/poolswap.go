package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/bluegreen/pkg/cloud"
	"github.com/cuemby/bluegreen/pkg/events"
	"github.com/cuemby/bluegreen/pkg/metrics"
	"github.com/cuemby/bluegreen/pkg/types"
)

// Phase names a completed step of a swap
type Phase string

// Pool swap phases, in the order they are reached
const (
	PhaseIdle              Phase = "idle"
	PhaseTagsSwapped       Phase = "tags_swapped"
	PhaseResourcesMigrated Phase = "resources_migrated"
	PhaseAttachedNewActive Phase = "attached_new_active"
	PhaseDetachedOldActive Phase = "detached_old_active"
	PhaseOldPoolDrained    Phase = "old_pool_drained"
	PhaseDone              Phase = "done"
)

// PhaseBalancerTagsSwapped is the last phase of a balancer swap, reached
// after the attach and detach phases
const PhaseBalancerTagsSwapped Phase = "balancer_tags_swapped"

// Swap kinds
const (
	SwapKindPool     = "pool"
	SwapKindBalancer = "balancer"
)

// SwapReport describes a completed or interrupted swap
type SwapReport struct {
	Kind   string
	Target *types.DeploymentTarget
	// Phases lists every phase reached, in order
	Phases []Phase
	// MigratedActions names the scheduled actions moved to the new active pool
	MigratedActions []string
	// Skipped lists calls that were not issued because the resource was
	// already in the state they would produce
	Skipped []string
	// Resumed is set when the swap picked up where an earlier run stopped
	Resumed bool
}

// Last returns the most recent phase reached
func (r *SwapReport) Last() Phase {
	if r == nil || len(r.Phases) == 0 {
		return PhaseIdle
	}
	return r.Phases[len(r.Phases)-1]
}

func (c *Controller) reach(ctx context.Context, report *SwapReport, phase Phase) {
	report.Phases = append(report.Phases, phase)
	c.log(ctx).Info().Str("swap", report.Kind).Str("phase", string(phase)).Msg("Swap phase reached")
	c.publish(events.EventPhaseReached, report.Kind+" swap reached "+string(phase), map[string]string{
		"swap":  report.Kind,
		"phase": string(phase),
	})
}

func (c *Controller) skip(ctx context.Context, report *SwapReport, what string) {
	report.Skipped = append(report.Skipped, what)
	c.log(ctx).Info().Str("swap", report.Kind).Str("skipped", what).Msg("Step already applied, skipping")
}

// swapPool promotes the inactive pool behind the active balancer. Guards run
// before any mutation; after that every step is forward-only. The pool being
// replaced is marked for the length of the swap so a rerun after a failure
// resumes it instead of swapping back.
func (c *Controller) swapPool(ctx context.Context) (*SwapReport, error) {
	target, resumed, err := c.resolvePoolSwap(ctx)
	if err != nil {
		return nil, err
	}
	report := &SwapReport{Kind: SwapKindPool, Target: target, Phases: []Phase{PhaseIdle}, Resumed: resumed}
	oldActive, newActive := target.ActivePool, target.InactivePool
	balancer := target.ActiveBalancer

	if !resumed {
		if err := c.guardPoolSwap(ctx, target); err != nil {
			return report, err
		}
	}

	if err := c.swapPoolTags(ctx, report, oldActive.Name, newActive.Name); err != nil {
		return report, err
	}
	c.reach(ctx, report, PhaseTagsSwapped)

	migrated, err := c.migrateScheduledActions(ctx, oldActive.Name, newActive.Name)
	report.MigratedActions = migrated
	if err != nil {
		return report, err
	}
	c.reach(ctx, report, PhaseResourcesMigrated)

	if err := c.attach(ctx, report, newActive.Name, balancer.Name); err != nil {
		return report, err
	}
	c.reach(ctx, report, PhaseAttachedNewActive)

	if err := c.detach(ctx, report, oldActive.Name, balancer.Name); err != nil {
		return report, err
	}
	c.reach(ctx, report, PhaseDetachedOldActive)

	if err := c.drainPool(ctx, report, oldActive.Name); err != nil {
		return report, err
	}
	if err := c.provider.DeleteTag(ctx, cloud.ResourcePool, oldActive.Name, c.cfg.SwapMarkerKey); err != nil {
		return report, fmt.Errorf("failed to remove tag %s from pool %s: %w", c.cfg.SwapMarkerKey, oldActive.Name, err)
	}
	c.reach(ctx, report, PhaseOldPoolDrained)

	metrics.SwapsTotal.WithLabelValues(SwapKindPool).Inc()
	c.reach(ctx, report, PhaseDone)
	return report, nil
}

// resolvePoolSwap builds the swap target. When an earlier run left a swap
// marker the roles come from the marker rather than the active tag, which
// may already have moved, and resumed is true.
func (c *Controller) resolvePoolSwap(ctx context.Context) (*types.DeploymentTarget, bool, error) {
	names, pools, err := c.describePoolPair(ctx)
	if err != nil {
		return nil, false, err
	}
	from, to, err := PendingPoolSwap(names, pools, c.cfg.SwapMarkerKey)
	if err != nil {
		return nil, false, err
	}
	if from == nil {
		active, inactive, err := ResolveActivePool(names, pools, c.cfg.TagKey)
		if err != nil {
			return nil, false, err
		}
		c.resolvedPools(ctx, active, inactive)
		target := &types.DeploymentTarget{ActivePool: active, InactivePool: inactive}
		if err := c.discoverBalancers(ctx, target); err != nil {
			return nil, false, err
		}
		return target, false, nil
	}

	c.log(ctx).Warn().
		Str("from", from.Name).
		Str("to", to.Name).
		Str("marker", c.cfg.SwapMarkerKey).
		Msg("Resuming unfinished pool swap")
	target := &types.DeploymentTarget{ActivePool: from, InactivePool: to}
	c.resolvedPools(ctx, from, to)

	balancerNames, balancers, err := c.describeBalancerPair(ctx)
	if err != nil {
		return nil, false, err
	}
	active, inactive, err := ResolveActiveBalancer(balancerNames, balancers, c.cfg.TagKey)
	if err != nil {
		return nil, false, err
	}
	c.resolvedBalancers(ctx, target, active, inactive)
	return target, true, nil
}

// guardPoolSwap refuses swaps that cannot or need not happen
func (c *Controller) guardPoolSwap(ctx context.Context, target *types.DeploymentTarget) error {
	active, inactive := target.ActivePool, target.InactivePool

	if inactive.Capacity.Desired < 1 || inactive.Capacity.Max < 1 {
		return &EmptyPoolError{Pool: inactive.Name, Desired: inactive.Capacity.Desired, Max: inactive.Capacity.Max}
	}

	activeLC, err := c.provider.DescribeLaunchConfiguration(ctx, active.LaunchConfigurationName)
	if err != nil {
		return fmt.Errorf("failed to describe launch configuration %s of pool %s: %w", active.LaunchConfigurationName, active.Name, err)
	}
	inactiveLC, err := c.provider.DescribeLaunchConfiguration(ctx, inactive.LaunchConfigurationName)
	if err != nil {
		return fmt.Errorf("failed to describe launch configuration %s of pool %s: %w", inactive.LaunchConfigurationName, inactive.Name, err)
	}
	c.log(ctx).Info().
		Str("active_image", activeLC.ImageID).
		Str("inactive_image", inactiveLC.ImageID).
		Msg("Compared pool images")
	if activeLC.ImageID == inactiveLC.ImageID {
		return &CollisionGuardError{ActivePool: active.Name, InactivePool: inactive.Name, ImageID: activeLC.ImageID}
	}

	if len(inactive.InService()) == 0 {
		return &UnsafeAttachmentError{Pool: inactive.Name, Reason: "pool has no InService instances to take traffic"}
	}
	return nil
}

// swapPoolTags marks oldActive as swapping to newActive, then moves the
// active tag across. The tag calls are issued back to back; each call is
// skipped when a fresh read shows it is already done.
func (c *Controller) swapPoolTags(ctx context.Context, report *SwapReport, oldActive, newActive string) error {
	pools, err := c.provider.DescribePools(ctx, []string{oldActive, newActive})
	if err != nil {
		return fmt.Errorf("failed to describe pools: %w", err)
	}
	tagged := make(map[string]bool, len(pools))
	marked := false
	for _, p := range pools {
		tagged[p.Name] = p.Tags.Has(c.cfg.TagKey)
		if p.Name == oldActive {
			marked = p.Tags[c.cfg.SwapMarkerKey] == newActive
		}
	}

	if marked {
		c.skip(ctx, report, "CreateOrUpdateTag "+oldActive+" "+c.cfg.SwapMarkerKey)
	} else if err := c.provider.CreateOrUpdateTag(ctx, cloud.ResourcePool, oldActive, c.cfg.SwapMarkerKey, newActive); err != nil {
		return fmt.Errorf("failed to tag pool %s with %s: %w", oldActive, c.cfg.SwapMarkerKey, err)
	}

	if tagged[oldActive] {
		if err := c.provider.DeleteTag(ctx, cloud.ResourcePool, oldActive, c.cfg.TagKey); err != nil {
			return fmt.Errorf("failed to remove tag %s from pool %s: %w", c.cfg.TagKey, oldActive, err)
		}
	} else {
		c.skip(ctx, report, "DeleteTag "+oldActive)
	}

	if !tagged[newActive] {
		if err := c.provider.CreateOrUpdateTag(ctx, cloud.ResourcePool, newActive, c.cfg.TagKey, c.cfg.TagValue); err != nil {
			return fmt.Errorf("failed to tag pool %s with %s: %w", newActive, c.cfg.TagKey, err)
		}
	} else {
		c.skip(ctx, report, "CreateOrUpdateTag "+newActive)
	}

	c.log(ctx).Info().Str("from", oldActive).Str("to", newActive).Msg("Swapped pool active tag")
	return nil
}

// migrateScheduledActions moves every scheduled action of from onto to,
// copying each one before deleting the original
func (c *Controller) migrateScheduledActions(ctx context.Context, from, to string) ([]string, error) {
	actions, err := c.provider.DescribeScheduledActions(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to describe scheduled actions of pool %s: %w", from, err)
	}

	logger := c.log(ctx)
	var migrated []string
	for _, a := range actions {
		cp := *a
		cp.ARN = ""
		cp.PoolName = to

		if err := c.provider.PutScheduledAction(ctx, &cp); err != nil {
			return migrated, fmt.Errorf("failed to copy scheduled action %s to pool %s: %w", a.Name, to, err)
		}
		if err := c.provider.DeleteScheduledAction(ctx, from, a.Name); err != nil && !errors.Is(err, cloud.ErrNotFound) {
			return migrated, fmt.Errorf("failed to delete scheduled action %s from pool %s: %w", a.Name, from, err)
		}
		migrated = append(migrated, a.Name)
		logger.Info().Str("action", a.Name).Str("from", from).Str("to", to).Msg("Migrated scheduled action")
	}

	if len(migrated) == 0 {
		logger.Info().Str("pool", from).Msg("No scheduled actions to migrate")
	} else {
		logger.Info().Str("actions", strings.Join(migrated, ",")).Msgf("Migrated %d scheduled actions", len(migrated))
	}
	return migrated, nil
}

// attach puts pool behind balancer and waits for the attachment to settle.
// The pool must have InService instances when the call is made.
func (c *Controller) attach(ctx context.Context, report *SwapReport, poolName, balancerName string) error {
	pool, err := c.describePool(ctx, poolName)
	if err != nil {
		return err
	}
	if len(pool.InService()) == 0 {
		return &UnsafeAttachmentError{Pool: poolName, Balancer: balancerName, Reason: "pool has no InService instances to take traffic"}
	}

	if pool.HasBalancer(balancerName) {
		c.skip(ctx, report, "AttachBalancer "+poolName+" "+balancerName)
	} else {
		if err := c.provider.AttachBalancer(ctx, poolName, balancerName); err != nil {
			return fmt.Errorf("failed to attach pool %s to balancer %s: %w", poolName, balancerName, err)
		}
		c.log(ctx).Info().Str("pool", poolName).Str("balancer", balancerName).Msg("Attached pool to balancer")
	}

	if err := c.WaitForAttachmentSettle(ctx, poolName, c.cfg.SettleBudget); err != nil {
		return err
	}
	return c.verifyAttached(ctx, poolName, balancerName)
}

// verifyAttached reads the attachments back once they have settled, so a
// detach never follows an attach that did not take
func (c *Controller) verifyAttached(ctx context.Context, poolName, balancerName string) error {
	atts, err := c.provider.DescribePoolBalancerAttachments(ctx, poolName)
	if err != nil {
		return fmt.Errorf("failed to describe balancer attachments of pool %s: %w", poolName, err)
	}
	for _, a := range atts {
		if a.BalancerName == balancerName && a.State == types.AttachmentInService {
			return nil
		}
	}
	return &UnsafeAttachmentError{Pool: poolName, Balancer: balancerName, Reason: "attachment not InService after settling"}
}

// detach removes pool from balancer if it is attached and waits for the
// detachment to settle
func (c *Controller) detach(ctx context.Context, report *SwapReport, poolName, balancerName string) error {
	pool, err := c.describePool(ctx, poolName)
	if err != nil {
		return err
	}
	if !pool.HasBalancer(balancerName) {
		c.skip(ctx, report, "DetachBalancer "+poolName+" "+balancerName)
		return nil
	}

	if err := c.provider.DetachBalancer(ctx, poolName, balancerName); err != nil {
		return fmt.Errorf("failed to detach pool %s from balancer %s: %w", poolName, balancerName, err)
	}
	c.log(ctx).Info().Str("pool", poolName).Str("balancer", balancerName).Msg("Detached pool from balancer")

	return c.WaitForAttachmentSettle(ctx, poolName, c.cfg.SettleBudget)
}

// drainPool scales pool to zero and waits until it has no instances
func (c *Controller) drainPool(ctx context.Context, report *SwapReport, poolName string) error {
	pool, err := c.describePool(ctx, poolName)
	if err != nil {
		return err
	}
	if pool.Capacity.IsZero() {
		c.skip(ctx, report, "UpdatePoolCapacity "+poolName)
	} else if err := c.matchCapacity(ctx, pool, types.Zero); err != nil {
		return err
	}
	return c.WaitForPoolDrain(ctx, poolName)
}
