package deploy

import (
	"context"
	"fmt"

	"github.com/cuemby/bluegreen/pkg/cloud"
	"github.com/cuemby/bluegreen/pkg/metrics"
	"github.com/cuemby/bluegreen/pkg/types"
)

// swapBalancer moves the active pool from the active balancer to the
// inactive one, then hands the active tag over. Pool capacity is never
// touched.
func (c *Controller) swapBalancer(ctx context.Context) (*SwapReport, error) {
	target, resumed, err := c.resolveBalancerSwap(ctx)
	if err != nil {
		return nil, err
	}
	report := &SwapReport{Kind: SwapKindBalancer, Target: target, Phases: []Phase{PhaseIdle}, Resumed: resumed}
	pool := target.ActivePool
	oldActive, newActive := target.ActiveBalancer, target.InactiveBalancer

	if err := c.attach(ctx, report, pool.Name, newActive.Name); err != nil {
		return report, err
	}
	c.reach(ctx, report, PhaseAttachedNewActive)

	if err := c.detach(ctx, report, pool.Name, oldActive.Name); err != nil {
		return report, err
	}
	c.reach(ctx, report, PhaseDetachedOldActive)

	if err := c.swapBalancerTags(ctx, report, oldActive.Name, newActive.Name); err != nil {
		return report, err
	}
	c.reach(ctx, report, PhaseBalancerTagsSwapped)

	metrics.SwapsTotal.WithLabelValues(SwapKindBalancer).Inc()
	c.reach(ctx, report, PhaseDone)
	return report, nil
}

// resolveBalancerSwap builds the swap target. A pool attached behind the
// untagged balancer, or a pair where neither balancer holds the tag, means an
// earlier run stopped part way; the roles then come from the attachments and
// resumed is true.
func (c *Controller) resolveBalancerSwap(ctx context.Context) (*types.DeploymentTarget, bool, error) {
	target, err := c.discoverPools(ctx)
	if err != nil {
		return nil, false, err
	}
	names, balancers, err := c.describeBalancerPair(ctx)
	if err != nil {
		return nil, false, err
	}
	atts, err := c.describeAttachments(ctx, target.ActivePool.Name)
	if err != nil {
		return nil, false, err
	}

	from, to := PendingBalancerSwap(balancers, atts, c.cfg.TagKey)
	if from == nil {
		active, inactive, err := ResolveActiveBalancer(names, balancers, c.cfg.TagKey)
		if err != nil {
			return nil, false, err
		}
		if err := checkActivePoolAttachment(target.ActivePool.Name, atts); err != nil {
			return nil, false, err
		}
		c.resolvedBalancers(ctx, target, active, inactive)
		return target, false, nil
	}

	c.log(ctx).Warn().
		Str("pool", target.ActivePool.Name).
		Str("from", from.Name).
		Str("to", to.Name).
		Msg("Resuming unfinished balancer swap")
	c.resolvedBalancers(ctx, target, from, to)
	return target, true, nil
}

// swapBalancerTags removes the active tag from oldActive, then adds it to
// newActive, skipping whichever half a fresh read shows is already done
func (c *Controller) swapBalancerTags(ctx context.Context, report *SwapReport, oldActive, newActive string) error {
	balancers, err := c.provider.DescribeBalancers(ctx, []string{oldActive, newActive})
	if err != nil {
		return fmt.Errorf("failed to describe balancers: %w", err)
	}
	tagged := make(map[string]bool, len(balancers))
	for _, b := range balancers {
		tagged[b.Name] = b.Tags.Has(c.cfg.TagKey)
	}

	if tagged[oldActive] {
		if err := c.provider.DeleteTag(ctx, cloud.ResourceBalancer, oldActive, c.cfg.TagKey); err != nil {
			return fmt.Errorf("failed to remove tag %s from balancer %s: %w", c.cfg.TagKey, oldActive, err)
		}
	} else {
		c.skip(ctx, report, "DeleteTag "+oldActive)
	}

	if !tagged[newActive] {
		if err := c.provider.CreateOrUpdateTag(ctx, cloud.ResourceBalancer, newActive, c.cfg.TagKey, c.cfg.TagValue); err != nil {
			return fmt.Errorf("failed to tag balancer %s with %s: %w", newActive, c.cfg.TagKey, err)
		}
	} else {
		c.skip(ctx, report, "CreateOrUpdateTag "+newActive)
	}

	c.log(ctx).Info().Str("from", oldActive).Str("to", newActive).Msg("Swapped balancer active tag")
	return nil
}
