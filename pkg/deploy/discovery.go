package deploy

import (
	"context"
	"fmt"

	"github.com/cuemby/bluegreen/pkg/events"
	"github.com/cuemby/bluegreen/pkg/metrics"
	"github.com/cuemby/bluegreen/pkg/types"
)

// ResolveActivePool splits a fetched pool pair into its active and
// inactive member. names is the pair that was requested.
func ResolveActivePool(names []string, pools []*types.Pool, tagKey string) (active, inactive *types.Pool, err error) {
	found := make([]string, 0, len(pools))
	for _, p := range pools {
		found = append(found, p.Name)
	}
	if len(pools) != 2 {
		return nil, nil, &CountMismatchError{Kind: "pool", Names: names, Found: found, Expected: 2}
	}

	var activeNames []string
	for _, p := range pools {
		if p.Tags.Has(tagKey) {
			activeNames = append(activeNames, p.Name)
		}
	}
	if len(activeNames) != 1 {
		return nil, nil, &AmbiguousStateError{Kind: "pool", TagKey: tagKey, Names: found, Active: activeNames}
	}

	if pools[0].Tags.Has(tagKey) {
		active, inactive = pools[0], pools[1]
	} else {
		active, inactive = pools[1], pools[0]
	}

	if active.Capacity.Min == 0 {
		return nil, nil, &UnsafeCapacityError{
			Pool:    active.Name,
			Min:     active.Capacity.Min,
			Desired: active.Capacity.Desired,
			Max:     active.Capacity.Max,
		}
	}
	return active, inactive, nil
}

// ResolveActiveBalancer splits a fetched balancer pair into its active and
// inactive member
func ResolveActiveBalancer(names []string, balancers []*types.Balancer, tagKey string) (active, inactive *types.Balancer, err error) {
	found := make([]string, 0, len(balancers))
	for _, b := range balancers {
		found = append(found, b.Name)
	}
	if len(balancers) != 2 {
		return nil, nil, &CountMismatchError{Kind: "balancer", Names: names, Found: found, Expected: 2}
	}

	var activeNames []string
	for _, b := range balancers {
		if b.Tags.Has(tagKey) {
			activeNames = append(activeNames, b.Name)
		}
	}
	if len(activeNames) != 1 {
		return nil, nil, &AmbiguousStateError{Kind: "balancer", TagKey: tagKey, Names: found, Active: activeNames}
	}

	if balancers[0].Tags.Has(tagKey) {
		return balancers[0], balancers[1], nil
	}
	return balancers[1], balancers[0], nil
}

// PendingPoolSwap finds a pool swap a previous run left unfinished. The
// pool being replaced carries markerKey with the name of its successor.
// Both results are nil when no swap is pending.
func PendingPoolSwap(names []string, pools []*types.Pool, markerKey string) (from, to *types.Pool, err error) {
	var marked []string
	for _, p := range pools {
		if p.Tags.Has(markerKey) {
			marked = append(marked, p.Name)
			from = p
		}
	}
	if len(marked) == 0 {
		return nil, nil, nil
	}

	found := make([]string, 0, len(pools))
	for _, p := range pools {
		found = append(found, p.Name)
		if p != from {
			to = p
		}
	}
	if len(pools) != 2 {
		return nil, nil, &CountMismatchError{Kind: "pool", Names: names, Found: found, Expected: 2}
	}
	if len(marked) > 1 {
		return nil, nil, &AmbiguousStateError{Kind: "pool swap source", TagKey: markerKey, Names: found, Active: marked}
	}
	if want := from.Tags[markerKey]; want != to.Name {
		return nil, nil, fmt.Errorf("pool %s is marked as swapping to %q, expected %s", from.Name, want, to.Name)
	}
	return from, to, nil
}

// PendingBalancerSwap finds a balancer swap a previous run left unfinished,
// judged from where the active pool is attached: behind the untagged
// balancer while the tagged one still holds the tag, or behind one balancer
// while neither holds it. Both results are nil when the pair is at rest or
// an attachment is being removed.
func PendingBalancerSwap(balancers []*types.Balancer, atts []types.AttachmentState, tagKey string) (from, to *types.Balancer) {
	if len(balancers) != 2 || len(atts) == 0 {
		return nil, nil
	}

	attached := make(map[string]bool, len(atts))
	for _, a := range atts {
		if a.State == types.AttachmentRemoving || a.State == types.AttachmentRemoved {
			return nil, nil
		}
		if a.BalancerName != balancers[0].Name && a.BalancerName != balancers[1].Name {
			return nil, nil
		}
		attached[a.BalancerName] = true
	}

	first, second := balancers[0], balancers[1]
	switch {
	case first.Tags.Has(tagKey) && !second.Tags.Has(tagKey):
		if attached[second.Name] {
			return first, second
		}
	case second.Tags.Has(tagKey) && !first.Tags.Has(tagKey):
		if attached[first.Name] {
			return second, first
		}
	case !first.Tags.Has(tagKey) && !second.Tags.Has(tagKey) && len(attached) == 1:
		if attached[first.Name] {
			return second, first
		}
		return first, second
	}
	return nil, nil
}

// describePoolPair fetches the pool pair named by the configured prefix
func (c *Controller) describePoolPair(ctx context.Context) ([]string, []*types.Pool, error) {
	names := c.PoolNames()
	pools, err := c.provider.DescribePools(ctx, names)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to describe pools: %w", err)
	}
	return names, pools, nil
}

// discoverPools fetches the pool pair and resolves it into a fresh target.
// A pool swap left unfinished blocks every workflow except the pool swap.
func (c *Controller) discoverPools(ctx context.Context) (*types.DeploymentTarget, error) {
	names, pools, err := c.describePoolPair(ctx)
	if err != nil {
		return nil, err
	}
	from, to, err := PendingPoolSwap(names, pools, c.cfg.SwapMarkerKey)
	if err != nil {
		return nil, err
	}
	if from != nil {
		return nil, &SwapInProgressError{From: from.Name, To: to.Name, MarkerKey: c.cfg.SwapMarkerKey}
	}

	active, inactive, err := ResolveActivePool(names, pools, c.cfg.TagKey)
	if err != nil {
		return nil, err
	}
	c.resolvedPools(ctx, active, inactive)
	return &types.DeploymentTarget{ActivePool: active, InactivePool: inactive}, nil
}

func (c *Controller) resolvedPools(ctx context.Context, active, inactive *types.Pool) {
	logger := c.log(ctx)
	for _, p := range []*types.Pool{active, inactive} {
		role := "inactive"
		if p == active {
			role = "active"
		}
		logger.Info().
			Str("role", role).
			Str("pool", p.Name).
			Int("min", p.Capacity.Min).
			Int("desired", p.Capacity.Desired).
			Int("max", p.Capacity.Max).
			Int("in_service", len(p.InService())).
			Msg("Resolved pool")
		metrics.PoolInService.WithLabelValues(p.Name).Set(float64(len(p.InService())))
	}
	c.publish(events.EventStateResolved, "pool pair resolved", map[string]string{
		"active_pool":   active.Name,
		"inactive_pool": inactive.Name,
	})
}

// describeBalancerPair fetches the balancer pair named by the configured prefix
func (c *Controller) describeBalancerPair(ctx context.Context) ([]string, []*types.Balancer, error) {
	names := c.BalancerNames()
	balancers, err := c.provider.DescribeBalancers(ctx, names)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to describe balancers: %w", err)
	}
	return names, balancers, nil
}

func (c *Controller) describeAttachments(ctx context.Context, pool string) ([]types.AttachmentState, error) {
	atts, err := c.provider.DescribePoolBalancerAttachments(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to describe balancer attachments of pool %s: %w", pool, err)
	}
	return atts, nil
}

// discoverBalancers resolves the balancer pair into target and checks the
// active pool is attached to exactly one balancer in a usable state
func (c *Controller) discoverBalancers(ctx context.Context, target *types.DeploymentTarget) error {
	names, balancers, err := c.describeBalancerPair(ctx)
	if err != nil {
		return err
	}
	active, inactive, err := ResolveActiveBalancer(names, balancers, c.cfg.TagKey)
	if err != nil {
		return err
	}

	atts, err := c.describeAttachments(ctx, target.ActivePool.Name)
	if err != nil {
		return err
	}
	if err := checkActivePoolAttachment(target.ActivePool.Name, atts); err != nil {
		return err
	}

	c.resolvedBalancers(ctx, target, active, inactive)
	return nil
}

func (c *Controller) resolvedBalancers(ctx context.Context, target *types.DeploymentTarget, active, inactive *types.Balancer) {
	target.ActiveBalancer = active
	target.InactiveBalancer = inactive

	c.log(ctx).Info().
		Str("active_balancer", active.Name).
		Str("inactive_balancer", inactive.Name).
		Msg("Resolved balancers")
	c.publish(events.EventStateResolved, "balancer pair resolved", map[string]string{
		"active_balancer":   active.Name,
		"inactive_balancer": inactive.Name,
	})
}

// checkActivePoolAttachment refuses to continue when the active pool's
// balancer attachment is missing, duplicated or being removed, since the
// intended state cannot be predicted
func checkActivePoolAttachment(pool string, atts []types.AttachmentState) error {
	switch {
	case len(atts) == 0:
		return &UnsafeAttachmentError{Pool: pool, Reason: "the active pool has no balancers attached"}
	case len(atts) > 1:
		return &UnsafeAttachmentError{Pool: pool, Reason: fmt.Sprintf("the active pool has %d balancers attached, expected 1", len(atts))}
	}

	switch atts[0].State {
	case types.AttachmentRemoving:
		return &UnsafeAttachmentError{Pool: pool, Balancer: atts[0].BalancerName, Reason: "attachment is being removed"}
	case types.AttachmentRemoved:
		return &UnsafeAttachmentError{Pool: pool, Balancer: atts[0].BalancerName, Reason: "attachment has been removed"}
	}
	return nil
}
