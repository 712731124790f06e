package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bluegreen/pkg/cloud"
	"github.com/cuemby/bluegreen/pkg/types"
)

func TestPoolConvergesOneStepPerDescribe(t *testing.T) {
	p := New()
	p.AddPool(&types.Pool{Name: "app-green", Capacity: types.Capacity{Min: 3, Desired: 3, Max: 3}})
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		pools, err := p.DescribePools(ctx, []string{"app-green"})
		require.NoError(t, err)
		require.Len(t, pools, 1)
		assert.Len(t, pools[0].Instances, 3)
		assert.Len(t, pools[0].InService(), want)
	}

	require.NoError(t, p.UpdatePoolCapacity(ctx, "app-green", types.Zero))
	remaining := []int{3, 2, 1, 0}
	for _, want := range remaining {
		pools, err := p.DescribePools(ctx, []string{"app-green"})
		require.NoError(t, err)
		assert.Len(t, pools[0].Instances, want)
	}
}

func TestDescribePoolsSkipsUnknown(t *testing.T) {
	p := New()
	p.AddPool(&types.Pool{Name: "app-blue"})

	pools, err := p.DescribePools(context.Background(), []string{"app-blue", "app-green"})
	require.NoError(t, err)
	assert.Len(t, pools, 1)
}

func TestUpdatePoolCapacityRejectsInvalid(t *testing.T) {
	p := New()
	p.AddPool(&types.Pool{Name: "app-blue"})

	err := p.UpdatePoolCapacity(context.Background(), "app-blue", types.Capacity{Min: 3, Desired: 1, Max: 2})
	assert.Error(t, err)
	err = p.UpdatePoolCapacity(context.Background(), "app-nope", types.Zero)
	assert.ErrorIs(t, err, cloud.ErrNotFound)
}

func TestAttachmentLifecycle(t *testing.T) {
	p := New()
	p.AddPool(&types.Pool{Name: "app-green"})
	p.AddBalancer(&types.Balancer{Name: "app"})
	ctx := context.Background()

	require.NoError(t, p.AttachBalancer(ctx, "app-green", "app"))

	atts, err := p.DescribePoolBalancerAttachments(ctx, "app-green")
	require.NoError(t, err)
	assert.Equal(t, []types.AttachmentState{{BalancerName: "app", State: types.AttachmentAdding}}, atts)

	atts, err = p.DescribePoolBalancerAttachments(ctx, "app-green")
	require.NoError(t, err)
	assert.Equal(t, []types.AttachmentState{{BalancerName: "app", State: types.AttachmentInService}}, atts)
	assert.Equal(t, []string{"app"}, p.Pool("app-green").BalancerNames)

	require.NoError(t, p.DetachBalancer(ctx, "app-green", "app"))
	atts, err = p.DescribePoolBalancerAttachments(ctx, "app-green")
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentRemoving, atts[0].State)

	atts, err = p.DescribePoolBalancerAttachments(ctx, "app-green")
	require.NoError(t, err)
	assert.Empty(t, atts)

	err = p.DetachBalancer(ctx, "app-green", "app")
	assert.ErrorIs(t, err, cloud.ErrNotFound)
}

func TestInstanceHealthFollowsAttachment(t *testing.T) {
	p := New()
	p.AddPool(&types.Pool{
		Name:          "app-blue",
		BalancerNames: []string{"app"},
		Instances: []types.Instance{
			{ID: "i-1", LifecycleState: types.LifecycleInService},
			{ID: "i-2", LifecycleState: types.LifecyclePending},
		},
	})
	p.AddBalancer(&types.Balancer{Name: "app"})
	p.AddBalancer(&types.Balancer{Name: "app-vnext"})
	ctx := context.Background()

	states, err := p.DescribeInstanceHealth(ctx, "app", []string{"i-1", "i-2"})
	require.NoError(t, err)
	assert.Equal(t, types.HealthInService, states[0].State)
	assert.Equal(t, "OutOfService", states[1].State)

	states, err = p.DescribeInstanceHealth(ctx, "app-vnext", []string{"i-1"})
	require.NoError(t, err)
	assert.Equal(t, "OutOfService", states[0].State)

	// no ids means every registered instance
	states, err = p.DescribeInstanceHealth(ctx, "app", nil)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestTags(t *testing.T) {
	p := New()
	p.AddPool(&types.Pool{Name: "app-blue"})
	p.AddBalancer(&types.Balancer{Name: "app"})
	ctx := context.Background()

	require.NoError(t, p.CreateOrUpdateTag(ctx, cloud.ResourcePool, "app-blue", "active", "true"))
	require.NoError(t, p.CreateOrUpdateTag(ctx, cloud.ResourceBalancer, "app", "active", "true"))
	assert.True(t, p.Pool("app-blue").Tags.Has("active"))
	assert.True(t, p.Balancer("app").Tags.Has("active"))

	require.NoError(t, p.DeleteTag(ctx, cloud.ResourcePool, "app-blue", "active"))
	assert.False(t, p.Pool("app-blue").Tags.Has("active"))

	err := p.DeleteTag(ctx, cloud.ResourceBalancer, "app-vnext", "active")
	assert.ErrorIs(t, err, cloud.ErrNotFound)
}

func TestLaunchConfigurations(t *testing.T) {
	p := New()
	ctx := context.Background()

	require.NoError(t, p.CreateLaunchConfiguration(ctx, &types.LaunchConfiguration{Name: "app-lc-1", ImageID: "img-1"}))
	lc, err := p.DescribeLaunchConfiguration(ctx, "app-lc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, lc.ARN)
	assert.False(t, lc.CreatedTime.IsZero())

	err = p.CreateLaunchConfiguration(ctx, &types.LaunchConfiguration{Name: "app-lc-1", ImageID: "img-2"})
	assert.ErrorIs(t, err, cloud.ErrAlreadyExists)

	err = p.CreateLaunchConfiguration(ctx, lc)
	assert.Error(t, err, "read-only fields are rejected")

	_, err = p.DescribeLaunchConfiguration(ctx, "app-lc-2")
	assert.ErrorIs(t, err, cloud.ErrNotFound)
}

func TestScheduledActions(t *testing.T) {
	p := New()
	p.AddPool(&types.Pool{Name: "app-blue"})
	p.AddPool(&types.Pool{Name: "app-green"})
	p.AddScheduledAction(&types.ScheduledAction{PoolName: "app-blue", Name: "nightly"})
	ctx := context.Background()

	actions, err := p.DescribeScheduledActions(ctx, "app-blue")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.NotEmpty(t, actions[0].ARN)

	err = p.PutScheduledAction(ctx, actions[0])
	assert.Error(t, err, "ARN must be stripped before a put")

	cp := *actions[0]
	cp.ARN, cp.PoolName = "", "app-green"
	require.NoError(t, p.PutScheduledAction(ctx, &cp))
	require.NoError(t, p.PutScheduledAction(ctx, &cp), "put is an upsert")
	assert.Len(t, p.ScheduledActions("app-green"), 1)

	require.NoError(t, p.DeleteScheduledAction(ctx, "app-blue", "nightly"))
	err = p.DeleteScheduledAction(ctx, "app-blue", "nightly")
	assert.ErrorIs(t, err, cloud.ErrNotFound)
}

func TestFailOnAndJournal(t *testing.T) {
	p := New()
	p.AddPool(&types.Pool{Name: "app-blue"})
	ctx := context.Background()
	boom := errors.New("boom")

	p.FailOn("UpdatePoolCapacity", boom)
	assert.ErrorIs(t, p.UpdatePoolCapacity(ctx, "app-blue", types.Zero), boom)
	p.FailOn("UpdatePoolCapacity", nil)
	assert.NoError(t, p.UpdatePoolCapacity(ctx, "app-blue", types.Zero))

	_, err := p.DescribePools(ctx, []string{"app-blue"})
	require.NoError(t, err)

	assert.Equal(t, 2, p.CallCount("UpdatePoolCapacity"))
	assert.Len(t, p.Mutations(), 2)
	assert.Equal(t, "UpdatePoolCapacity(app-blue, 0/0/0)", p.Mutations()[0].String())
	assert.Len(t, p.Calls(), 3)
}
