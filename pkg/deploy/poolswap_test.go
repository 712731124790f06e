package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bluegreen/pkg/cloud"
	"github.com/cuemby/bluegreen/pkg/types"
	"github.com/cuemby/bluegreen/pkg/wait"
)

// updated returns a fixture in the converged post-update state: green runs
// img-2 with two InService instances behind app-vnext
func updated(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.provider.AddScheduledAction(&types.ScheduledAction{PoolName: "app-blue", Name: "scale-up", Recurrence: "0 7 * * MON-FRI", Min: intp(4), Desired: intp(4)})
	f.provider.AddScheduledAction(&types.ScheduledAction{PoolName: "app-blue", Name: "scale-down", Recurrence: "0 19 * * MON-FRI", Min: intp(2), Desired: intp(2)})

	_, err := f.ctrl.Update(context.Background(), "img-2")
	require.NoError(t, err)

	f.sleeper = &wait.RecordingSleeper{}
	f.ctrl.sleeper = f.sleeper
	return f
}

func intp(v int) *int { return &v }

func activePools(p interface{ Pool(string) *types.Pool }) []string {
	var out []string
	for _, name := range []string{"app-blue", "app-green"} {
		if p.Pool(name).Tags.Has("active") {
			out = append(out, name)
		}
	}
	return out
}

func TestSwapPoolAfterUpdate(t *testing.T) {
	f := updated(t)
	calls := len(f.provider.Calls())

	report, err := f.ctrl.SwapPool(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Phase{
		PhaseIdle,
		PhaseTagsSwapped,
		PhaseResourcesMigrated,
		PhaseAttachedNewActive,
		PhaseDetachedOldActive,
		PhaseOldPoolDrained,
		PhaseDone,
	}, report.Phases)
	assert.Empty(t, report.Skipped)

	// exactly one active pool, the one that started inactive
	assert.Equal(t, []string{"app-green"}, activePools(f.provider))
	assert.Equal(t, "true", f.provider.Pool("app-green").Tags["active"])
	assert.Equal(t, "web", f.provider.Pool("app-blue").Tags["team"])

	green := f.provider.Pool("app-green")
	assert.True(t, green.HasBalancer("app"))
	assert.False(t, f.provider.Pool("app-blue").HasBalancer("app"))

	assert.Empty(t, f.provider.ScheduledActions("app-blue"))
	moved := f.provider.ScheduledActions("app-green")
	require.Len(t, moved, 2)
	assert.Equal(t, []string{"scale-down", "scale-up"}, report.MigratedActions)
	for _, a := range moved {
		assert.Equal(t, "app-green", a.PoolName)
		assert.Contains(t, a.ARN, "app-green")
	}

	blue := f.provider.Pool("app-blue")
	assert.True(t, blue.Capacity.IsZero())
	assert.Empty(t, blue.Instances)

	var order []string
	for _, c := range f.provider.Calls()[calls:] {
		if c.Method == "DescribePools" || c.Method == "DescribeBalancers" || c.Method == "DescribeLaunchConfiguration" ||
			c.Method == "DescribePoolBalancerAttachments" || c.Method == "DescribeScheduledActions" {
			continue
		}
		order = append(order, c.Method+" "+c.Args[0])
	}
	assert.Equal(t, []string{
		"CreateOrUpdateTag auto-scaling-group",
		"DeleteTag auto-scaling-group",
		"CreateOrUpdateTag auto-scaling-group",
		"PutScheduledAction app-green",
		"DeleteScheduledAction app-blue",
		"PutScheduledAction app-green",
		"DeleteScheduledAction app-blue",
		"AttachBalancer app-green",
		"DetachBalancer app-blue",
		"UpdatePoolCapacity app-blue",
		"DeleteTag auto-scaling-group",
	}, order)
	assert.False(t, report.Resumed)
	assert.False(t, blue.Tags.Has("swapping-to"), "marker is cleared once the old pool is drained")

	// two settles of two polls each, then two drain polls short of empty
	assert.Equal(t, []time.Duration{
		10 * time.Second, 10 * time.Second,
		15 * time.Second, 15 * time.Second,
	}, f.sleeper.Sleeps())
}

func TestSwapPoolEmptyPoolGuard(t *testing.T) {
	f := newFixture(t)

	report, err := f.ctrl.SwapPool(context.Background())
	var empty *EmptyPoolError
	require.True(t, errors.As(err, &empty))
	assert.Equal(t, "app-green", empty.Pool)
	assert.True(t, IsAbort(err))
	assert.Equal(t, PhaseIdle, report.Last())

	assert.Empty(t, f.provider.Mutations())
	assert.Equal(t, []string{"app-blue"}, activePools(f.provider))
}

func TestSwapPoolCollisionGuard(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Update(context.Background(), "")
	require.NoError(t, err)
	mutations := len(f.provider.Mutations())

	// both pools still run img-1
	_, err = f.ctrl.SwapPool(context.Background())
	var collision *CollisionGuardError
	require.True(t, errors.As(err, &collision))
	assert.Equal(t, "img-1", collision.ImageID)
	assert.True(t, IsAbort(err))

	assert.Len(t, f.provider.Mutations(), mutations)
	assert.Equal(t, []string{"app-blue"}, activePools(f.provider))
}

func TestSwapPoolRefusesPoolWithoutInService(t *testing.T) {
	f := newFixture(t)
	f.provider.Step = 0

	// green is scaled and runs a new image but nothing is in service yet
	f.provider.AddLaunchConfiguration(&types.LaunchConfiguration{Name: "app-lc-green", ImageID: "img-2"})
	f.provider.AddPool(&types.Pool{
		Name:                    "app-green",
		Capacity:                types.Capacity{Min: 2, Desired: 2, Max: 4},
		LaunchConfigurationName: "app-lc-green",
		BalancerNames:           []string{"app-vnext"},
		Instances: []types.Instance{
			{ID: "i-green-1", LifecycleState: types.LifecyclePending},
			{ID: "i-green-2", LifecycleState: types.LifecyclePending},
		},
	})

	_, err := f.ctrl.SwapPool(context.Background())
	var unsafe *UnsafeAttachmentError
	require.True(t, errors.As(err, &unsafe))
	assert.Equal(t, "app-green", unsafe.Pool)
	assert.False(t, IsAbort(err))
	assert.Empty(t, f.provider.Mutations())
}

func TestSwapPoolSettleBudgetExceeded(t *testing.T) {
	f := updated(t)
	f.provider.SettleAfter = -1

	report, err := f.ctrl.SwapPool(context.Background())
	var budget *WaitBudgetExceededError
	require.True(t, errors.As(err, &budget))
	assert.Equal(t, "app-green", budget.Resource)
	assert.False(t, IsAbort(err))

	// forward-only: tags and actions stay moved, the old pool is not drained
	assert.Equal(t, PhaseResourcesMigrated, report.Last())
	assert.Equal(t, []string{"app-green"}, activePools(f.provider))
	assert.Zero(t, f.provider.CallCount("DetachBalancer"))
	assert.Len(t, f.provider.Pool("app-blue").InService(), 2)
	assert.Equal(t, 5*time.Minute, f.sleeper.Total())
}

func TestSwapPoolProviderErrorStopsForward(t *testing.T) {
	f := updated(t)
	f.provider.FailOn("PutScheduledAction", errors.New("throttled"))

	report, err := f.ctrl.SwapPool(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseTagsSwapped, report.Last())
	assert.Empty(t, report.MigratedActions)

	// nothing was deleted from the source
	assert.Len(t, f.provider.ScheduledActions("app-blue"), 2)
	assert.Zero(t, f.provider.CallCount("DeleteScheduledAction"))
	assert.Zero(t, f.provider.CallCount("AttachBalancer"))
}

func TestSwapTagsSkipsCompletedHalf(t *testing.T) {
	f := updated(t)
	ctx := context.Background()

	// a previous run crashed between the two tag calls
	require.NoError(t, f.provider.CreateOrUpdateTag(ctx, cloud.ResourcePool, "app-blue", "swapping-to", "app-green"))
	require.NoError(t, f.provider.DeleteTag(ctx, cloud.ResourcePool, "app-blue", "active"))
	before := len(f.provider.Calls())

	report := &SwapReport{Kind: SwapKindPool}
	require.NoError(t, f.ctrl.swapPoolTags(ctx, report, "app-blue", "app-green"))

	assert.Equal(t, []string{"CreateOrUpdateTag app-blue swapping-to", "DeleteTag app-blue"}, report.Skipped)
	var methods []string
	for _, c := range f.provider.Calls()[before:] {
		methods = append(methods, c.Method)
	}
	assert.Equal(t, []string{"DescribePools", "CreateOrUpdateTag"}, methods)
	assert.Equal(t, []string{"app-green"}, activePools(f.provider))
}

func TestMigrateScheduledActionsIsRerunnable(t *testing.T) {
	f := updated(t)
	ctx := context.Background()

	// a previous run copied scale-down but crashed before deleting it
	require.NoError(t, f.provider.PutScheduledAction(ctx, &types.ScheduledAction{PoolName: "app-green", Name: "scale-down", Recurrence: "0 19 * * MON-FRI"}))

	migrated, err := f.ctrl.migrateScheduledActions(ctx, "app-blue", "app-green")
	require.NoError(t, err)
	assert.Equal(t, []string{"scale-down", "scale-up"}, migrated)
	assert.Empty(t, f.provider.ScheduledActions("app-blue"))
	assert.Len(t, f.provider.ScheduledActions("app-green"), 2)

	migrated, err = f.ctrl.migrateScheduledActions(ctx, "app-blue", "app-green")
	require.NoError(t, err)
	assert.Empty(t, migrated)
}

func TestMigrateToleratesAlreadyDeleted(t *testing.T) {
	f := updated(t)
	f.provider.FailOn("DeleteScheduledAction", cloud.ErrNotFound)

	migrated, err := f.ctrl.migrateScheduledActions(context.Background(), "app-blue", "app-green")
	require.NoError(t, err)
	assert.Len(t, migrated, 2)
}

func TestDetachSkippedWhenNotAttached(t *testing.T) {
	f := newFixture(t)

	report := &SwapReport{Kind: SwapKindPool}
	require.NoError(t, f.ctrl.detach(context.Background(), report, "app-green", "app"))
	assert.Equal(t, []string{"DetachBalancer app-green app"}, report.Skipped)
	assert.Zero(t, f.provider.CallCount("DetachBalancer"))
}

func TestAttachVerifiesAttachment(t *testing.T) {
	f := updated(t)

	report := &SwapReport{Kind: SwapKindPool}
	require.NoError(t, f.ctrl.attach(context.Background(), report, "app-green", "app"))
	assert.True(t, f.provider.Pool("app-green").HasBalancer("app"))

	// attaching again is a no-op that still verifies
	before := f.provider.CallCount("DescribePoolBalancerAttachments")
	require.NoError(t, f.ctrl.attach(context.Background(), report, "app-green", "app"))
	assert.Equal(t, 1, f.provider.CallCount("AttachBalancer"))
	assert.Equal(t, before+2, f.provider.CallCount("DescribePoolBalancerAttachments"))
	assert.Equal(t, []string{"AttachBalancer app-green app"}, report.Skipped)
}

func TestSwapPoolDrainFailure(t *testing.T) {
	f := updated(t)
	f.provider.FailOn("UpdatePoolCapacity", errors.New("throttled"))

	report, err := f.ctrl.SwapPool(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseDetachedOldActive, report.Last())
	assert.Equal(t, []string{"app-green"}, activePools(f.provider))
	assert.Len(t, f.provider.Pool("app-blue").Instances, 2)
}

func TestSwapPoolMarksOldPoolUntilDrained(t *testing.T) {
	f := updated(t)
	f.provider.FailOn("UpdatePoolCapacity", errors.New("throttled"))

	_, err := f.ctrl.SwapPool(context.Background())
	require.Error(t, err)
	assert.Equal(t, "app-green", f.provider.Pool("app-blue").Tags["swapping-to"])
	assert.False(t, f.provider.Pool("app-green").Tags.Has("swapping-to"))

	// other workflows refuse to act on a half swapped pair
	mutations := len(f.provider.Mutations())
	_, err = f.ctrl.Update(context.Background(), "img-3")
	var inProgress *SwapInProgressError
	require.True(t, errors.As(err, &inProgress))
	assert.Equal(t, "app-blue", inProgress.From)
	_, err = f.ctrl.SwapBalancer(context.Background())
	require.True(t, errors.As(err, &inProgress))
	assert.Len(t, f.provider.Mutations(), mutations)
}

func TestSwapPoolRerunAfterCrashResumesForward(t *testing.T) {
	tests := []struct {
		crashOn     string
		crashPhase  Phase
		wantResumed bool
		wantMoved   []string
	}{
		{crashOn: "CreateOrUpdateTag", crashPhase: PhaseIdle, wantResumed: false, wantMoved: []string{"scale-down", "scale-up"}},
		{crashOn: "DeleteTag", crashPhase: PhaseIdle, wantResumed: true, wantMoved: []string{"scale-down", "scale-up"}},
		{crashOn: "DescribeScheduledActions", crashPhase: PhaseTagsSwapped, wantResumed: true, wantMoved: []string{"scale-down", "scale-up"}},
		{crashOn: "AttachBalancer", crashPhase: PhaseResourcesMigrated, wantResumed: true},
		{crashOn: "DetachBalancer", crashPhase: PhaseAttachedNewActive, wantResumed: true},
		{crashOn: "UpdatePoolCapacity", crashPhase: PhaseDetachedOldActive, wantResumed: true},
	}

	for _, tt := range tests {
		t.Run(tt.crashOn, func(t *testing.T) {
			f := updated(t)
			ctx := context.Background()

			f.provider.FailOn(tt.crashOn, errors.New("connection reset"))
			report, err := f.ctrl.SwapPool(ctx)
			require.Error(t, err)
			assert.Equal(t, tt.crashPhase, report.Last())

			f.provider.FailOn(tt.crashOn, nil)
			report, err = f.ctrl.SwapPool(ctx)
			require.NoError(t, err)
			assert.Equal(t, PhaseDone, report.Last())
			assert.Equal(t, tt.wantResumed, report.Resumed)
			assert.Equal(t, tt.wantMoved, report.MigratedActions)

			// forward: green serves behind app, blue is drained and unmarked
			assert.Equal(t, []string{"app-green"}, activePools(f.provider))
			green, blue := f.provider.Pool("app-green"), f.provider.Pool("app-blue")
			assert.True(t, green.HasBalancer("app"))
			assert.False(t, blue.HasBalancer("app"))
			assert.Len(t, green.InService(), 2)
			assert.True(t, blue.Capacity.IsZero())
			assert.Empty(t, blue.Instances)
			assert.False(t, blue.Tags.Has("swapping-to"))
			assert.False(t, green.Tags.Has("swapping-to"))
			assert.Empty(t, f.provider.ScheduledActions("app-blue"))
			assert.Len(t, f.provider.ScheduledActions("app-green"), 2)
		})
	}
}

func TestSwapPoolResumeSkipsAppliedSteps(t *testing.T) {
	f := updated(t)
	ctx := context.Background()

	f.provider.FailOn("UpdatePoolCapacity", errors.New("throttled"))
	_, err := f.ctrl.SwapPool(ctx)
	require.Error(t, err)
	f.provider.FailOn("UpdatePoolCapacity", nil)
	before := len(f.provider.Mutations())

	report, err := f.ctrl.SwapPool(ctx)
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, "app-blue", report.Target.ActivePool.Name, "roles come from the marker")
	assert.Equal(t, []string{
		"CreateOrUpdateTag app-blue swapping-to",
		"DeleteTag app-blue",
		"CreateOrUpdateTag app-green",
		"AttachBalancer app-green app",
		"DetachBalancer app-blue app",
	}, report.Skipped)

	var order []string
	for _, c := range f.provider.Mutations()[before:] {
		order = append(order, c.String())
	}
	assert.Equal(t, []string{
		"UpdatePoolCapacity(app-blue, 0/0/0)",
		"DeleteTag(auto-scaling-group, app-blue, swapping-to)",
	}, order)
}
