package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bluegreen/pkg/types"
)

func TestLaunchConfigurationName(t *testing.T) {
	at := time.Date(2017, 10, 16, 23, 14, 45, 0, time.UTC)

	assert.Equal(t, "dev-kuiper-lc-20171016231445", LaunchConfigurationName("dev-kuiper-web", at))
	assert.Equal(t, "dev-kuiper-lc-20171016231445", LaunchConfigurationName("dev-kuiper", at))
	assert.Equal(t, "app-lc-20171016231445", LaunchConfigurationName("app", at))

	// the timestamp is always UTC
	est := time.FixedZone("EST", -5*60*60)
	assert.Equal(t, "app-lc-20171016231445", LaunchConfigurationName("app", at.In(est)))
}

func TestReusableCopy(t *testing.T) {
	ebs := true
	src := &types.LaunchConfiguration{
		Name:           "app-lc-1",
		ARN:            "arn:aws:autoscaling:eu-west-1:1:launchConfiguration:x",
		CreatedTime:    time.Now(),
		ImageID:        "img-1",
		InstanceType:   "t3.small",
		SecurityGroups: []string{"sg-1", "", " "},
		EBSOptimized:   &ebs,
		MetadataOptions: &types.MetadataOptions{
			HTTPTokens:   "required",
			HTTPEndpoint: "enabled",
		},
		ClassicLinkVPCID:             "vpc-1",
		ClassicLinkVPCSecurityGroups: []string{"", "sg-cl"},
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{DeviceName: "/dev/xvda", VolumeType: "gp3"},
			{DeviceName: "/dev/xvdb", Encrypted: &ebs},
			{},
		},
	}

	cp := reusableCopy(src, "app-lc-2", "img-2")

	assert.Empty(t, cp.ARN)
	assert.True(t, cp.CreatedTime.IsZero())
	assert.Equal(t, "app-lc-2", cp.Name)
	assert.Equal(t, "img-2", cp.ImageID)
	assert.Equal(t, "t3.small", cp.InstanceType)
	assert.Equal(t, []string{"sg-1"}, cp.SecurityGroups)
	assert.Len(t, cp.BlockDeviceMappings, 2)
	assert.True(t, cp.BlockDeviceMappings[1].HasEBS())
	assert.Same(t, &ebs, cp.EBSOptimized)
	assert.Equal(t, "vpc-1", cp.ClassicLinkVPCID)
	assert.Equal(t, []string{"sg-cl"}, cp.ClassicLinkVPCSecurityGroups)
	require.NotNil(t, cp.MetadataOptions)
	assert.Equal(t, "required", cp.MetadataOptions.HTTPTokens)
	assert.NotSame(t, src.MetadataOptions, cp.MetadataOptions)

	// source untouched
	assert.Equal(t, "img-1", src.ImageID)
	assert.Len(t, src.SecurityGroups, 3)
}

func TestRolloutImage(t *testing.T) {
	clock := testNow
	f := newFixture(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	target, err := f.ctrl.discoverPools(ctx)
	require.NoError(t, err)

	first, err := f.ctrl.RolloutImage(ctx, target.InactivePool, "img-2")
	require.NoError(t, err)

	clock = clock.Add(time.Second)
	second, err := f.ctrl.RolloutImage(ctx, target.InactivePool, "img-3")
	require.NoError(t, err)

	assert.NotEqual(t, first.Name, second.Name)
	assert.Equal(t, "img-2", f.provider.LaunchConfiguration(first.Name).ImageID)
	assert.Equal(t, "img-3", f.provider.LaunchConfiguration(second.Name).ImageID)
	assert.Equal(t, second.Name, f.provider.Pool("app-green").LaunchConfigurationName)

	// the active pool's configuration is neither read nor changed
	assert.Equal(t, "app-lc-blue", f.provider.Pool("app-blue").LaunchConfigurationName)
	for _, c := range f.provider.Calls() {
		if c.Method == "DescribeLaunchConfiguration" {
			assert.Equal(t, []string{"app-lc-green"}, c.Args)
		}
	}
	assert.Equal(t, "img-1", f.provider.LaunchConfiguration("app-lc-green").ImageID)
}

func TestRolloutImageSameSecondCollides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target, err := f.ctrl.discoverPools(ctx)
	require.NoError(t, err)

	_, err = f.ctrl.RolloutImage(ctx, target.InactivePool, "img-2")
	require.NoError(t, err)
	_, err = f.ctrl.RolloutImage(ctx, target.InactivePool, "img-3")
	assert.Error(t, err, "a second rollout within the same second reuses the name")
}

func TestUpdateFreshRollout(t *testing.T) {
	f := newFixture(t)

	report, err := f.ctrl.Update(context.Background(), "img-2")
	require.NoError(t, err)

	assert.Equal(t, "app-lc-20261019120000", report.LaunchConfiguration)
	assert.Equal(t, types.Capacity{Min: 2, Desired: 2, Max: 4}, report.Capacity)

	green := f.provider.Pool("app-green")
	assert.Equal(t, "app-lc-20261019120000", green.LaunchConfigurationName)
	assert.Equal(t, types.Capacity{Min: 2, Desired: 2, Max: 4}, green.Capacity)
	assert.Len(t, green.InService(), 2)

	var order []string
	for _, c := range f.provider.Mutations() {
		order = append(order, c.Method)
	}
	assert.Equal(t, []string{"CreateLaunchConfiguration", "SetPoolLaunchConfiguration", "UpdatePoolCapacity"}, order)

	// one pool poll short of capacity, then the balancer is already healthy
	assert.Equal(t, []time.Duration{15 * time.Second}, f.sleeper.Sleeps())
	assert.Equal(t, 1, f.provider.CallCount("DescribeInstanceHealth"))

	// active pool untouched
	blue := f.provider.Pool("app-blue")
	assert.True(t, blue.Tags.Has("active"))
	assert.Equal(t, types.Capacity{Min: 2, Desired: 2, Max: 4}, blue.Capacity)
}

func TestUpdateWithoutImage(t *testing.T) {
	f := newFixture(t)

	report, err := f.ctrl.Update(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "app-lc-green", report.LaunchConfiguration)
	assert.Zero(t, f.provider.CallCount("CreateLaunchConfiguration"))
	assert.Equal(t, 1, f.provider.CallCount("UpdatePoolCapacity"))
}
