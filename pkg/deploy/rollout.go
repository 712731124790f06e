package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/bluegreen/pkg/events"
	"github.com/cuemby/bluegreen/pkg/metrics"
	"github.com/cuemby/bluegreen/pkg/types"
)

// launchConfigurationTimeFormat is the UTC timestamp suffix of published
// launch configurations, e.g. dev-kuiper-lc-20171016231445
const launchConfigurationTimeFormat = "20060102150405"

// LaunchConfigurationName builds the name of a new launch configuration
// from the first two dash-separated fields of the pool prefix
func LaunchConfigurationName(poolPrefix string, now time.Time) string {
	fields := strings.SplitN(poolPrefix, "-", 3)
	base := fields[0]
	if len(fields) > 1 {
		base += "-" + fields[1]
	}
	return fmt.Sprintf("%s-lc-%s", base, now.UTC().Format(launchConfigurationTimeFormat))
}

// RolloutImage publishes a copy of the inactive pool's launch configuration
// pointing at imageID and repoints the pool to it. The active pool is never
// read or touched.
func (c *Controller) RolloutImage(ctx context.Context, inactive *types.Pool, imageID string) (*types.LaunchConfiguration, error) {
	if imageID == "" {
		return nil, errors.New("image id is required for a rollout")
	}

	current, err := c.provider.DescribeLaunchConfiguration(ctx, inactive.LaunchConfigurationName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe launch configuration %s of pool %s: %w",
			inactive.LaunchConfigurationName, inactive.Name, err)
	}

	name := LaunchConfigurationName(c.cfg.PoolPrefix, c.now())
	next := reusableCopy(current, name, imageID)

	if err := c.provider.CreateLaunchConfiguration(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to create launch configuration %s: %w", name, err)
	}
	if err := c.provider.SetPoolLaunchConfiguration(ctx, inactive.Name, name); err != nil {
		return nil, fmt.Errorf("failed to point pool %s at launch configuration %s: %w", inactive.Name, name, err)
	}

	metrics.RolloutsTotal.Inc()
	c.log(ctx).Info().
		Str("pool", inactive.Name).
		Str("launch_configuration", name).
		Str("previous", current.Name).
		Str("image_id", imageID).
		Msg("Rolled out new image to inactive pool")
	c.publish(events.EventImageRolledOut, "image rolled out", map[string]string{
		"pool":                 inactive.Name,
		"launch_configuration": name,
		"image_id":             imageID,
	})
	return next, nil
}

// reusableCopy clones a launch configuration for republishing: read-only
// fields and blank entries are dropped, the name and image replaced
func reusableCopy(src *types.LaunchConfiguration, name, imageID string) *types.LaunchConfiguration {
	cp := *src
	cp.ARN = ""
	cp.CreatedTime = time.Time{}
	cp.Name = name
	cp.ImageID = imageID

	cp.SecurityGroups = nil
	for _, sg := range src.SecurityGroups {
		if strings.TrimSpace(sg) != "" {
			cp.SecurityGroups = append(cp.SecurityGroups, sg)
		}
	}

	cp.ClassicLinkVPCSecurityGroups = nil
	for _, sg := range src.ClassicLinkVPCSecurityGroups {
		if strings.TrimSpace(sg) != "" {
			cp.ClassicLinkVPCSecurityGroups = append(cp.ClassicLinkVPCSecurityGroups, sg)
		}
	}
	if src.MetadataOptions != nil {
		mo := *src.MetadataOptions
		cp.MetadataOptions = &mo
	}

	cp.BlockDeviceMappings = nil
	for _, bdm := range src.BlockDeviceMappings {
		if bdm.DeviceName != "" {
			cp.BlockDeviceMappings = append(cp.BlockDeviceMappings, bdm)
		}
	}
	return &cp
}
