package aws

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/autoscaling"

	"github.com/cuemby/bluegreen/pkg/types"
)

func poolFromGroup(g *autoscaling.Group) *types.Pool {
	pool := &types.Pool{
		Name: aws.StringValue(g.AutoScalingGroupName),
		Tags: types.Tags{},
		Capacity: types.Capacity{
			Min:     int(aws.Int64Value(g.MinSize)),
			Desired: int(aws.Int64Value(g.DesiredCapacity)),
			Max:     int(aws.Int64Value(g.MaxSize)),
		},
		LaunchConfigurationName: aws.StringValue(g.LaunchConfigurationName),
		BalancerNames:           aws.StringValueSlice(g.LoadBalancerNames),
	}
	for _, t := range g.Tags {
		pool.Tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	for _, inst := range g.Instances {
		pool.Instances = append(pool.Instances, types.Instance{
			ID:             aws.StringValue(inst.InstanceId),
			LifecycleState: types.LifecycleState(aws.StringValue(inst.LifecycleState)),
		})
	}
	return pool
}

func launchConfigurationFromAPI(lc *autoscaling.LaunchConfiguration) *types.LaunchConfiguration {
	out := &types.LaunchConfiguration{
		Name:                     aws.StringValue(lc.LaunchConfigurationName),
		ARN:                      aws.StringValue(lc.LaunchConfigurationARN),
		CreatedTime:              aws.TimeValue(lc.CreatedTime),
		ImageID:                  aws.StringValue(lc.ImageId),
		InstanceType:             aws.StringValue(lc.InstanceType),
		KeyName:                  aws.StringValue(lc.KeyName),
		SecurityGroups:           aws.StringValueSlice(lc.SecurityGroups),
		UserData:                 aws.StringValue(lc.UserData),
		IAMInstanceProfile:       aws.StringValue(lc.IamInstanceProfile),
		KernelID:                 aws.StringValue(lc.KernelId),
		RamdiskID:                aws.StringValue(lc.RamdiskId),
		SpotPrice:                aws.StringValue(lc.SpotPrice),
		PlacementTenancy:         aws.StringValue(lc.PlacementTenancy),
		EBSOptimized:             lc.EbsOptimized,
		AssociatePublicIPAddress: lc.AssociatePublicIpAddress,
	}
	if lc.InstanceMonitoring != nil {
		out.InstanceMonitoring = lc.InstanceMonitoring.Enabled
	}
	if mo := lc.MetadataOptions; mo != nil {
		out.MetadataOptions = &types.MetadataOptions{
			HTTPTokens:              aws.StringValue(mo.HttpTokens),
			HTTPPutResponseHopLimit: mo.HttpPutResponseHopLimit,
			HTTPEndpoint:            aws.StringValue(mo.HttpEndpoint),
		}
	}
	out.ClassicLinkVPCID = aws.StringValue(lc.ClassicLinkVPCId)
	out.ClassicLinkVPCSecurityGroups = aws.StringValueSlice(lc.ClassicLinkVPCSecurityGroups)
	for _, bdm := range lc.BlockDeviceMappings {
		m := types.BlockDeviceMapping{
			DeviceName:  aws.StringValue(bdm.DeviceName),
			VirtualName: aws.StringValue(bdm.VirtualName),
			NoDevice:    bdm.NoDevice,
		}
		if ebs := bdm.Ebs; ebs != nil {
			m.SnapshotID = aws.StringValue(ebs.SnapshotId)
			m.VolumeSize = ebs.VolumeSize
			m.VolumeType = aws.StringValue(ebs.VolumeType)
			m.IOPS = ebs.Iops
			m.Throughput = ebs.Throughput
			m.DeleteOnTermination = ebs.DeleteOnTermination
			m.Encrypted = ebs.Encrypted
		}
		out.BlockDeviceMappings = append(out.BlockDeviceMappings, m)
	}
	return out
}

// createLaunchConfigurationInput leaves every blank field unset; the API
// rejects empty strings for most of them
func createLaunchConfigurationInput(lc *types.LaunchConfiguration) *autoscaling.CreateLaunchConfigurationInput {
	in := &autoscaling.CreateLaunchConfigurationInput{
		LaunchConfigurationName:  aws.String(lc.Name),
		ImageId:                  optString(lc.ImageID),
		InstanceType:             optString(lc.InstanceType),
		KeyName:                  optString(lc.KeyName),
		UserData:                 optString(lc.UserData),
		IamInstanceProfile:       optString(lc.IAMInstanceProfile),
		KernelId:                 optString(lc.KernelID),
		RamdiskId:                optString(lc.RamdiskID),
		SpotPrice:                optString(lc.SpotPrice),
		PlacementTenancy:         optString(lc.PlacementTenancy),
		EbsOptimized:             lc.EBSOptimized,
		AssociatePublicIpAddress: lc.AssociatePublicIPAddress,
	}
	in.SecurityGroups = nonBlank(lc.SecurityGroups)
	if lc.InstanceMonitoring != nil {
		in.InstanceMonitoring = &autoscaling.InstanceMonitoring{Enabled: lc.InstanceMonitoring}
	}
	if mo := lc.MetadataOptions; mo != nil {
		in.MetadataOptions = &autoscaling.InstanceMetadataOptions{
			HttpTokens:              optString(mo.HTTPTokens),
			HttpPutResponseHopLimit: mo.HTTPPutResponseHopLimit,
			HttpEndpoint:            optString(mo.HTTPEndpoint),
		}
	}
	if lc.ClassicLinkVPCID != "" {
		in.ClassicLinkVPCId = aws.String(lc.ClassicLinkVPCID)
		in.ClassicLinkVPCSecurityGroups = nonBlank(lc.ClassicLinkVPCSecurityGroups)
	}
	for _, m := range lc.BlockDeviceMappings {
		if m.DeviceName == "" {
			continue
		}
		bdm := &autoscaling.BlockDeviceMapping{
			DeviceName:  aws.String(m.DeviceName),
			VirtualName: optString(m.VirtualName),
			NoDevice:    m.NoDevice,
		}
		if m.HasEBS() {
			bdm.Ebs = &autoscaling.Ebs{
				SnapshotId:          optString(m.SnapshotID),
				VolumeSize:          m.VolumeSize,
				VolumeType:          optString(m.VolumeType),
				Iops:                m.IOPS,
				Throughput:          m.Throughput,
				DeleteOnTermination: m.DeleteOnTermination,
				Encrypted:           m.Encrypted,
			}
		}
		in.BlockDeviceMappings = append(in.BlockDeviceMappings, bdm)
	}
	return in
}

func nonBlank(values []string) []*string {
	var out []*string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, aws.String(v))
		}
	}
	return out
}

func scheduledActionFromAPI(a *autoscaling.ScheduledUpdateGroupAction) *types.ScheduledAction {
	return &types.ScheduledAction{
		PoolName:   aws.StringValue(a.AutoScalingGroupName),
		Name:       aws.StringValue(a.ScheduledActionName),
		ARN:        aws.StringValue(a.ScheduledActionARN),
		Recurrence: aws.StringValue(a.Recurrence),
		TimeZone:   aws.StringValue(a.TimeZone),
		StartTime:  a.StartTime,
		EndTime:    a.EndTime,
		Min:        optInt(a.MinSize),
		Desired:    optInt(a.DesiredCapacity),
		Max:        optInt(a.MaxSize),
	}
}

func optString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return aws.String(s)
}

func optInt(v *int64) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func optInt64(v *int) *int64 {
	if v == nil {
		return nil
	}
	return aws.Int64(int64(*v))
}
