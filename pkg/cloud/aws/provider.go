package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/elb"
	"github.com/aws/aws-sdk-go/service/elb/elbiface"
	"github.com/rs/zerolog"

	"github.com/cuemby/bluegreen/pkg/cloud"
	"github.com/cuemby/bluegreen/pkg/log"
	"github.com/cuemby/bluegreen/pkg/types"
)

// elbTagBatch is the most balancer names DescribeTags accepts per call
const elbTagBatch = 20

// Config configures the AWS session
type Config struct {
	Region     string
	Profile    string
	MaxRetries int
}

// Provider drives Auto Scaling groups and Classic Load Balancers
type Provider struct {
	asg    autoscalingiface.AutoScalingAPI
	elb    elbiface.ELBAPI
	logger zerolog.Logger
}

var _ cloud.Provider = (*Provider)(nil)

// New creates a provider from the shared AWS configuration
func New(cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		return nil, errors.New("region is required")
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
		Config: aws.Config{
			Region:     aws.String(cfg.Region),
			MaxRetries: aws.Int(cfg.MaxRetries),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewWithClients(autoscaling.New(sess), elb.New(sess)), nil
}

// NewWithClients creates a provider over existing service clients
func NewWithClients(asg autoscalingiface.AutoScalingAPI, lb elbiface.ELBAPI) *Provider {
	return &Provider{
		asg:    asg,
		elb:    lb,
		logger: log.WithComponent("aws"),
	}
}

// Pools

func (p *Provider) DescribePools(ctx context.Context, names []string) ([]*types.Pool, error) {
	input := &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: aws.StringSlice(names),
	}

	var pools []*types.Pool
	err := p.asg.DescribeAutoScalingGroupsPagesWithContext(ctx, input,
		func(page *autoscaling.DescribeAutoScalingGroupsOutput, _ bool) bool {
			for _, g := range page.AutoScalingGroups {
				pools = append(pools, poolFromGroup(g))
			}
			return true
		})
	if err != nil {
		return nil, translate(err)
	}
	return pools, nil
}

func (p *Provider) UpdatePoolCapacity(ctx context.Context, name string, c types.Capacity) error {
	_, err := p.asg.UpdateAutoScalingGroupWithContext(ctx, &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(name),
		MinSize:              aws.Int64(int64(c.Min)),
		DesiredCapacity:      aws.Int64(int64(c.Desired)),
		MaxSize:              aws.Int64(int64(c.Max)),
	})
	if err != nil {
		return translate(err)
	}
	p.logger.Debug().Str("pool", name).Msgf("UpdateAutoScalingGroup %d/%d/%d", c.Min, c.Desired, c.Max)
	return nil
}

func (p *Provider) SetPoolLaunchConfiguration(ctx context.Context, poolName, configName string) error {
	_, err := p.asg.UpdateAutoScalingGroupWithContext(ctx, &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName:    aws.String(poolName),
		LaunchConfigurationName: aws.String(configName),
	})
	return translate(err)
}

// Balancers

// DescribeBalancers looks balancers up one at a time so a missing name
// shortens the result instead of failing the whole call
func (p *Provider) DescribeBalancers(ctx context.Context, names []string) ([]*types.Balancer, error) {
	var balancers []*types.Balancer
	for _, name := range names {
		out, err := p.elb.DescribeLoadBalancersWithContext(ctx, &elb.DescribeLoadBalancersInput{
			LoadBalancerNames: aws.StringSlice([]string{name}),
		})
		if err != nil {
			err = translate(err)
			if errors.Is(err, cloud.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, d := range out.LoadBalancerDescriptions {
			balancers = append(balancers, &types.Balancer{
				Name:    aws.StringValue(d.LoadBalancerName),
				DNSName: aws.StringValue(d.DNSName),
				Tags:    types.Tags{},
			})
		}
	}

	for start := 0; start < len(balancers); start += elbTagBatch {
		end := min(start+elbTagBatch, len(balancers))
		batch := balancers[start:end]

		byName := make(map[string]*types.Balancer, len(batch))
		batchNames := make([]string, 0, len(batch))
		for _, b := range batch {
			byName[b.Name] = b
			batchNames = append(batchNames, b.Name)
		}

		out, err := p.elb.DescribeTagsWithContext(ctx, &elb.DescribeTagsInput{
			LoadBalancerNames: aws.StringSlice(batchNames),
		})
		if err != nil {
			return nil, translate(err)
		}
		for _, td := range out.TagDescriptions {
			b, ok := byName[aws.StringValue(td.LoadBalancerName)]
			if !ok {
				continue
			}
			for _, t := range td.Tags {
				b.Tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
			}
		}
	}
	return balancers, nil
}

func (p *Provider) DescribeInstanceHealth(ctx context.Context, balancerName string, instanceIDs []string) ([]types.HealthState, error) {
	input := &elb.DescribeInstanceHealthInput{LoadBalancerName: aws.String(balancerName)}
	for _, id := range instanceIDs {
		input.Instances = append(input.Instances, &elb.Instance{InstanceId: aws.String(id)})
	}

	out, err := p.elb.DescribeInstanceHealthWithContext(ctx, input)
	if err != nil {
		return nil, translate(err)
	}

	states := make([]types.HealthState, 0, len(out.InstanceStates))
	for _, s := range out.InstanceStates {
		states = append(states, types.HealthState{
			InstanceID:  aws.StringValue(s.InstanceId),
			State:       aws.StringValue(s.State),
			ReasonCode:  aws.StringValue(s.ReasonCode),
			Description: aws.StringValue(s.Description),
		})
	}
	return states, nil
}

// Tags

func (p *Provider) CreateOrUpdateTag(ctx context.Context, rt cloud.ResourceType, id, key, value string) error {
	var err error
	switch rt {
	case cloud.ResourcePool:
		_, err = p.asg.CreateOrUpdateTagsWithContext(ctx, &autoscaling.CreateOrUpdateTagsInput{
			Tags: []*autoscaling.Tag{{
				ResourceId:        aws.String(id),
				ResourceType:      aws.String(string(rt)),
				Key:               aws.String(key),
				Value:             aws.String(value),
				PropagateAtLaunch: aws.Bool(false),
			}},
		})
	case cloud.ResourceBalancer:
		_, err = p.elb.AddTagsWithContext(ctx, &elb.AddTagsInput{
			LoadBalancerNames: aws.StringSlice([]string{id}),
			Tags:              []*elb.Tag{{Key: aws.String(key), Value: aws.String(value)}},
		})
	default:
		return fmt.Errorf("unknown resource type %q", rt)
	}
	if err != nil {
		return translate(err)
	}
	p.logger.Debug().Str("resource", id).Str("key", key).Msg("Tagged resource")
	return nil
}

func (p *Provider) DeleteTag(ctx context.Context, rt cloud.ResourceType, id, key string) error {
	var err error
	switch rt {
	case cloud.ResourcePool:
		_, err = p.asg.DeleteTagsWithContext(ctx, &autoscaling.DeleteTagsInput{
			Tags: []*autoscaling.Tag{{
				ResourceId:   aws.String(id),
				ResourceType: aws.String(string(rt)),
				Key:          aws.String(key),
			}},
		})
	case cloud.ResourceBalancer:
		_, err = p.elb.RemoveTagsWithContext(ctx, &elb.RemoveTagsInput{
			LoadBalancerNames: aws.StringSlice([]string{id}),
			Tags:              []*elb.TagKeyOnly{{Key: aws.String(key)}},
		})
	default:
		return fmt.Errorf("unknown resource type %q", rt)
	}
	if err != nil {
		return translate(err)
	}
	p.logger.Debug().Str("resource", id).Str("key", key).Msg("Removed tag from resource")
	return nil
}

// Launch configurations

func (p *Provider) DescribeLaunchConfiguration(ctx context.Context, name string) (*types.LaunchConfiguration, error) {
	out, err := p.asg.DescribeLaunchConfigurationsWithContext(ctx, &autoscaling.DescribeLaunchConfigurationsInput{
		LaunchConfigurationNames: aws.StringSlice([]string{name}),
	})
	if err != nil {
		return nil, translate(err)
	}
	if len(out.LaunchConfigurations) == 0 {
		return nil, fmt.Errorf("launch configuration %s: %w", name, cloud.ErrNotFound)
	}
	return launchConfigurationFromAPI(out.LaunchConfigurations[0]), nil
}

func (p *Provider) CreateLaunchConfiguration(ctx context.Context, lc *types.LaunchConfiguration) error {
	_, err := p.asg.CreateLaunchConfigurationWithContext(ctx, createLaunchConfigurationInput(lc))
	if err != nil {
		return translate(err)
	}
	p.logger.Debug().Str("launch_configuration", lc.Name).Str("image_id", lc.ImageID).Msg("Created launch configuration")
	return nil
}

// Attachments

func (p *Provider) AttachBalancer(ctx context.Context, poolName, balancerName string) error {
	_, err := p.asg.AttachLoadBalancersWithContext(ctx, &autoscaling.AttachLoadBalancersInput{
		AutoScalingGroupName: aws.String(poolName),
		LoadBalancerNames:    aws.StringSlice([]string{balancerName}),
	})
	return translate(err)
}

func (p *Provider) DetachBalancer(ctx context.Context, poolName, balancerName string) error {
	_, err := p.asg.DetachLoadBalancersWithContext(ctx, &autoscaling.DetachLoadBalancersInput{
		AutoScalingGroupName: aws.String(poolName),
		LoadBalancerNames:    aws.StringSlice([]string{balancerName}),
	})
	return translate(err)
}

func (p *Provider) DescribePoolBalancerAttachments(ctx context.Context, poolName string) ([]types.AttachmentState, error) {
	input := &autoscaling.DescribeLoadBalancersInput{AutoScalingGroupName: aws.String(poolName)}

	var states []types.AttachmentState
	for {
		out, err := p.asg.DescribeLoadBalancersWithContext(ctx, input)
		if err != nil {
			return nil, translate(err)
		}
		for _, lb := range out.LoadBalancers {
			states = append(states, types.AttachmentState{
				BalancerName: aws.StringValue(lb.LoadBalancerName),
				State:        types.AttachmentStatus(aws.StringValue(lb.State)),
			})
		}
		if aws.StringValue(out.NextToken) == "" {
			return states, nil
		}
		input.NextToken = out.NextToken
	}
}

// Scheduled actions

func (p *Provider) DescribeScheduledActions(ctx context.Context, poolName string) ([]*types.ScheduledAction, error) {
	input := &autoscaling.DescribeScheduledActionsInput{AutoScalingGroupName: aws.String(poolName)}

	var actions []*types.ScheduledAction
	err := p.asg.DescribeScheduledActionsPagesWithContext(ctx, input,
		func(page *autoscaling.DescribeScheduledActionsOutput, _ bool) bool {
			for _, a := range page.ScheduledUpdateGroupActions {
				actions = append(actions, scheduledActionFromAPI(a))
			}
			return true
		})
	if err != nil {
		return nil, translate(err)
	}
	return actions, nil
}

func (p *Provider) PutScheduledAction(ctx context.Context, a *types.ScheduledAction) error {
	_, err := p.asg.PutScheduledUpdateGroupActionWithContext(ctx, &autoscaling.PutScheduledUpdateGroupActionInput{
		AutoScalingGroupName: aws.String(a.PoolName),
		ScheduledActionName:  aws.String(a.Name),
		Recurrence:           optString(a.Recurrence),
		TimeZone:             optString(a.TimeZone),
		StartTime:            a.StartTime,
		EndTime:              a.EndTime,
		MinSize:              optInt64(a.Min),
		DesiredCapacity:      optInt64(a.Desired),
		MaxSize:              optInt64(a.Max),
	})
	return translate(err)
}

func (p *Provider) DeleteScheduledAction(ctx context.Context, poolName, actionName string) error {
	_, err := p.asg.DeleteScheduledActionWithContext(ctx, &autoscaling.DeleteScheduledActionInput{
		AutoScalingGroupName: aws.String(poolName),
		ScheduledActionName:  aws.String(actionName),
	})
	return translate(err)
}

// Errors

// apiError keeps the AWS error in the chain next to the cloud sentinel it
// maps to
type apiError struct {
	sentinel error
	err      error
}

func (e *apiError) Error() string   { return e.err.Error() }
func (e *apiError) Unwrap() []error { return []error{e.sentinel, e.err} }

func translate(err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}

	switch aerr.Code() {
	case elb.ErrCodeAccessPointNotFoundException:
		return &apiError{sentinel: cloud.ErrNotFound, err: err}
	case autoscaling.ErrCodeAlreadyExistsFault:
		return &apiError{sentinel: cloud.ErrAlreadyExists, err: err}
	case "ValidationError":
		// Auto Scaling reports unknown groups and actions as validation errors
		if strings.Contains(strings.ToLower(aerr.Message()), "not found") {
			return &apiError{sentinel: cloud.ErrNotFound, err: err}
		}
	}
	return err
}
