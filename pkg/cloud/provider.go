package cloud

import (
	"context"
	"errors"

	"github.com/cuemby/bluegreen/pkg/types"
)

var (
	// ErrNotFound indicates that a named pool, balancer, launch
	// configuration or scheduled action does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same name
	// already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// ResourceType identifies the kind of resource a tag is written to
type ResourceType string

const (
	ResourcePool     ResourceType = "auto-scaling-group"
	ResourceBalancer ResourceType = "load-balancer"
)

// Provider is the cloud control plane the deployment controller drives.
// Implementations own retries, throttling and credentials; every call is
// a synchronous request/response.
type Provider interface {
	// Pools
	DescribePools(ctx context.Context, names []string) ([]*types.Pool, error)
	UpdatePoolCapacity(ctx context.Context, name string, capacity types.Capacity) error
	SetPoolLaunchConfiguration(ctx context.Context, poolName, configName string) error

	// Balancers
	DescribeBalancers(ctx context.Context, names []string) ([]*types.Balancer, error)
	DescribeInstanceHealth(ctx context.Context, balancerName string, instanceIDs []string) ([]types.HealthState, error)

	// Tags
	CreateOrUpdateTag(ctx context.Context, resourceType ResourceType, resourceID, key, value string) error
	DeleteTag(ctx context.Context, resourceType ResourceType, resourceID, key string) error

	// Launch configurations
	DescribeLaunchConfiguration(ctx context.Context, name string) (*types.LaunchConfiguration, error)
	CreateLaunchConfiguration(ctx context.Context, config *types.LaunchConfiguration) error

	// Attachments
	AttachBalancer(ctx context.Context, poolName, balancerName string) error
	DetachBalancer(ctx context.Context, poolName, balancerName string) error
	DescribePoolBalancerAttachments(ctx context.Context, poolName string) ([]types.AttachmentState, error)

	// Scheduled actions
	DescribeScheduledActions(ctx context.Context, poolName string) ([]*types.ScheduledAction, error)
	PutScheduledAction(ctx context.Context, action *types.ScheduledAction) error
	DeleteScheduledAction(ctx context.Context, poolName, actionName string) error
}
