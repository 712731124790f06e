package types

import (
	"sort"
	"time"
)

// Tags is the key/value metadata attached to a pool or balancer
type Tags map[string]string

// Has reports whether the tag set carries the key, whatever its value
func (t Tags) Has(key string) bool {
	_, ok := t[key]
	return ok
}

// Keys returns the tag keys in sorted order
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Capacity holds the min/desired/max bounds of a pool
type Capacity struct {
	Min     int
	Desired int
	Max     int
}

// Zero is the capacity of a fully drained pool
var Zero = Capacity{}

// Valid reports whether 0 <= min <= desired <= max
func (c Capacity) Valid() bool {
	return c.Min >= 0 && c.Min <= c.Desired && c.Desired <= c.Max
}

// IsZero reports whether all three bounds are zero
func (c Capacity) IsZero() bool {
	return c == Zero
}

// Pool represents one auto-scaled group of compute instances
type Pool struct {
	Name                    string
	Tags                    Tags
	Capacity                Capacity
	LaunchConfigurationName string
	BalancerNames           []string
	Instances               []Instance
}

// InService returns the instances whose lifecycle state is InService
func (p *Pool) InService() []Instance {
	var in []Instance
	for _, inst := range p.Instances {
		if inst.LifecycleState == LifecycleInService {
			in = append(in, inst)
		}
	}
	return in
}

// HasBalancer reports whether the pool lists the balancer as attached
func (p *Pool) HasBalancer(name string) bool {
	for _, b := range p.BalancerNames {
		if b == name {
			return true
		}
	}
	return false
}

// Instance is a single member of a pool
type Instance struct {
	ID             string
	LifecycleState LifecycleState
}

// InstanceIDs returns the ids of the given instances, in order
func InstanceIDs(instances []Instance) []string {
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

// LifecycleState is the lifecycle state of an instance inside its pool
type LifecycleState string

const (
	LifecyclePending     LifecycleState = "Pending"
	LifecycleInService   LifecycleState = "InService"
	LifecycleTerminating LifecycleState = "Terminating"
	LifecycleTerminated  LifecycleState = "Terminated"
	LifecycleStandby     LifecycleState = "Standby"
)

// Balancer represents one load-balancing endpoint
type Balancer struct {
	Name    string
	DNSName string
	Tags    Tags
}

// AttachmentStatus is the state of a balancer attachment on a pool
type AttachmentStatus string

const (
	AttachmentAdding    AttachmentStatus = "Adding"
	AttachmentAdded     AttachmentStatus = "Added"
	AttachmentInService AttachmentStatus = "InService"
	AttachmentRemoving  AttachmentStatus = "Removing"
	AttachmentRemoved   AttachmentStatus = "Removed"
)

// AttachmentState is one balancer attached to a pool and the attachment's state
type AttachmentState struct {
	BalancerName string
	State        AttachmentStatus
}

// HealthState is a balancer's view of one registered instance
type HealthState struct {
	InstanceID  string
	State       string
	ReasonCode  string
	Description string
}

// HealthInService is the balancer health state of a serving instance
const HealthInService = "InService"

// LaunchConfiguration is an immutable instance template referenced by a pool
type LaunchConfiguration struct {
	Name                         string
	ARN                          string // read-only
	CreatedTime                  time.Time
	ImageID                      string
	InstanceType                 string
	KeyName                      string
	SecurityGroups               []string
	UserData                     string
	IAMInstanceProfile           string
	KernelID                     string
	RamdiskID                    string
	SpotPrice                    string
	PlacementTenancy             string
	EBSOptimized                 *bool
	AssociatePublicIPAddress     *bool
	InstanceMonitoring           *bool
	MetadataOptions              *MetadataOptions
	// ClassicLinkVPCID and its groups only apply to EC2-Classic accounts
	ClassicLinkVPCID             string
	ClassicLinkVPCSecurityGroups []string
	BlockDeviceMappings          []BlockDeviceMapping
}

// MetadataOptions controls the instance metadata service of launched instances
type MetadataOptions struct {
	HTTPTokens              string
	HTTPPutResponseHopLimit *int64
	HTTPEndpoint            string
}

// BlockDeviceMapping describes one volume attached at launch
type BlockDeviceMapping struct {
	DeviceName          string
	VirtualName         string
	NoDevice            *bool
	SnapshotID          string
	VolumeSize          *int64
	VolumeType          string
	IOPS                *int64
	Throughput          *int64
	DeleteOnTermination *bool
	Encrypted           *bool
}

// HasEBS reports whether any EBS volume setting is present
func (m BlockDeviceMapping) HasEBS() bool {
	return m.SnapshotID != "" || m.VolumeSize != nil || m.VolumeType != "" || m.IOPS != nil ||
		m.Throughput != nil || m.DeleteOnTermination != nil || m.Encrypted != nil
}

// ScheduledAction is a time-based capacity rule bound to a pool
type ScheduledAction struct {
	PoolName   string
	Name       string
	ARN        string // read-only
	Recurrence string
	TimeZone   string
	StartTime  *time.Time
	EndTime    *time.Time
	Min        *int
	Desired    *int
	Max        *int
}

// DeploymentTarget is the active/inactive resolution computed once per workflow
type DeploymentTarget struct {
	ActivePool       *Pool
	InactivePool     *Pool
	ActiveBalancer   *Balancer
	InactiveBalancer *Balancer
}
