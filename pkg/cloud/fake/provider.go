package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/bluegreen/pkg/cloud"
	"github.com/cuemby/bluegreen/pkg/types"
)

// Call is one recorded provider invocation
type Call struct {
	Method string
	Args   []string
}

func (c Call) String() string {
	return c.Method + "(" + strings.Join(c.Args, ", ") + ")"
}

type attachment struct {
	state types.AttachmentStatus
	polls int
}

// Provider is an in-memory cloud.Provider that simulates eventual
// consistency: pools move toward their desired capacity and attachments
// settle a little more on every describe call.
type Provider struct {
	mu sync.Mutex

	pools       map[string]*types.Pool
	balancers   map[string]*types.Balancer
	configs     map[string]*types.LaunchConfiguration
	actions     map[string]map[string]*types.ScheduledAction
	attachments map[string]map[string]*attachment
	failures    map[string]error
	calls       []Call
	seq         int

	// Step is how many instances launch into service, or terminate,
	// per DescribePools call. Zero freezes pool convergence.
	Step int
	// SettleAfter is how many attachment describes an attach or detach
	// stays in flight before it settles. Negative never settles.
	SettleAfter int
	// Now stamps created launch configurations.
	Now func() time.Time
}

// New returns an empty simulated provider
func New() *Provider {
	return &Provider{
		pools:       make(map[string]*types.Pool),
		balancers:   make(map[string]*types.Balancer),
		configs:     make(map[string]*types.LaunchConfiguration),
		actions:     make(map[string]map[string]*types.ScheduledAction),
		attachments: make(map[string]map[string]*attachment),
		failures:    make(map[string]error),
		Step:        1,
		SettleAfter: 1,
		Now:         time.Now,
	}
}

var _ cloud.Provider = (*Provider)(nil)

// Seeding helpers

// AddPool registers a pool. Balancer names listed on the pool become
// settled attachments.
func (p *Provider) AddPool(pool *types.Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := copyPool(pool)
	p.pools[cp.Name] = cp
	p.attachments[cp.Name] = make(map[string]*attachment)
	for _, b := range cp.BalancerNames {
		p.attachments[cp.Name][b] = &attachment{state: types.AttachmentInService}
	}
}

// AddBalancer registers a balancer
func (p *Provider) AddBalancer(b *types.Balancer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balancers[b.Name] = copyBalancer(b)
}

// AddLaunchConfiguration registers a launch configuration
func (p *Provider) AddLaunchConfiguration(lc *types.LaunchConfiguration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := copyLaunchConfiguration(lc)
	p.configs[cp.Name] = cp
}

// AddScheduledAction registers a scheduled action on its pool
func (p *Provider) AddScheduledAction(a *types.ScheduledAction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.putAction(a)
}

// FailOn makes every subsequent call of method return err. A nil err
// clears the failure.
func (p *Provider) FailOn(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, method)
		return
	}
	p.failures[method] = err
}

// Inspection helpers. None of them record calls or advance the simulation.

// Pool returns a copy of the named pool, or nil
func (p *Provider) Pool(name string) *types.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.pools[name]
	if !ok {
		return nil
	}
	return p.snapshot(pool)
}

// Balancer returns a copy of the named balancer, or nil
func (p *Provider) Balancer(name string) *types.Balancer {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.balancers[name]
	if !ok {
		return nil
	}
	return copyBalancer(b)
}

// LaunchConfiguration returns a copy of the named launch configuration, or nil
func (p *Provider) LaunchConfiguration(name string) *types.LaunchConfiguration {
	p.mu.Lock()
	defer p.mu.Unlock()
	lc, ok := p.configs[name]
	if !ok {
		return nil
	}
	return copyLaunchConfiguration(lc)
}

// LaunchConfigurationNames returns every known launch configuration name, sorted
func (p *Provider) LaunchConfigurationNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.configs))
	for n := range p.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ScheduledActions returns copies of the actions bound to a pool, by name
func (p *Provider) ScheduledActions(pool string) []*types.ScheduledAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listActions(pool)
}

// Calls returns the journal of every provider call made so far
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Mutations returns the journaled calls that are not describes
func (p *Provider) Mutations() []Call {
	var out []Call
	for _, c := range p.Calls() {
		if !strings.HasPrefix(c.Method, "Describe") {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times method was called
func (p *Provider) CallCount(method string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// cloud.Provider implementation

func (p *Provider) DescribePools(_ context.Context, names []string) ([]*types.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribePools", names...); err != nil {
		return nil, err
	}

	var out []*types.Pool
	for _, name := range names {
		pool, ok := p.pools[name]
		if !ok {
			continue
		}
		p.converge(pool)
		out = append(out, p.snapshot(pool))
	}
	return out, nil
}

func (p *Provider) UpdatePoolCapacity(_ context.Context, name string, c types.Capacity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("UpdatePoolCapacity", name, fmt.Sprintf("%d/%d/%d", c.Min, c.Desired, c.Max)); err != nil {
		return err
	}
	pool, ok := p.pools[name]
	if !ok {
		return fmt.Errorf("pool %s: %w", name, cloud.ErrNotFound)
	}
	if !c.Valid() {
		return fmt.Errorf("invalid capacity %d/%d/%d for pool %s", c.Min, c.Desired, c.Max, name)
	}
	pool.Capacity = c
	return nil
}

func (p *Provider) SetPoolLaunchConfiguration(_ context.Context, poolName, configName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("SetPoolLaunchConfiguration", poolName, configName); err != nil {
		return err
	}
	pool, ok := p.pools[poolName]
	if !ok {
		return fmt.Errorf("pool %s: %w", poolName, cloud.ErrNotFound)
	}
	if _, ok := p.configs[configName]; !ok {
		return fmt.Errorf("launch configuration %s: %w", configName, cloud.ErrNotFound)
	}
	pool.LaunchConfigurationName = configName
	return nil
}

func (p *Provider) DescribeBalancers(_ context.Context, names []string) ([]*types.Balancer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeBalancers", names...); err != nil {
		return nil, err
	}
	var out []*types.Balancer
	for _, name := range names {
		if b, ok := p.balancers[name]; ok {
			out = append(out, copyBalancer(b))
		}
	}
	return out, nil
}

func (p *Provider) DescribeInstanceHealth(_ context.Context, balancerName string, instanceIDs []string) ([]types.HealthState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeInstanceHealth", append([]string{balancerName}, instanceIDs...)...); err != nil {
		return nil, err
	}
	if _, ok := p.balancers[balancerName]; !ok {
		return nil, fmt.Errorf("balancer %s: %w", balancerName, cloud.ErrNotFound)
	}

	// Index every instance of every pool registered with the balancer.
	registered := make(map[string]types.Instance)
	var order []string
	for _, poolName := range p.sortedPoolNames() {
		att, ok := p.attachments[poolName][balancerName]
		if !ok || att.state == types.AttachmentRemoving || att.state == types.AttachmentRemoved {
			continue
		}
		for _, inst := range p.pools[poolName].Instances {
			registered[inst.ID] = inst
			order = append(order, inst.ID)
		}
	}

	if len(instanceIDs) == 0 {
		instanceIDs = order
	}

	states := make([]types.HealthState, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		inst, ok := registered[id]
		switch {
		case !ok:
			states = append(states, types.HealthState{InstanceID: id, State: "OutOfService", ReasonCode: "Instance", Description: "Instance is not registered"})
		case inst.LifecycleState == types.LifecycleInService:
			states = append(states, types.HealthState{InstanceID: id, State: types.HealthInService, ReasonCode: "N/A"})
		default:
			states = append(states, types.HealthState{InstanceID: id, State: "OutOfService", ReasonCode: "Instance", Description: "Instance has not passed the configured HealthyThreshold"})
		}
	}
	return states, nil
}

func (p *Provider) CreateOrUpdateTag(_ context.Context, rt cloud.ResourceType, id, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateOrUpdateTag", string(rt), id, key, value); err != nil {
		return err
	}
	tags, err := p.tagsOf(rt, id)
	if err != nil {
		return err
	}
	tags[key] = value
	return nil
}

func (p *Provider) DeleteTag(_ context.Context, rt cloud.ResourceType, id, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteTag", string(rt), id, key); err != nil {
		return err
	}
	tags, err := p.tagsOf(rt, id)
	if err != nil {
		return err
	}
	delete(tags, key)
	return nil
}

func (p *Provider) DescribeLaunchConfiguration(_ context.Context, name string) (*types.LaunchConfiguration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeLaunchConfiguration", name); err != nil {
		return nil, err
	}
	lc, ok := p.configs[name]
	if !ok {
		return nil, fmt.Errorf("launch configuration %s: %w", name, cloud.ErrNotFound)
	}
	return copyLaunchConfiguration(lc), nil
}

func (p *Provider) CreateLaunchConfiguration(_ context.Context, config *types.LaunchConfiguration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateLaunchConfiguration", config.Name, config.ImageID); err != nil {
		return err
	}
	if _, ok := p.configs[config.Name]; ok {
		return fmt.Errorf("launch configuration %s: %w", config.Name, cloud.ErrAlreadyExists)
	}
	if config.ARN != "" || !config.CreatedTime.IsZero() {
		return fmt.Errorf("launch configuration %s: read-only fields must not be set", config.Name)
	}
	cp := copyLaunchConfiguration(config)
	cp.ARN = "arn:fake:autoscaling:launchConfiguration/" + cp.Name
	cp.CreatedTime = p.Now()
	p.configs[cp.Name] = cp
	return nil
}

func (p *Provider) AttachBalancer(_ context.Context, poolName, balancerName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("AttachBalancer", poolName, balancerName); err != nil {
		return err
	}
	if _, ok := p.pools[poolName]; !ok {
		return fmt.Errorf("pool %s: %w", poolName, cloud.ErrNotFound)
	}
	if _, ok := p.balancers[balancerName]; !ok {
		return fmt.Errorf("balancer %s: %w", balancerName, cloud.ErrNotFound)
	}
	if att, ok := p.attachments[poolName][balancerName]; ok && att.state != types.AttachmentRemoving {
		return nil
	}
	p.attachments[poolName][balancerName] = &attachment{state: types.AttachmentAdding}
	return nil
}

func (p *Provider) DetachBalancer(_ context.Context, poolName, balancerName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DetachBalancer", poolName, balancerName); err != nil {
		return err
	}
	att, ok := p.attachments[poolName][balancerName]
	if !ok {
		return fmt.Errorf("balancer %s on pool %s: %w", balancerName, poolName, cloud.ErrNotFound)
	}
	att.state = types.AttachmentRemoving
	att.polls = 0
	return nil
}

func (p *Provider) DescribePoolBalancerAttachments(_ context.Context, poolName string) ([]types.AttachmentState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribePoolBalancerAttachments", poolName); err != nil {
		return nil, err
	}
	atts, ok := p.attachments[poolName]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", poolName, cloud.ErrNotFound)
	}

	var out []types.AttachmentState
	for _, name := range sortedKeys(atts) {
		att := atts[name]
		if att.state == types.AttachmentAdding || att.state == types.AttachmentRemoving {
			att.polls++
			if p.SettleAfter >= 0 && att.polls > p.SettleAfter {
				if att.state == types.AttachmentAdding {
					att.state = types.AttachmentInService
				} else {
					delete(atts, name)
					continue
				}
			}
		}
		out = append(out, types.AttachmentState{BalancerName: name, State: att.state})
	}
	return out, nil
}

func (p *Provider) DescribeScheduledActions(_ context.Context, poolName string) ([]*types.ScheduledAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeScheduledActions", poolName); err != nil {
		return nil, err
	}
	if _, ok := p.pools[poolName]; !ok {
		return nil, fmt.Errorf("pool %s: %w", poolName, cloud.ErrNotFound)
	}
	return p.listActions(poolName), nil
}

func (p *Provider) PutScheduledAction(_ context.Context, action *types.ScheduledAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("PutScheduledAction", action.PoolName, action.Name); err != nil {
		return err
	}
	if _, ok := p.pools[action.PoolName]; !ok {
		return fmt.Errorf("pool %s: %w", action.PoolName, cloud.ErrNotFound)
	}
	if action.ARN != "" {
		return fmt.Errorf("scheduled action %s: read-only ARN must not be set", action.Name)
	}
	p.putAction(action)
	return nil
}

func (p *Provider) DeleteScheduledAction(_ context.Context, poolName, actionName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteScheduledAction", poolName, actionName); err != nil {
		return err
	}
	if _, ok := p.actions[poolName][actionName]; !ok {
		return fmt.Errorf("scheduled action %s on pool %s: %w", actionName, poolName, cloud.ErrNotFound)
	}
	delete(p.actions[poolName], actionName)
	return nil
}

// internals; callers hold p.mu

func (p *Provider) record(method string, args ...string) error {
	p.calls = append(p.calls, Call{Method: method, Args: append([]string(nil), args...)})
	return p.failures[method]
}

// converge moves a pool one step toward its desired capacity: terminating
// instances disappear, missing instances launch as Pending, then up to Step
// pending instances go into service and up to Step surplus instances start
// terminating.
func (p *Provider) converge(pool *types.Pool) {
	if p.Step <= 0 {
		return
	}

	live := pool.Instances[:0]
	for _, inst := range pool.Instances {
		if inst.LifecycleState != types.LifecycleTerminating && inst.LifecycleState != types.LifecycleTerminated {
			live = append(live, inst)
		}
	}
	pool.Instances = live

	for len(pool.Instances) < pool.Capacity.Desired {
		p.seq++
		pool.Instances = append(pool.Instances, types.Instance{
			ID:             fmt.Sprintf("i-%s-%03d", pool.Name, p.seq),
			LifecycleState: types.LifecyclePending,
		})
	}

	promoted := 0
	for i := range pool.Instances {
		if promoted == p.Step {
			break
		}
		if pool.Instances[i].LifecycleState == types.LifecyclePending {
			pool.Instances[i].LifecycleState = types.LifecycleInService
			promoted++
		}
	}

	surplus := len(pool.Instances) - pool.Capacity.Desired
	marked := 0
	for i := len(pool.Instances) - 1; i >= 0 && marked < surplus && marked < p.Step; i-- {
		pool.Instances[i].LifecycleState = types.LifecycleTerminating
		marked++
	}
}

func (p *Provider) snapshot(pool *types.Pool) *types.Pool {
	cp := copyPool(pool)
	cp.BalancerNames = nil
	for _, name := range sortedKeys(p.attachments[pool.Name]) {
		if p.attachments[pool.Name][name].state != types.AttachmentRemoved {
			cp.BalancerNames = append(cp.BalancerNames, name)
		}
	}
	return cp
}

func (p *Provider) tagsOf(rt cloud.ResourceType, id string) (types.Tags, error) {
	switch rt {
	case cloud.ResourcePool:
		pool, ok := p.pools[id]
		if !ok {
			return nil, fmt.Errorf("pool %s: %w", id, cloud.ErrNotFound)
		}
		if pool.Tags == nil {
			pool.Tags = types.Tags{}
		}
		return pool.Tags, nil
	case cloud.ResourceBalancer:
		b, ok := p.balancers[id]
		if !ok {
			return nil, fmt.Errorf("balancer %s: %w", id, cloud.ErrNotFound)
		}
		if b.Tags == nil {
			b.Tags = types.Tags{}
		}
		return b.Tags, nil
	default:
		return nil, fmt.Errorf("unknown resource type %q", rt)
	}
}

func (p *Provider) putAction(a *types.ScheduledAction) {
	if p.actions[a.PoolName] == nil {
		p.actions[a.PoolName] = make(map[string]*types.ScheduledAction)
	}
	cp := copyAction(a)
	if cp.ARN == "" {
		cp.ARN = "arn:fake:autoscaling:scheduledUpdateGroupAction/" + cp.PoolName + "/" + cp.Name
	}
	p.actions[a.PoolName][a.Name] = cp
}

func (p *Provider) listActions(pool string) []*types.ScheduledAction {
	var out []*types.ScheduledAction
	for _, name := range sortedKeys(p.actions[pool]) {
		out = append(out, copyAction(p.actions[pool][name]))
	}
	return out
}

func (p *Provider) sortedPoolNames() []string {
	return sortedKeys(p.pools)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyTags(t types.Tags) types.Tags {
	if t == nil {
		return nil
	}
	out := make(types.Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func copyPool(pool *types.Pool) *types.Pool {
	cp := *pool
	cp.Tags = copyTags(pool.Tags)
	cp.BalancerNames = append([]string(nil), pool.BalancerNames...)
	cp.Instances = append([]types.Instance(nil), pool.Instances...)
	return &cp
}

func copyBalancer(b *types.Balancer) *types.Balancer {
	cp := *b
	cp.Tags = copyTags(b.Tags)
	return &cp
}

func copyLaunchConfiguration(lc *types.LaunchConfiguration) *types.LaunchConfiguration {
	cp := *lc
	cp.SecurityGroups = append([]string(nil), lc.SecurityGroups...)
	cp.ClassicLinkVPCSecurityGroups = append([]string(nil), lc.ClassicLinkVPCSecurityGroups...)
	cp.BlockDeviceMappings = append([]types.BlockDeviceMapping(nil), lc.BlockDeviceMappings...)
	if lc.MetadataOptions != nil {
		mo := *lc.MetadataOptions
		cp.MetadataOptions = &mo
	}
	return &cp
}

func copyAction(a *types.ScheduledAction) *types.ScheduledAction {
	cp := *a
	return &cp
}
