package compile

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/director/pkg/agent"
	"github.com/fleetops/director/pkg/cloud"
	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/guid"
	dirmetrics "github.com/fleetops/director/pkg/metrics"
	"github.com/fleetops/director/pkg/stemcell"
)

const defaultAgentWait = 10 * time.Minute

// Instance is a compilation VM with an agent that has answered.
type Instance struct {
	CID      string
	AgentID  string
	Stemcell stemcell.Stemcell
	Agent    Compiler
}

// InstanceProvider brings compilation VMs up and down.
type InstanceProvider interface {
	Create(ctx context.Context, s stemcell.Stemcell) (*Instance, error)
	Delete(ctx context.Context, inst *Instance) error
}

// Pool hands out compilation VMs.
type Pool interface {
	// WithVM runs f with an instance for the stemcell.
	WithVM(ctx context.Context, s stemcell.Stemcell, f func(*Instance) error) error
	// Teardown deletes every VM the pool kept, at most maxParallel
	// at a time.
	Teardown(ctx context.Context, maxParallel int) error
}

// NewPool returns the pool the compilation config asks for.
func NewPool(config deployment.CompilationConfig, provider InstanceProvider, logger log.Logger) Pool {
	if config.ReuseCompilationVMs {
		return NewReusedPool(provider, logger)
	}
	return NewSingleUsePool(provider, logger)
}

// AgentClient is what the pool needs from an agent.
type AgentClient interface {
	Compiler
	WaitUntilReady(ctx context.Context, timeout time.Duration) error
}

// CloudProvider creates VMs through a cloud and waits for their
// agents.
type CloudProvider struct {
	cloud  cloud.Cloud
	dial   func(agentID string) AgentClient
	config deployment.CompilationConfig
	wait   time.Duration
	logger log.Logger
}

var _ InstanceProvider = &CloudProvider{}

// NewCloudProvider creates VMs as the compilation config describes;
// dial connects to the agent of a new VM.
func NewCloudProvider(c cloud.Cloud, dial func(agentID string) AgentClient, config deployment.CompilationConfig, agentWait time.Duration, logger log.Logger) *CloudProvider {
	if agentWait <= 0 {
		agentWait = defaultAgentWait
	}
	return &CloudProvider{
		cloud:  c,
		dial:   dial,
		config: config,
		wait:   agentWait,
		logger: log.With(logger, "component", "compilation-vms"),
	}
}

func (p *CloudProvider) Create(ctx context.Context, s stemcell.Stemcell) (*Instance, error) {
	agentID := guid.New()
	networks := map[string]interface{}{}
	if p.config.Network != "" {
		networks[p.config.Network] = map[string]interface{}{}
	}
	cid, err := p.cloud.CreateVM(ctx, cloud.VMSpec{
		AgentID:         agentID,
		Stemcell:        s,
		CloudProperties: p.config.CloudProperties,
		Networks:        networks,
		Env:             p.config.Env,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating compilation VM for %s", s.Desc())
	}
	client := p.dial(agentID)
	if err := client.WaitUntilReady(ctx, p.wait); err != nil {
		p.logger.Log("err", err, "vm", cid, "agent", agentID)
		if derr := p.cloud.DeleteVM(context.WithoutCancel(ctx), cid); derr != nil {
			p.logger.Log("err", errors.Wrap(derr, "deleting unresponsive VM"), "vm", cid)
		}
		return nil, err
	}
	p.logger.Log("created", cid, "agent", agentID, "stemcell", s.Desc())
	return &Instance{CID: cid, AgentID: agentID, Stemcell: s, Agent: client}, nil
}

func (p *CloudProvider) Delete(ctx context.Context, inst *Instance) error {
	if err := p.cloud.DeleteVM(ctx, inst.CID); err != nil {
		return errors.Wrapf(err, "deleting compilation VM %s", inst.CID)
	}
	p.logger.Log("deleted", inst.CID)
	return nil
}

// SingleUsePool creates a VM for every compile and deletes it after.
type SingleUsePool struct {
	provider InstanceProvider
	logger   log.Logger
}

func NewSingleUsePool(provider InstanceProvider, logger log.Logger) *SingleUsePool {
	return &SingleUsePool{provider: provider, logger: logger}
}

func (p *SingleUsePool) WithVM(ctx context.Context, s stemcell.Stemcell, f func(*Instance) error) error {
	inst, err := p.provider.Create(ctx, s)
	if err != nil {
		return err
	}
	vmsInUse.With(dirmetrics.LabelPool, "single-use").Add(1)
	defer func() {
		vmsInUse.With(dirmetrics.LabelPool, "single-use").Add(-1)
		if err := p.provider.Delete(context.WithoutCancel(ctx), inst); err != nil {
			p.logger.Log("err", err)
		}
	}()
	return f(inst)
}

// Teardown has nothing to do; every VM is gone after its compile.
func (p *SingleUsePool) Teardown(context.Context, int) error {
	return nil
}

// ReusedPool keeps VMs between compiles, one idle list per stemcell.
// Since a VM is only created when none is idle, the pool never holds
// more VMs than there are workers.
type ReusedPool struct {
	provider InstanceProvider
	logger   log.Logger

	mu   sync.Mutex
	idle map[string][]*Instance
	all  map[*Instance]struct{}
}

func NewReusedPool(provider InstanceProvider, logger log.Logger) *ReusedPool {
	return &ReusedPool{
		provider: provider,
		logger:   logger,
		idle:     map[string][]*Instance{},
		all:      map[*Instance]struct{}{},
	}
}

func (p *ReusedPool) WithVM(ctx context.Context, s stemcell.Stemcell, f func(*Instance) error) error {
	inst, err := p.checkout(ctx, s)
	if err != nil {
		return err
	}
	err = f(inst)
	if agent.IsTimeout(err) {
		// the agent is gone; don't hand its VM out again
		p.remove(inst)
		if derr := p.provider.Delete(context.WithoutCancel(ctx), inst); derr != nil {
			p.logger.Log("err", derr)
		}
		return err
	}
	p.checkin(inst)
	return err
}

func (p *ReusedPool) checkout(ctx context.Context, s stemcell.Stemcell) (*Instance, error) {
	key := s.String()
	p.mu.Lock()
	if idle := p.idle[key]; len(idle) > 0 {
		inst := idle[len(idle)-1]
		p.idle[key] = idle[:len(idle)-1]
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()

	inst, err := p.provider.Create(ctx, s)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.all[inst] = struct{}{}
	p.mu.Unlock()
	vmsInUse.With(dirmetrics.LabelPool, "reused").Add(1)
	return inst, nil
}

func (p *ReusedPool) checkin(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.all[inst]; !ok {
		return
	}
	key := inst.Stemcell.String()
	p.idle[key] = append(p.idle[key], inst)
}

func (p *ReusedPool) remove(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.all[inst]; ok {
		delete(p.all, inst)
		vmsInUse.With(dirmetrics.LabelPool, "reused").Add(-1)
	}
}

// Size is the number of VMs the pool holds, idle or not.
func (p *ReusedPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Teardown takes every VM out of the pool and deletes them. Failures
// are logged and the first is returned once all deletes have been
// tried.
func (p *ReusedPool) Teardown(ctx context.Context, maxParallel int) error {
	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.all))
	for inst := range p.all {
		instances = append(instances, inst)
	}
	p.all = map[*Instance]struct{}{}
	p.idle = map[string][]*Instance{}
	p.mu.Unlock()

	if maxParallel <= 0 {
		maxParallel = 1
	}
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			err := p.provider.Delete(ctx, inst)
			if err != nil {
				p.logger.Log("err", err)
				return err
			}
			vmsInUse.With(dirmetrics.LabelPool, "reused").Add(-1)
			return nil
		})
	}
	return g.Wait()
}
