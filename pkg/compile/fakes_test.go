package compile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/director/pkg/agent"
	"github.com/fleetops/director/pkg/blobstore"
	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/lock"
	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

var bionic = stemcell.Stemcell{Name: "bosh-warden-bionic", OS: "ubuntu-bionic", Version: "456.3"}

func pkg(name string, deps ...string) *release.Package {
	return &release.Package{
		Name:         name,
		Version:      "1.0",
		Fingerprint:  "fp-" + name,
		SHA1:         "sha-src-" + name,
		BlobstoreID:  "src-" + name,
		Dependencies: deps,
	}
}

// abc is a release where b and c both depend on a, and the web job
// needs b and c.
func abc() *release.Version {
	return &release.Version{
		Name:     "app",
		Version:  "1",
		Packages: []*release.Package{pkg("a"), pkg("b", "a"), pkg("c", "a")},
		Jobs:     []*release.Job{{Name: "web", Version: "1", Packages: []string{"b", "c"}}},
	}
}

func group(name string, s stemcell.Stemcell, jobs ...string) *deployment.InstanceGroup {
	g := &deployment.InstanceGroup{Name: name, Stemcell: s}
	for _, j := range jobs {
		g.Jobs = append(g.Jobs, deployment.JobRef{Release: "app", Name: j})
	}
	return g
}

// fakeAgent compiles by writing a blob, and records what it was asked
// to do.
type fakeAgent struct {
	blobs blobstore.Blobstore

	mu     sync.Mutex
	calls  []string
	events []string
	args   []agent.CompilePackageArgs
	signed []agent.SignedURLRequest
	hooks  map[string]func(ctx context.Context) error
}

func newFakeAgent(blobs blobstore.Blobstore) *fakeAgent {
	return &fakeAgent{blobs: blobs, hooks: map[string]func(context.Context) error{}}
}

func (a *fakeAgent) on(name string, hook func(ctx context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks[name] = hook
}

func (a *fakeAgent) WaitUntilReady(context.Context, time.Duration) error {
	return nil
}

func (a *fakeAgent) begin(ctx context.Context, name string) error {
	a.mu.Lock()
	a.calls = append(a.calls, name)
	a.events = append(a.events, "start "+name)
	hook := a.hooks[name]
	a.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return nil
}

func (a *fakeAgent) end(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, "end "+name)
}

func (a *fakeAgent) CompilePackage(ctx context.Context, args agent.CompilePackageArgs) (*agent.CompileResult, error) {
	a.mu.Lock()
	a.args = append(a.args, args)
	a.mu.Unlock()
	if err := a.begin(ctx, args.Name); err != nil {
		return nil, err
	}
	defer a.end(args.Name)
	id, err := a.blobs.Create(ctx, strings.NewReader("compiled "+args.Name))
	if err != nil {
		return nil, err
	}
	var r agent.CompileResult
	r.Result.BlobstoreID = id
	r.Result.SHA1 = "sha-compiled-" + args.Name
	return &r, nil
}

func (a *fakeAgent) CompilePackageWithSignedURL(ctx context.Context, req agent.SignedURLRequest) (*agent.CompileResult, error) {
	a.mu.Lock()
	a.signed = append(a.signed, req)
	a.mu.Unlock()
	if err := a.begin(ctx, req.Name); err != nil {
		return nil, err
	}
	defer a.end(req.Name)
	var r agent.CompileResult
	r.Result.SHA1 = "sha-compiled-" + req.Name
	return &r, nil
}

func (a *fakeAgent) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAgent) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

// fakeProvider hands out VMs backed by the one fake agent.
type fakeProvider struct {
	agent *fakeAgent

	mu      sync.Mutex
	next    int
	live    map[string]bool
	created int
	deleted []string
}

func newFakeProvider(a *fakeAgent) *fakeProvider {
	return &fakeProvider{agent: a, live: map[string]bool{}}
}

func (p *fakeProvider) Create(_ context.Context, s stemcell.Stemcell) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.created++
	cid := fmt.Sprintf("vm-%d", p.next)
	p.live[cid] = true
	return &Instance{CID: cid, AgentID: "agent-" + cid, Stemcell: s, Agent: p.agent}, nil
}

func (p *fakeProvider) Delete(_ context.Context, inst *Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, inst.CID)
	p.deleted = append(p.deleted, inst.CID)
	return nil
}

func (p *fakeProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// notifyingLocker tells the test when someone starts waiting.
type notifyingLocker struct {
	lock.Locker
	waiting chan string
}

func (l *notifyingLocker) WithLock(ctx context.Context, key string, f func() error) error {
	l.waiting <- key
	return l.Locker.WithLock(ctx, key, f)
}

type fixture struct {
	t        *testing.T
	catalog  *release.Set
	store    *compiledpackage.InMemStore
	blobs    *blobstore.Local
	agent    *fakeAgent
	provider *fakeProvider
	locker   lock.Locker
}

func newFixture(t *testing.T, versions ...*release.Version) *fixture {
	blobs, err := blobstore.NewLocal(blobstore.LocalConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	a := newFakeAgent(blobs)
	return &fixture{
		t:        t,
		catalog:  release.NewSet(versions...),
		store:    compiledpackage.NewInMemStore(),
		blobs:    blobs,
		agent:    a,
		provider: newFakeProvider(a),
		locker:   lock.NewLocal(),
	}
}

func (f *fixture) stage(groups ...*deployment.InstanceGroup) *Stage {
	return &Stage{
		Deployment:     "shop",
		InstanceGroups: groups,
		Catalog:        f.catalog,
		Store:          f.store,
		Locker:         f.locker,
		Blobstore:      f.blobs,
		Pool:           NewSingleUsePool(f.provider, log.NewNopLogger()),
		Workers:        3,
		Logger:         log.NewNopLogger(),
	}
}

func (f *fixture) precompile(p *release.Package, s stemcell.Stemcell, dependencyKey string) *compiledpackage.CompiledPackage {
	cp, err := f.store.Create(context.Background(), compiledpackage.NewCompiledPackage{
		Package:         compiledpackage.RefFor(p),
		StemcellOS:      s.OS,
		StemcellVersion: s.Version,
		DependencyKey:   dependencyKey,
		BlobstoreID:     "precompiled-" + p.Name,
		SHA1:            "sha-precompiled-" + p.Name,
	})
	require.NoError(f.t, err)
	return cp
}

func indexOf(events []string, e string) int {
	for i, x := range events {
		if x == e {
			return i
		}
	}
	return -1
}
