package compile

import (
	"context"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/release"
)

func generate(t *testing.T, f *fixture, groups ...*deployment.InstanceGroup) *Graph {
	graph, err := NewGenerator(f.catalog, NewFinder(f.store, log.NewNopLogger()), log.NewNopLogger()).Generate(context.Background(), groups)
	require.NoError(t, err)
	return graph
}

func requirement(t *testing.T, f *fixture, graph *Graph, g *deployment.InstanceGroup, name string) *Requirement {
	p, ok := f.catalog.Package("app", name)
	require.True(t, ok)
	r, ok := graph.Requirement(p, g)
	require.True(t, ok, "no requirement for %s", name)
	return r
}

func TestGenerateSharesRequirements(t *testing.T) {
	f := newFixture(t, abc())
	web, api := group("web", bionic, "web"), group("api", bionic, "web")
	graph := generate(t, f, web, api)

	assert.Equal(t, 3, graph.Len())
	a := requirement(t, f, graph, web, "a")
	b := requirement(t, f, graph, web, "b")
	c := requirement(t, f, graph, api, "c")

	assert.Empty(t, a.Dependencies)
	assert.ElementsMatch(t, []*Requirement{b, c}, a.Dependents)
	assert.Equal(t, []*Requirement{a}, b.Dependencies)
	assert.Equal(t, []*Requirement{a}, c.Dependencies)
	assert.ElementsMatch(t, []*deployment.InstanceGroup{web, api}, a.Groups())
	assert.ElementsMatch(t, []*deployment.InstanceGroup{web, api}, b.Groups())
}

func TestGenerateOnlyWhatIsNeeded(t *testing.T) {
	rel := abc()
	rel.Packages = append(rel.Packages, pkg("unused", "a"))
	f := newFixture(t, rel)
	graph := generate(t, f, group("web", bionic, "web"))
	assert.Equal(t, 3, graph.Len())
	for _, r := range graph.Requirements() {
		assert.NotEqual(t, "unused", r.Package.Name)
	}
}

func TestLeavesAreReadyFirst(t *testing.T) {
	f := newFixture(t, abc())
	web := group("web", bionic, "web")
	graph := generate(t, f, web)
	a := requirement(t, f, graph, web, "a")
	b := requirement(t, f, graph, web, "b")
	c := requirement(t, f, graph, web, "c")

	assert.Equal(t, []*Requirement{a}, graph.Ready())
	assert.False(t, b.Ready())
	key, err := a.DependencyKey()
	require.NoError(t, err)
	assert.Equal(t, "[]", key)
	_, err = b.DependencyKey()
	assert.Error(t, err, "a isn't compiled yet")

	a.bind(&compiledpackage.CompiledPackage{Package: compiledpackage.RefFor(a.Package), Build: 1})
	assert.False(t, a.Ready(), "resolved requirements aren't ready")
	assert.True(t, b.Ready())
	assert.True(t, c.Ready())
	assert.ElementsMatch(t, []*Requirement{b, c}, graph.Ready())
	key, err = b.DependencyKey()
	require.NoError(t, err)
	assert.Equal(t, `[["a","1.0"]]`, key)
	assert.Len(t, web.CompiledPackages(), 1, "binding hands the package to the group")
}

func TestReadyOnlyWhenEveryDependencyIsResolved(t *testing.T) {
	rel := &release.Version{
		Name:     "app",
		Version:  "1",
		Packages: []*release.Package{pkg("x"), pkg("y"), pkg("z", "x", "y")},
		Jobs:     []*release.Job{{Name: "web", Packages: []string{"z"}}},
	}
	f := newFixture(t, rel)
	web := group("web", bionic, "web")
	graph := generate(t, f, web)
	x := requirement(t, f, graph, web, "x")
	y := requirement(t, f, graph, web, "y")
	z := requirement(t, f, graph, web, "z")

	x.bind(&compiledpackage.CompiledPackage{Package: compiledpackage.RefFor(x.Package)})
	assert.False(t, z.Ready())
	y.bind(&compiledpackage.CompiledPackage{Package: compiledpackage.RefFor(y.Package)})
	assert.True(t, z.Ready())
}

func TestGenerateBindsCachedPackages(t *testing.T) {
	f := newFixture(t, abc())
	a, _ := f.catalog.Package("app", "a")
	b, _ := f.catalog.Package("app", "b")
	f.precompile(a, bionic, "[]")
	f.precompile(b, bionic, `[["a","1.0"]]`)

	web := group("web", bionic, "web")
	graph := generate(t, f, web)
	ra := requirement(t, f, graph, web, "a")
	rb := requirement(t, f, graph, web, "b")
	rc := requirement(t, f, graph, web, "c")

	assert.True(t, ra.Resolved())
	assert.True(t, rb.Resolved(), "b's key was known once a was bound")
	assert.False(t, rc.Resolved())
	assert.Equal(t, []*Requirement{rc}, graph.Ready())
	assert.Equal(t, []*Requirement{rc}, graph.Unresolved())
	assert.Len(t, web.CompiledPackages(), 2)
}

func TestCacheKeys(t *testing.T) {
	f := newFixture(t, abc())
	web := group("web", bionic, "web")
	graph := generate(t, f, web)
	a := requirement(t, f, graph, web, "a")
	b := requirement(t, f, graph, web, "b")

	assert.Equal(t, compiledpackage.CacheKey("fp-a", bionic.OS, bionic.Version, nil), a.CacheKey)
	assert.Equal(t, compiledpackage.CacheKey("fp-b", bionic.OS, bionic.Version, []string{"fp-a"}), b.CacheKey)
}

func TestGenerateUnknownJob(t *testing.T) {
	f := newFixture(t, abc())
	_, err := NewGenerator(f.catalog, NewFinder(f.store, log.NewNopLogger()), log.NewNopLogger()).
		Generate(context.Background(), []*deployment.InstanceGroup{group("web", bionic, "nope")})
	assert.Error(t, err)
}
