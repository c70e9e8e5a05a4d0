package compile

import (
	"context"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

// precompiled is a compiled release: q depends on p, and neither has
// source.
func precompiled() *release.Version {
	p, q := pkg("p"), pkg("q", "p")
	p.BlobstoreID, q.BlobstoreID = "", ""
	return &release.Version{
		Name:     "app",
		Version:  "1",
		Packages: []*release.Package{p, q},
		Jobs:     []*release.Job{{Name: "web", Packages: []string{"q"}}},
	}
}

func onVersion(version string) stemcell.Stemcell {
	s := bionic
	s.Version = version
	return s
}

func TestPackagesWithoutSourceUseTheStemcellLine(t *testing.T) {
	f := newFixture(t, precompiled())
	p, _ := f.catalog.Package("app", "p")
	q, _ := f.catalog.Package("app", "q")
	f.precompile(p, onVersion("456.1"), "[]")
	f.precompile(q, onVersion("456.1"), `[["p","1.0"]]`)

	web := group("web", bionic, "web")
	n, err := f.stage(web).Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.agent.Calls())
	cps := web.CompiledPackages()
	require.Len(t, cps, 2)
	assert.Equal(t, "456.1", cps[0].StemcellVersion)
}

func TestPackagesWithoutSourceOnAnotherLine(t *testing.T) {
	f := newFixture(t, precompiled())
	p, _ := f.catalog.Package("app", "p")
	f.precompile(p, onVersion("455.9"), "[]")

	_, err := f.stage(group("web", bionic, "web")).Perform(context.Background())
	assert.EqualError(t, err, `Can't use release 'app/1'. It references packages without source code and are not compiled against stemcell 'bosh-warden-bionic/456.3':
 - 'p/fp-p'
 - 'q/fp-q'`)
	assert.Empty(t, f.agent.Calls())
}

func TestFinderPrefersExactThenNewestOnLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, precompiled())
	p, _ := f.catalog.Package("app", "p")
	finder := NewFinder(f.store, log.NewNopLogger())

	f.precompile(p, onVersion("456.1"), "[]")
	newest := f.precompile(p, onVersion("456.20"), "[]")
	f.precompile(p, onVersion("457.1"), "[]")
	f.precompile(p, onVersion("456.20"), `[["other","1"]]`)

	cp, err := finder.FindFor(ctx, p, bionic, "[]")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "456.20", cp.StemcellVersion)
	assert.Equal(t, newest.Build, cp.Build)

	exact := f.precompile(p, bionic, "[]")
	cp, err = finder.FindFor(ctx, p, bionic, "[]")
	require.NoError(t, err)
	assert.Equal(t, exact, cp)

	// packages with source are only ever matched exactly
	a := pkg("a")
	a.Release = "app"
	f.precompile(a, onVersion("456.1"), "[]")
	cp, err = finder.FindFor(ctx, a, bionic, "[]")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestValidatorIsReadOnly(t *testing.T) {
	f := newFixture(t, abc())
	web := group("web", bionic, "web")
	err := NewValidator(f.catalog, NewFinder(f.store, log.NewNopLogger())).Validate(context.Background(), []*deployment.InstanceGroup{web})
	require.NoError(t, err)
	assert.Empty(t, web.CompiledPackages())
}

func TestValidatorUnknownRelease(t *testing.T) {
	f := newFixture(t, abc())
	web := &deployment.InstanceGroup{Name: "web", Stemcell: bionic, Jobs: []deployment.JobRef{{Release: "nope", Name: "web"}}}
	err := NewValidator(f.catalog, NewFinder(f.store, log.NewNopLogger())).Validate(context.Background(), []*deployment.InstanceGroup{web})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	require.Len(t, verr.Faults, 1)
	assert.Equal(t, "nope", verr.Faults[0].Release)
}
