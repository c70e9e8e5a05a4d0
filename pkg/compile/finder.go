package compile

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/compiledpackage"
	dirmetrics "github.com/fleetops/director/pkg/metrics"
	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

// Finder looks up compiled packages that satisfy a requirement.
type Finder struct {
	store  compiledpackage.Store
	logger log.Logger
}

func NewFinder(store compiledpackage.Store, logger log.Logger) *Finder {
	return &Finder{store: store, logger: logger}
}

// Find returns a compiled package for r, or nil. r's dependencies
// must all be resolved.
func (f *Finder) Find(ctx context.Context, r *Requirement) (*compiledpackage.CompiledPackage, error) {
	key, err := r.DependencyKey()
	if err != nil {
		return nil, err
	}
	return f.FindFor(ctx, r.Package, r.Stemcell, key)
}

// FindFor returns the newest build compiled for exactly the stemcell.
// Packages without source can't be compiled here, so for those a
// build for the newest stemcell on the same OS and major line will
// do.
func (f *Finder) FindFor(ctx context.Context, pkg *release.Package, s stemcell.Stemcell, dependencyKey string) (*compiledpackage.CompiledPackage, error) {
	ref := compiledpackage.RefFor(pkg)
	cp, err := f.store.Find(ctx, ref, s.OS, s.Version, dependencyKey)
	if err != nil {
		return nil, errors.Wrapf(err, "finding compiled package %s", ref)
	}
	if cp != nil {
		cacheProbes.With(dirmetrics.LabelOutcome, dirmetrics.OutcomeHit).Add(1)
		return cp, nil
	}
	if pkg.HasSource() {
		cacheProbes.With(dirmetrics.LabelOutcome, dirmetrics.OutcomeMiss).Add(1)
		return nil, nil
	}

	all, err := f.store.FindAll(ctx, ref, s.OS, dependencyKey)
	if err != nil {
		return nil, errors.Wrapf(err, "finding compiled packages %s for %s", ref, s.OS)
	}
	byVersion := map[string]*compiledpackage.CompiledPackage{}
	var versions []string
	for _, c := range all {
		if !s.SameLine(c.StemcellVersion) {
			continue
		}
		if prev, ok := byVersion[c.StemcellVersion]; !ok || c.Build > prev.Build {
			if !ok {
				versions = append(versions, c.StemcellVersion)
			}
			byVersion[c.StemcellVersion] = c
		}
	}
	newest, ok := stemcell.Newest(versions)
	if !ok {
		cacheProbes.With(dirmetrics.LabelOutcome, dirmetrics.OutcomeMiss).Add(1)
		return nil, nil
	}
	cp = byVersion[newest]
	cacheProbes.With(dirmetrics.LabelOutcome, dirmetrics.OutcomeLine).Add(1)
	f.logger.Log("package", ref, "stemcell", s, "using", cp.StemcellVersion, "reason", "compiled against another stemcell of the same line")
	return cp, nil
}
