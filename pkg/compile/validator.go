package compile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

// Fault is one problem found while validating.
type Fault struct {
	InstanceGroup string
	Release       string
	Job           string
	Package       string
	Reason        string
}

func (f Fault) String() string {
	return f.Reason
}

// ValidationError reports every fault found, one per line.
type ValidationError struct {
	Faults []Fault
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Faults))
	for i, f := range e.Faults {
		lines[i] = f.String()
	}
	return strings.Join(lines, "\n")
}

// Validator checks that everything instance groups need can be
// found, or compiled, before anything is.
type Validator struct {
	catalog release.Catalog
	finder  *Finder
}

func NewValidator(catalog release.Catalog, finder *Finder) *Validator {
	return &Validator{catalog: catalog, finder: finder}
}

// Validate returns a *ValidationError listing every fault, or nil.
// Other errors come from looking up compiled packages.
func (v *Validator) Validate(ctx context.Context, groups []*deployment.InstanceGroup) error {
	var faults []Fault
	for _, g := range groups {
		fs, err := v.validateGroup(ctx, g)
		if err != nil {
			return err
		}
		faults = append(faults, fs...)
	}
	if len(faults) > 0 {
		return &ValidationError{Faults: faults}
	}
	return nil
}

func (v *Validator) validateGroup(ctx context.Context, g *deployment.InstanceGroup) ([]Fault, error) {
	var faults []Fault
	// release name -> package name -> package
	needed := map[string]map[string]*release.Package{}

	for _, ref := range g.Jobs {
		rel, ok := v.catalog.Release(ref.Release)
		if !ok {
			faults = append(faults, Fault{
				InstanceGroup: g.Name, Release: ref.Release, Job: ref.Name,
				Reason: fmt.Sprintf("Instance group '%s' references job '%s' from release '%s', which is not part of the deployment", g.Name, ref.Name, ref.Release),
			})
			continue
		}
		job, ok := v.catalog.Job(ref.Release, ref.Name)
		if !ok {
			faults = append(faults, Fault{
				InstanceGroup: g.Name, Release: ref.Release, Job: ref.Name,
				Reason: fmt.Sprintf("Job '%s' needed by instance group '%s' not found in release '%s'", ref.Name, g.Name, rel.Desc()),
			})
			continue
		}
		for _, name := range job.Packages {
			pkg, ok := v.catalog.Package(ref.Release, name)
			if !ok {
				faults = append(faults, Fault{
					InstanceGroup: g.Name, Release: ref.Release, Job: ref.Name, Package: name,
					Reason: fmt.Sprintf("Package '%s' needed by job '%s' not found in release '%s'", name, job.Name, rel.Desc()),
				})
				continue
			}
			if err := v.collect(pkg, needed); err != nil {
				faults = append(faults, Fault{
					InstanceGroup: g.Name, Release: ref.Release, Job: ref.Name, Package: name,
					Reason: err.Error(),
				})
			}
		}
	}

	withoutSource, err := v.uncompiled(ctx, g.Stemcell, needed)
	if err != nil {
		return nil, err
	}
	return append(faults, withoutSource...), nil
}

// collect adds pkg and everything it depends on to needed.
func (v *Validator) collect(pkg *release.Package, needed map[string]map[string]*release.Package) error {
	if needed[pkg.Release] == nil {
		needed[pkg.Release] = map[string]*release.Package{}
	}
	if _, ok := needed[pkg.Release][pkg.Name]; ok {
		return nil
	}
	needed[pkg.Release][pkg.Name] = pkg
	deps, err := v.catalog.DependenciesOf(pkg)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if err := v.collect(d, needed); err != nil {
			return err
		}
	}
	return nil
}

// uncompiled finds packages without source that have no compiled
// package usable on the stemcell, and reports them by release.
func (v *Validator) uncompiled(ctx context.Context, s stemcell.Stemcell, needed map[string]map[string]*release.Package) ([]Fault, error) {
	releases := make([]string, 0, len(needed))
	for name := range needed {
		releases = append(releases, name)
	}
	sort.Strings(releases)

	var faults []Fault
	for _, relName := range releases {
		var missing []string
		for _, pkg := range sortedPackages(needed[relName]) {
			if pkg.HasSource() {
				continue
			}
			key, err := catalogDependencyKey(v.catalog, pkg)
			if err != nil {
				return nil, err
			}
			cp, err := v.finder.FindFor(ctx, pkg, s, key)
			if err != nil {
				return nil, err
			}
			if cp == nil {
				missing = append(missing, fmt.Sprintf(" - '%s/%s'", pkg.Name, pkg.Fingerprint))
			}
		}
		if len(missing) == 0 {
			continue
		}
		desc := relName
		if rel, ok := v.catalog.Release(relName); ok {
			desc = rel.Desc()
		}
		faults = append(faults, Fault{
			Release: relName,
			Reason: fmt.Sprintf("Can't use release '%s'. It references packages without source code and are not compiled against stemcell '%s':\n%s",
				desc, s.Desc(), strings.Join(missing, "\n")),
		})
	}
	return faults, nil
}

func sortedPackages(pkgs map[string]*release.Package) []*release.Package {
	sorted := make([]*release.Package, 0, len(pkgs))
	for _, p := range pkgs {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted
}

// catalogDependencyKey computes the dependency key of pkg from the
// release, for packages that will never be compiled here.
func catalogDependencyKey(catalog release.Catalog, pkg *release.Package) (string, error) {
	var nodes func(p *release.Package) ([]compiledpackage.KeyNode, error)
	nodes = func(p *release.Package) ([]compiledpackage.KeyNode, error) {
		deps, err := catalog.DependenciesOf(p)
		if err != nil {
			return nil, err
		}
		ns := make([]compiledpackage.KeyNode, 0, len(deps))
		for _, d := range deps {
			sub, err := nodes(d)
			if err != nil {
				return nil, err
			}
			ns = append(ns, compiledpackage.KeyNode{Name: d.Name, Version: d.Version, Dependencies: sub})
		}
		return ns, nil
	}
	ns, err := nodes(pkg)
	if err != nil {
		return "", err
	}
	return compiledpackage.DependencyKey(ns), nil
}
