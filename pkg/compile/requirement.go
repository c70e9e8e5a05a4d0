package compile

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

// Requirement is the need to compile one package for one stemcell.
// Requirements for the same pair are shared by every consumer.
type Requirement struct {
	Package  *release.Package
	Stemcell stemcell.Stemcell
	// CacheKey names the package in the global package cache, and is
	// known before anything is compiled.
	CacheKey string

	Dependencies []*Requirement
	Dependents   []*Requirement

	mu       sync.Mutex
	groups   []*deployment.InstanceGroup
	compiled *compiledpackage.CompiledPackage
	queued   bool
}

func requirementID(pkg *release.Package, s stemcell.Stemcell) string {
	return pkg.ID() + "@" + s.String()
}

func (r *Requirement) ID() string {
	return requirementID(r.Package, r.Stemcell)
}

func (r *Requirement) String() string {
	return fmt.Sprintf("%s on %s", r.Package.Desc(), r.Stemcell.Desc())
}

// Compiled is the compiled package bound to the requirement, or nil.
func (r *Requirement) Compiled() *compiledpackage.CompiledPackage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compiled
}

func (r *Requirement) Resolved() bool {
	return r.Compiled() != nil
}

// Ready is true of an unresolved requirement whose dependencies are
// all resolved.
func (r *Requirement) Ready() bool {
	if r.Resolved() {
		return false
	}
	for _, d := range r.Dependencies {
		if !d.Resolved() {
			return false
		}
	}
	return true
}

// DependencyKey fingerprints the compiled packages of everything the
// requirement depends on. It can't be known until they are all
// resolved.
func (r *Requirement) DependencyKey() (string, error) {
	nodes, err := keyNodes(r.Dependencies)
	if err != nil {
		return "", errors.Wrapf(err, "dependency key for %s", r)
	}
	return compiledpackage.DependencyKey(nodes), nil
}

func keyNodes(deps []*Requirement) ([]compiledpackage.KeyNode, error) {
	nodes := make([]compiledpackage.KeyNode, 0, len(deps))
	for _, d := range deps {
		cp := d.Compiled()
		if cp == nil {
			return nil, errors.Errorf("dependency %s is not compiled", d)
		}
		sub, err := keyNodes(d.Dependencies)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, compiledpackage.KeyNode{
			Name:         cp.Package.Name,
			Version:      cp.Package.Version,
			Dependencies: sub,
		})
	}
	return nodes, nil
}

// Groups returns the instance groups that need the package.
func (r *Requirement) Groups() []*deployment.InstanceGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*deployment.InstanceGroup(nil), r.groups...)
}

// addGroup records that g needs the package, and reports whether it
// wasn't already recorded.
func (r *Requirement) addGroup(g *deployment.InstanceGroup) bool {
	r.mu.Lock()
	for _, existing := range r.groups {
		if existing == g {
			r.mu.Unlock()
			return false
		}
	}
	r.groups = append(r.groups, g)
	cp := r.compiled
	r.mu.Unlock()
	if cp != nil {
		g.UseCompiledPackage(cp)
	}
	return true
}

// bind resolves the requirement and hands the compiled package to
// every group that needs it.
func (r *Requirement) bind(cp *compiledpackage.CompiledPackage) {
	r.mu.Lock()
	r.compiled = cp
	groups := r.groups
	r.mu.Unlock()
	for _, g := range groups {
		g.UseCompiledPackage(cp)
	}
}

// claim marks the requirement as queued, and reports whether it
// wasn't already.
func (r *Requirement) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued {
		return false
	}
	r.queued = true
	return true
}
