package compile

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/release"
)

// Graph is the requirements for one compile stage.
type Graph struct {
	byID  map[string]*Requirement
	order []*Requirement
}

func newGraph() *Graph {
	return &Graph{byID: map[string]*Requirement{}}
}

func (g *Graph) add(r *Requirement) {
	g.byID[r.ID()] = r
	g.order = append(g.order, r)
}

// Requirements returns every requirement in the order they were
// created.
func (g *Graph) Requirements() []*Requirement {
	return append([]*Requirement(nil), g.order...)
}

func (g *Graph) Len() int {
	return len(g.order)
}

// Requirement returns the requirement for the package on the
// stemcell of the instance group.
func (g *Graph) Requirement(pkg *release.Package, ig *deployment.InstanceGroup) (*Requirement, bool) {
	r, ok := g.byID[requirementID(pkg, ig.Stemcell)]
	return r, ok
}

// Ready returns the requirements that can be compiled now.
func (g *Graph) Ready() []*Requirement {
	var ready []*Requirement
	for _, r := range g.order {
		if r.Ready() {
			ready = append(ready, r)
		}
	}
	return ready
}

// Unresolved returns the requirements without a compiled package.
func (g *Graph) Unresolved() []*Requirement {
	var unresolved []*Requirement
	for _, r := range g.order {
		if !r.Resolved() {
			unresolved = append(unresolved, r)
		}
	}
	return unresolved
}

// Generator builds the requirement graph for a set of instance
// groups.
type Generator struct {
	catalog release.Catalog
	finder  *Finder
	logger  log.Logger
}

func NewGenerator(catalog release.Catalog, finder *Finder, logger log.Logger) *Generator {
	return &Generator{catalog: catalog, finder: finder, logger: logger}
}

type generation struct {
	graph *Graph
	// fingerprints of everything each requirement depends on
	transitive map[*Requirement]map[string]struct{}
}

// Generate creates one requirement per package and stemcell reachable
// from the groups' jobs. Requirements whose dependency key is already
// known are looked up, and bound if a compiled package exists.
func (g *Generator) Generate(ctx context.Context, groups []*deployment.InstanceGroup) (*Graph, error) {
	gen := &generation{
		graph:      newGraph(),
		transitive: map[*Requirement]map[string]struct{}{},
	}
	for _, ig := range groups {
		for _, ref := range ig.Jobs {
			job, ok := g.catalog.Job(ref.Release, ref.Name)
			if !ok {
				return nil, errors.Errorf("job %s/%s not found", ref.Release, ref.Name)
			}
			pkgs, err := g.catalog.PackagesFor(job)
			if err != nil {
				return nil, err
			}
			for _, pkg := range pkgs {
				if _, err := g.requirementFor(ctx, gen, ig, pkg); err != nil {
					return nil, err
				}
			}
		}
	}
	g.logger.Log("requirements", gen.graph.Len(), "unresolved", len(gen.graph.Unresolved()))
	return gen.graph, nil
}

func (g *Generator) requirementFor(ctx context.Context, gen *generation, ig *deployment.InstanceGroup, pkg *release.Package) (*Requirement, error) {
	if r, ok := gen.graph.byID[requirementID(pkg, ig.Stemcell)]; ok {
		addGroupDeep(r, ig)
		return r, nil
	}

	r := &Requirement{Package: pkg, Stemcell: ig.Stemcell}
	gen.graph.add(r)
	r.addGroup(ig)

	deps, err := g.catalog.DependenciesOf(pkg)
	if err != nil {
		return nil, err
	}
	fingerprints := map[string]struct{}{}
	for _, d := range deps {
		dr, err := g.requirementFor(ctx, gen, ig, d)
		if err != nil {
			return nil, err
		}
		r.Dependencies = append(r.Dependencies, dr)
		dr.Dependents = append(dr.Dependents, r)
		fingerprints[d.Fingerprint] = struct{}{}
		for fp := range gen.transitive[dr] {
			fingerprints[fp] = struct{}{}
		}
	}
	gen.transitive[r] = fingerprints
	fps := make([]string, 0, len(fingerprints))
	for fp := range fingerprints {
		fps = append(fps, fp)
	}
	r.CacheKey = compiledpackage.CacheKey(pkg.Fingerprint, ig.Stemcell.OS, ig.Stemcell.Version, fps)

	if r.Ready() {
		cp, err := g.finder.Find(ctx, r)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			r.bind(cp)
		}
	}
	return r, nil
}

// addGroupDeep records ig against r and everything r depends on.
func addGroupDeep(r *Requirement, ig *deployment.InstanceGroup) {
	if !r.addGroup(ig) {
		return
	}
	for _, d := range r.Dependencies {
		addGroupDeep(d, ig)
	}
}
