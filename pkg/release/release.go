package release

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Package is a named, versioned unit of software with a content
// checksum and the names of the packages it depends on, all within
// the same release.
type Package struct {
	Release      string   `yaml:"-" json:"release"`
	Name         string   `yaml:"name" json:"name"`
	Version      string   `yaml:"version" json:"version"`
	Fingerprint  string   `yaml:"fingerprint" json:"fingerprint"`
	SHA1         string   `yaml:"sha1" json:"sha1"`
	BlobstoreID  string   `yaml:"blobstore_id,omitempty" json:"blobstore_id,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// HasSource is false for packages shipped by compiled releases; those
// can only ever be satisfied by an existing compiled package.
func (p *Package) HasSource() bool {
	return p.BlobstoreID != ""
}

func (p *Package) Desc() string {
	return fmt.Sprintf("%s/%s", p.Name, p.Version)
}

// ID identifies a package across releases.
func (p *Package) ID() string {
	return fmt.Sprintf("%s/%s/%s", p.Release, p.Name, p.Fingerprint)
}

type Job struct {
	Release  string   `yaml:"-" json:"release"`
	Name     string   `yaml:"name" json:"name"`
	Version  string   `yaml:"version" json:"version"`
	Packages []string `yaml:"packages,omitempty" json:"packages,omitempty"`
}

// Version is one uploaded version of a release.
type Version struct {
	Name     string     `yaml:"name"`
	Version  string     `yaml:"version"`
	Packages []*Package `yaml:"packages"`
	Jobs     []*Job     `yaml:"jobs"`
}

func (v *Version) Desc() string {
	return fmt.Sprintf("%s/%s", v.Name, v.Version)
}

func (v *Version) Package(name string) (*Package, bool) {
	for _, p := range v.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

func (v *Version) Job(name string) (*Job, bool) {
	for _, j := range v.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return nil, false
}

// Catalog is the read-only view of the releases a deployment uses.
type Catalog interface {
	Release(name string) (*Version, bool)
	Job(release, name string) (*Job, bool)
	Package(release, name string) (*Package, bool)
	PackagesFor(job *Job) ([]*Package, error)
	DependenciesOf(pkg *Package) ([]*Package, error)
}

// Set is the release versions selected by one deployment, keyed by
// release name.
type Set struct {
	versions map[string]*Version
}

var _ Catalog = &Set{}

func NewSet(versions ...*Version) *Set {
	s := &Set{versions: map[string]*Version{}}
	for _, v := range versions {
		s.Add(v)
	}
	return s
}

// Add selects v, replacing any other version of the same release.
func (s *Set) Add(v *Version) {
	for _, p := range v.Packages {
		p.Release = v.Name
	}
	for _, j := range v.Jobs {
		j.Release = v.Name
	}
	s.versions[v.Name] = v
}

func (s *Set) Release(name string) (*Version, bool) {
	v, ok := s.versions[name]
	return v, ok
}

func (s *Set) Job(release, name string) (*Job, bool) {
	v, ok := s.versions[release]
	if !ok {
		return nil, false
	}
	return v.Job(name)
}

func (s *Set) Package(release, name string) (*Package, bool) {
	v, ok := s.versions[release]
	if !ok {
		return nil, false
	}
	return v.Package(name)
}

// PackagesFor resolves the packages a job declares, in declaration
// order.
func (s *Set) PackagesFor(job *Job) ([]*Package, error) {
	return s.resolve(job.Release, job.Packages, "job "+job.Name)
}

// DependenciesOf resolves the direct dependencies of pkg, sorted by
// name.
func (s *Set) DependenciesOf(pkg *Package) ([]*Package, error) {
	deps, err := s.resolve(pkg.Release, pkg.Dependencies, "package "+pkg.Name)
	if err != nil {
		return nil, err
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}

// TransitiveDependencies returns every package pkg depends on,
// directly or not, sorted by name.
func (s *Set) TransitiveDependencies(pkg *Package) ([]*Package, error) {
	seen := map[string]*Package{}
	var walk func(p *Package) error
	walk = func(p *Package) error {
		deps, err := s.DependenciesOf(p)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if _, ok := seen[d.Name]; ok {
				continue
			}
			seen[d.Name] = d
			if err := walk(d); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(pkg); err != nil {
		return nil, err
	}
	all := make([]*Package, 0, len(seen))
	for _, p := range seen {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (s *Set) resolve(release string, names []string, owner string) ([]*Package, error) {
	v, ok := s.versions[release]
	if !ok {
		return nil, errors.Errorf("release %q not in deployment", release)
	}
	pkgs := make([]*Package, 0, len(names))
	for _, name := range names {
		p, ok := v.Package(name)
		if !ok {
			return nil, errors.Errorf("%s references package %q not found in release %s", owner, name, v.Desc())
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}
