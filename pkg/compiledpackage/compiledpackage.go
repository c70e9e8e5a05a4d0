package compiledpackage

import (
	"context"
	"fmt"

	"github.com/fleetops/director/pkg/release"
)

// PackageRef is the identity of the source package a compiled package
// was built from. Compiled packages are shared between releases that
// ship the same package, so lookups use the name and fingerprint only.
type PackageRef struct {
	Release     string `json:"release"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
}

func RefFor(p *release.Package) PackageRef {
	return PackageRef{
		Release:     p.Release,
		Name:        p.Name,
		Version:     p.Version,
		Fingerprint: p.Fingerprint,
	}
}

func (r PackageRef) String() string {
	return fmt.Sprintf("%s/%s", r.Name, r.Fingerprint)
}

// CompiledPackage is the durable result of compiling a package against
// a stemcell with one particular set of dependencies.
type CompiledPackage struct {
	Package         PackageRef `json:"package"`
	StemcellOS      string     `json:"stemcell_os"`
	StemcellVersion string     `json:"stemcell_version"`
	DependencyKey   string     `json:"dependency_key"`
	BlobstoreID     string     `json:"blobstore_id"`
	SHA1            string     `json:"sha1"`
	Build           int        `json:"build"`
}

// Version is what agents are told the compiled package is called.
func (cp *CompiledPackage) Version() string {
	return fmt.Sprintf("%s.%d", cp.Package.Version, cp.Build)
}

func (cp *CompiledPackage) String() string {
	return fmt.Sprintf("%s/%s build %d on %s/%s", cp.Package.Name, cp.Package.Version, cp.Build, cp.StemcellOS, cp.StemcellVersion)
}

// NewCompiledPackage is everything needed to record a compile. The
// build number is assigned by the Store.
type NewCompiledPackage struct {
	Package         PackageRef
	StemcellOS      string
	StemcellVersion string
	DependencyKey   string
	BlobstoreID     string
	SHA1            string
}

// Store is the persistent compiled package cache. It is shared by
// every deployment, and implementations must be safe for concurrent
// use.
type Store interface {
	// Find returns the newest build matching exactly, or nil if there
	// is none.
	Find(ctx context.Context, ref PackageRef, os, version, dependencyKey string) (*CompiledPackage, error)
	// FindAll returns every compiled package for the OS regardless of
	// stemcell version, ordered by stemcell version then build.
	FindAll(ctx context.Context, ref PackageRef, os, dependencyKey string) ([]*CompiledPackage, error)
	// Create records a compiled package under the next build number
	// for its (package, os, version) triplet.
	Create(ctx context.Context, n NewCompiledPackage) (*CompiledPackage, error)
}
