package compiledpackage

import (
	"context"
	"sort"
	"sync"
)

type buildKey struct {
	name, fingerprint, os, version string
}

// InMemStore keeps compiled packages in process. It's used for
// single-shot compiles and tests.
type InMemStore struct {
	mu       sync.RWMutex
	packages []*CompiledPackage
	builds   map[buildKey]int
}

var _ Store = &InMemStore{}

func NewInMemStore() *InMemStore {
	return &InMemStore{builds: map[buildKey]int{}}
}

func (s *InMemStore) Find(_ context.Context, ref PackageRef, os, version, dependencyKey string) (*CompiledPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *CompiledPackage
	for _, cp := range s.packages {
		if matches(cp, ref, os, dependencyKey) && cp.StemcellVersion == version {
			if found == nil || cp.Build > found.Build {
				found = cp
			}
		}
	}
	return copyOf(found), nil
}

func (s *InMemStore) FindAll(_ context.Context, ref PackageRef, os, dependencyKey string) ([]*CompiledPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*CompiledPackage
	for _, cp := range s.packages {
		if matches(cp, ref, os, dependencyKey) {
			all = append(all, copyOf(cp))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StemcellVersion != all[j].StemcellVersion {
			return all[i].StemcellVersion < all[j].StemcellVersion
		}
		return all[i].Build < all[j].Build
	})
	return all, nil
}

func (s *InMemStore) Create(_ context.Context, n NewCompiledPackage) (*CompiledPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := buildKey{n.Package.Name, n.Package.Fingerprint, n.StemcellOS, n.StemcellVersion}
	s.builds[k]++
	cp := &CompiledPackage{
		Package:         n.Package,
		StemcellOS:      n.StemcellOS,
		StemcellVersion: n.StemcellVersion,
		DependencyKey:   n.DependencyKey,
		BlobstoreID:     n.BlobstoreID,
		SHA1:            n.SHA1,
		Build:           s.builds[k],
	}
	s.packages = append(s.packages, cp)
	return copyOf(cp), nil
}

func matches(cp *CompiledPackage, ref PackageRef, os, dependencyKey string) bool {
	return cp.Package.Name == ref.Name &&
		cp.Package.Fingerprint == ref.Fingerprint &&
		cp.StemcellOS == os &&
		cp.DependencyKey == dependencyKey
}

func copyOf(cp *CompiledPackage) *CompiledPackage {
	if cp == nil {
		return nil
	}
	c := *cp
	return &c
}
