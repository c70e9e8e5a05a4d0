package memcached

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/compiledpackage"
)

// Client is the part of MemcacheClient the store uses.
type Client interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// Store answers Find from memcached when it can, and from the backing
// store otherwise. FindAll always goes to the backing store.
type Store struct {
	backing compiledpackage.Store
	client  Client
	logger  log.Logger
}

var _ compiledpackage.Store = &Store{}

func NewStore(backing compiledpackage.Store, client Client, logger log.Logger) *Store {
	return &Store{
		backing: backing,
		client:  client,
		logger:  log.With(logger, "component", "memcached"),
	}
}

// key is bounded in length and free of spaces, as memcached requires.
func key(ref compiledpackage.PackageRef, os, version, dependencyKey string) string {
	h := sha1.New()
	for _, s := range []string{ref.Name, ref.Fingerprint, os, version, dependencyKey} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return "compiled:" + strings.Replace(ref.Name, " ", "_", -1) + ":" + hex.EncodeToString(h.Sum(nil))
}

func (s *Store) Find(ctx context.Context, ref compiledpackage.PackageRef, os, version, dependencyKey string) (*compiledpackage.CompiledPackage, error) {
	k := key(ref, os, version, dependencyKey)
	bytes, err := s.client.Get(k)
	if err == nil {
		var cp compiledpackage.CompiledPackage
		if err = json.Unmarshal(bytes, &cp); err == nil {
			return &cp, nil
		}
		s.logger.Log("err", errors.Wrap(err, "decoding cached compiled package"), "key", k)
	}

	cp, err := s.backing.Find(ctx, ref, os, version, dependencyKey)
	if err != nil || cp == nil {
		return cp, err
	}
	s.put(k, cp)
	return cp, nil
}

func (s *Store) FindAll(ctx context.Context, ref compiledpackage.PackageRef, os, dependencyKey string) ([]*compiledpackage.CompiledPackage, error) {
	return s.backing.FindAll(ctx, ref, os, dependencyKey)
}

func (s *Store) Create(ctx context.Context, n compiledpackage.NewCompiledPackage) (*compiledpackage.CompiledPackage, error) {
	cp, err := s.backing.Create(ctx, n)
	if err != nil {
		return nil, err
	}
	s.put(key(n.Package, n.StemcellOS, n.StemcellVersion, n.DependencyKey), cp)
	return cp, nil
}

// put is best effort; the client logs its own failures.
func (s *Store) put(k string, cp *compiledpackage.CompiledPackage) {
	bytes, err := json.Marshal(cp)
	if err != nil {
		s.logger.Log("err", errors.Wrap(err, "encoding compiled package"))
		return
	}
	s.client.Set(k, bytes)
}
