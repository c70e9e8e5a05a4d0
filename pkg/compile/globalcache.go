package compile

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/blobstore"
	"github.com/fleetops/director/pkg/compiledpackage"
	dirmetrics "github.com/fleetops/director/pkg/metrics"
)

// GlobalCache keeps compiled package blobs in a second blobstore
// under their cache key, so directors that don't share a database can
// still share compiles.
type GlobalCache struct {
	cache  blobstore.Blobstore
	blobs  blobstore.Blobstore
	store  compiledpackage.Store
	logger log.Logger
}

// NewGlobalCache caches blobs from the director blobstore blobs in
// cache. Restored packages are recorded in store.
func NewGlobalCache(cache, blobs blobstore.Blobstore, store compiledpackage.Store, logger log.Logger) *GlobalCache {
	return &GlobalCache{
		cache:  cache,
		blobs:  blobs,
		store:  store,
		logger: log.With(logger, "component", "global-package-cache"),
	}
}

func cacheID(r *Requirement) string {
	return r.Package.Name + "-" + r.CacheKey
}

// Restore copies r's compiled blob out of the cache and records it as
// a new build. It returns nil if the cache doesn't have it.
func (c *GlobalCache) Restore(ctx context.Context, r *Requirement, dependencyKey string) (*compiledpackage.CompiledPackage, error) {
	id := cacheID(r)
	ok, err := c.cache.Exists(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "checking global package cache for %s", id)
	}
	if !ok {
		return nil, nil
	}

	rc, err := c.cache.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s from global package cache", id)
	}
	defer rc.Close()
	h := sha1.New()
	blobID, err := c.blobs.Create(ctx, io.TeeReader(rc, h))
	if err != nil {
		return nil, errors.Wrapf(err, "copying %s into the blobstore", id)
	}

	cp, err := c.store.Create(ctx, compiledpackage.NewCompiledPackage{
		Package:         compiledpackage.RefFor(r.Package),
		StemcellOS:      r.Stemcell.OS,
		StemcellVersion: r.Stemcell.Version,
		DependencyKey:   dependencyKey,
		BlobstoreID:     blobID,
		SHA1:            hex.EncodeToString(h.Sum(nil)),
	})
	if err != nil {
		return nil, err
	}
	cacheProbes.With(dirmetrics.LabelOutcome, dirmetrics.OutcomeGlobal).Add(1)
	c.logger.Log("restored", r, "blob", id)
	return cp, nil
}

// Save puts a freshly compiled package into the cache. Failing to do
// so doesn't fail the compile.
func (c *GlobalCache) Save(ctx context.Context, r *Requirement, cp *compiledpackage.CompiledPackage) {
	id := cacheID(r)
	if err := c.save(ctx, id, cp.BlobstoreID); err != nil {
		c.logger.Log("err", err, "package", r)
	}
}

func (c *GlobalCache) save(ctx context.Context, id, blobID string) error {
	ok, err := c.cache.Exists(ctx, id)
	if err != nil || ok {
		return err
	}
	rc, err := c.blobs.Get(ctx, blobID)
	if err != nil {
		return errors.Wrapf(err, "fetching compiled blob %s", blobID)
	}
	defer rc.Close()
	return errors.Wrapf(c.cache.CreateWithID(ctx, id, rc), "saving %s to global package cache", id)
}
