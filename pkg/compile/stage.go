package compile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/director/pkg/blobstore"
	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/deployment"
	direrr "github.com/fleetops/director/pkg/errors"
	"github.com/fleetops/director/pkg/event"
	"github.com/fleetops/director/pkg/lock"
	dirmetrics "github.com/fleetops/director/pkg/metrics"
	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

const stageName = "Compiling packages"

// CompilationError is a failure to produce a compiled package.
type CompilationError struct {
	Package  *release.Package
	Stemcell stemcell.Stemcell
	Err      error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compiling package %s for stemcell %s: %s", e.Package.Desc(), e.Stemcell.Desc(), e.Err)
}

func (e *CompilationError) Cause() error {
	return e.Err
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// Stage compiles every package a deployment's instance groups need,
// that hasn't been compiled already.
type Stage struct {
	Deployment     string
	InstanceGroups []*deployment.InstanceGroup
	Catalog        release.Catalog
	Store          compiledpackage.Store
	Locker         lock.Locker
	Blobstore      blobstore.Blobstore
	Pool           Pool
	// Optional
	GlobalCache *GlobalCache
	Workers     int
	// How long signed URLs handed to agents are good for
	SignedURLTTL time.Duration
	Events       event.Log
	Logger       log.Logger
}

// Perform validates the instance groups, works out what needs
// compiling and compiles it. It returns the number of packages
// compiled.
func (s *Stage) Perform(ctx context.Context) (int, error) {
	logger := s.logger()
	finder := NewFinder(s.Store, logger)

	if err := NewValidator(s.Catalog, finder).Validate(ctx, s.InstanceGroups); err != nil {
		return 0, err
	}
	graph, err := NewGenerator(s.Catalog, finder, logger).Generate(ctx, s.InstanceGroups)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, direrr.CancelledError(err)
	}
	return s.schedule(ctx, graph, finder)
}

func (s *Stage) logger() log.Logger {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return log.With(logger, "component", "compile", "deployment", s.Deployment)
}

func (s *Stage) events() event.Log {
	if s.Events == nil {
		return event.Nop
	}
	return s.Events
}

func (s *Stage) workers() int {
	if s.Workers < 1 {
		return 1
	}
	return s.Workers
}

// schedule compiles requirements as they become ready, on a fixed
// number of workers. The first failure stops new compiles from
// starting; compiles already running are left to finish.
func (s *Stage) schedule(ctx context.Context, graph *Graph, finder *Finder) (compilations int, err error) {
	logger := s.logger()
	defer func() {
		// Teardown runs even when compiling was cancelled.
		if terr := s.Pool.Teardown(context.WithoutCancel(ctx), s.workers()); terr != nil {
			logger.Log("err", errors.Wrap(terr, "tearing down compilation VMs"))
			if err == nil {
				err = terr
			}
		}
	}()

	unresolved := graph.Unresolved()
	s.events().BeginStage(stageName, len(unresolved))
	if len(unresolved) == 0 {
		return 0, nil
	}

	var (
		queue       = make(chan *Requirement, len(unresolved))
		outstanding = int64(len(unresolved))
		compiled    int64
	)
	enqueue := func(r *Requirement) {
		if r.claim() {
			queue <- r
		}
	}
	for _, r := range graph.Ready() {
		enqueue(r)
	}

	g, dispatch := errgroup.WithContext(ctx)
	for i := 0; i < s.workers(); i++ {
		g.Go(func() error {
			for {
				select {
				case <-dispatch.Done():
					return nil
				case r, ok := <-queue:
					if !ok || dispatch.Err() != nil {
						return nil
					}
					fresh, err := s.compile(ctx, r, finder, logger)
					if err != nil {
						return err
					}
					if fresh {
						atomic.AddInt64(&compiled, 1)
					}
					for _, d := range r.Dependents {
						if d.Ready() {
							enqueue(d)
						}
					}
					if atomic.AddInt64(&outstanding, -1) == 0 {
						close(queue)
					}
				}
			}
		})
	}

	err = g.Wait()
	compilations = int(atomic.LoadInt64(&compiled))
	if err == nil && atomic.LoadInt64(&outstanding) > 0 {
		err = direrr.CancelledError(ctx.Err())
	}
	logger.Log("compiled", compilations, "err", err)
	return compilations, err
}

// compile resolves one ready requirement, compiling it if no
// compiled package can be found. It reports whether it compiled.
func (s *Stage) compile(ctx context.Context, r *Requirement, finder *Finder, logger log.Logger) (fresh bool, err error) {
	key := lock.CompileKey(r.Package, r.Stemcell, s.Deployment)
	err = s.events().Track(r.Package.Desc(), func() error {
		return s.Locker.WithLock(ctx, key, func() error {
			cp, err := finder.Find(ctx, r)
			if err != nil {
				return err
			}
			if cp == nil && s.GlobalCache != nil {
				depKey, err := r.DependencyKey()
				if err != nil {
					return err
				}
				if cp, err = s.GlobalCache.Restore(ctx, r, depKey); err != nil {
					return err
				}
			}
			if cp != nil {
				r.bind(cp)
				return nil
			}

			if !r.Package.HasSource() {
				return errors.New("package has no source and no compiled package matches")
			}
			if cp, err = s.compileOnVM(ctx, r); err != nil {
				return err
			}
			fresh = true
			r.bind(cp)
			if s.GlobalCache != nil {
				s.GlobalCache.Save(ctx, r, cp)
			}
			return nil
		})
	})
	if err != nil {
		if direrr.IsCancelled(err) {
			return false, err
		}
		if ctx.Err() != nil {
			return false, direrr.CancelledError(err)
		}
		logger.Log("err", err, "package", r.Package.Desc(), "stemcell", r.Stemcell.Desc())
		return false, &CompilationError{Package: r.Package, Stemcell: r.Stemcell, Err: err}
	}
	return fresh, nil
}

func (s *Stage) compileOnVM(ctx context.Context, r *Requirement) (cp *compiledpackage.CompiledPackage, err error) {
	defer func(begin time.Time) {
		compileDuration.With(
			dirmetrics.LabelStemcell, r.Stemcell.String(),
			dirmetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())

	depKey, err := r.DependencyKey()
	if err != nil {
		return nil, err
	}
	req, err := newCompileRequest(ctx, r, s.Blobstore, s.SignedURLTTL)
	if err != nil {
		return nil, err
	}
	var result compiled
	err = s.Pool.WithVM(ctx, r.Stemcell, func(inst *Instance) error {
		var err error
		result, err = req.send(ctx, inst.Agent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Store.Create(ctx, compiledpackage.NewCompiledPackage{
		Package:         compiledpackage.RefFor(r.Package),
		StemcellOS:      r.Stemcell.OS,
		StemcellVersion: r.Stemcell.Version,
		DependencyKey:   depKey,
		BlobstoreID:     result.blobstoreID,
		SHA1:            result.sha1,
	})
}
