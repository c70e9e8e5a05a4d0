package compiledpackage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	dirmetrics "github.com/fleetops/director/pkg/metrics"
)

var requestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "director",
	Subsystem: "compiled_packages",
	Name:      "request_duration_seconds",
	Help:      "Compiled package store request duration in seconds.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{dirmetrics.LabelMethod, dirmetrics.LabelSuccess})

type instrumentedStore struct {
	s Store
}

// InstrumentedStore records the duration and outcome of every store
// request.
func InstrumentedStore(s Store) Store {
	return &instrumentedStore{s}
}

func (i *instrumentedStore) Find(ctx context.Context, ref PackageRef, os, version, dependencyKey string) (cp *CompiledPackage, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			dirmetrics.LabelMethod, "Find",
			dirmetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.Find(ctx, ref, os, version, dependencyKey)
}

func (i *instrumentedStore) FindAll(ctx context.Context, ref PackageRef, os, dependencyKey string) (cps []*CompiledPackage, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			dirmetrics.LabelMethod, "FindAll",
			dirmetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.FindAll(ctx, ref, os, dependencyKey)
}

func (i *instrumentedStore) Create(ctx context.Context, n NewCompiledPackage) (cp *CompiledPackage, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			dirmetrics.LabelMethod, "Create",
			dirmetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.Create(ctx, n)
}
