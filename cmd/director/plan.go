package main

import (
	"io/ioutil"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/compiledpackage/memcached"
	"github.com/fleetops/director/pkg/compiledpackage/sql"
	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

// planOpts are the flags needed to work out what a deployment needs
// compiled, and what has been compiled already.
type planOpts struct {
	manifest  string
	releases  []string
	stemcells string

	databaseSource    string
	memcachedHostname string
	memcachedService  string
	memcachedIPs      []string
	memcachedTimeout  time.Duration
}

func (opts *planOpts) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&opts.manifest, "manifest", "m", "", "deployment manifest")
	fs.StringSliceVarP(&opts.releases, "release", "r", nil, "release manifest; repeat for each release version uploaded")
	fs.StringVar(&opts.stemcells, "stemcells", "", "YAML file listing the uploaded stemcells")

	fs.StringVar(&opts.databaseSource, "database-source", "", "compiled package database; includes the driver as the scheme, e.g. file:///var/director/packages.db or postgres://... (default keeps packages in memory)")
	fs.StringVar(&opts.memcachedHostname, "memcached-hostname", "", "hostname for memcached service to use when caching compiled packages. If empty, no memcached will be used.")
	fs.StringVar(&opts.memcachedService, "memcached-service", "memcached", "SRV service used to discover memcache servers.")
	fs.StringSliceVar(&opts.memcachedIPs, "memcached-ips", nil, "IP addresses of memcache servers, in place of --memcached-hostname")
	fs.DurationVar(&opts.memcachedTimeout, "memcached-timeout", time.Second, "maximum time to wait before giving up on memcached requests.")
}

func (opts *planOpts) plan() (*deployment.Plan, error) {
	if opts.manifest == "" {
		return nil, newUsageError("--manifest is required")
	}
	m, err := deployment.LoadManifestFile(opts.manifest)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", opts.manifest)
	}
	var versions []*release.Version
	for _, path := range opts.releases {
		v, err := release.LoadManifestFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", path)
		}
		versions = append(versions, v)
	}
	stemcells, err := loadStemcells(opts.stemcells)
	if err != nil {
		return nil, err
	}
	return deployment.Resolve(m, versions, stemcells)
}

func loadStemcells(path string) ([]stemcell.Stemcell, error) {
	if path == "" {
		return nil, newUsageError("--stemcells is required")
	}
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading stemcells")
	}
	var stemcells []stemcell.Stemcell
	if err := yaml.Unmarshal(bytes, &stemcells); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return stemcells, nil
}

// store opens the compiled package store. The returned func releases
// whatever it holds open.
func (opts *planOpts) store(logger log.Logger) (compiledpackage.Store, func(), error) {
	if err := checkAtMostOne("--memcached-hostname or --memcached-ips", opts.memcachedHostname != "", len(opts.memcachedIPs) > 0); err != nil {
		return nil, nil, err
	}

	var (
		store   compiledpackage.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if opts.databaseSource == "" {
		store = compiledpackage.NewInMemStore()
	} else {
		db, err := sql.Open(opts.databaseSource)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening compiled package database")
		}
		closers = append(closers, func() { db.Close() })
		store = db
	}

	// Memcached, if we have it
	{
		config := memcached.MemcacheConfig{
			Host:           opts.memcachedHostname,
			Service:        opts.memcachedService,
			Timeout:        opts.memcachedTimeout,
			UpdateInterval: time.Minute,
			Logger:         log.With(logger, "component", "memcached"),
			MaxIdleConns:   4,
		}
		var client *memcached.MemcacheClient
		switch {
		case opts.memcachedHostname != "":
			client = memcached.NewMemcacheClient(config)
		case len(opts.memcachedIPs) > 0:
			client = memcached.NewFixedServerMemcacheClient(config, opts.memcachedIPs...)
		}
		if client != nil {
			closers = append(closers, client.Stop)
			store = memcached.NewStore(store, client, logger)
		}
	}

	return compiledpackage.InstrumentedStore(store), closeAll, nil
}
