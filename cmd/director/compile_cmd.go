package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fleetops/director/pkg/agent"
	"github.com/fleetops/director/pkg/blobstore"
	"github.com/fleetops/director/pkg/cloud"
	"github.com/fleetops/director/pkg/compile"
	"github.com/fleetops/director/pkg/deployment"
	"github.com/fleetops/director/pkg/event"
	"github.com/fleetops/director/pkg/lock"
)

type compileOpts struct {
	*rootOpts
	planOpts

	listen string

	lockBackend   string
	redisAddr     string
	redisPassword string
	lockTTL       time.Duration
	lockTimeout   time.Duration

	blobstoreDir    string
	blobstoreURL    string
	blobstoreSecret string
	s3              blobstore.S3Config
	globalCacheDir  string

	natsURL      string
	agentTimeout time.Duration
	agentWait    time.Duration
	cpi          string
	directorUUID string
	signedURLTTL time.Duration
	workers      int
	progress     bool
}

func newCompile(parent *rootOpts) *compileOpts {
	return &compileOpts{rootOpts: parent}
}

func (opts *compileOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the packages a deployment needs.",
		Example: makeExample(
			"director compile -m deploy.yml -r app.yml --stemcells stemcells.yml --cpi /var/vcap/jobs/cpi/bin/cpi --blobstore-dir /var/director/blobs",
			"director compile -m deploy.yml -r app.yml --stemcells stemcells.yml --cpi ./cpi --s3-bucket blobs --lock redis --database-source postgres://director@db/director",
		),
		RunE: opts.RunE,
	}
	opts.planOpts.addFlags(cmd.Flags())

	cmd.Flags().StringVar(&opts.listen, "listen", "", "serve /metrics, and signed blobstore URLs for a local blobstore, on this address")

	cmd.Flags().StringVar(&opts.lockBackend, "lock", "local", "where compile locks are held; local, or redis to share them between directors")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "Redis address, with --lock redis")
	cmd.Flags().StringVar(&opts.redisPassword, "redis-password", "", "Redis password, with --lock redis")
	cmd.Flags().DurationVar(&opts.lockTTL, "lock-ttl", lock.DefaultTTL, "how long a Redis lock outlives a director that stops refreshing it")
	cmd.Flags().DurationVar(&opts.lockTimeout, "lock-timeout", 0, "give up waiting for a Redis lock after this long; 0 waits indefinitely")

	cmd.Flags().StringVar(&opts.blobstoreDir, "blobstore-dir", "", "keep blobs in this directory")
	cmd.Flags().StringVar(&opts.blobstoreURL, "blobstore-url", "", "URL agents reach --listen on, to sign URLs for the --blobstore-dir blobstore")
	cmd.Flags().StringVar(&opts.blobstoreSecret, "blobstore-secret", "", "key signing --blobstore-url URLs")
	cmd.Flags().StringVar(&opts.s3.Bucket, "s3-bucket", "", "keep blobs in this S3 bucket")
	cmd.Flags().StringVar(&opts.s3.Region, "s3-region", "us-east-1", "")
	cmd.Flags().StringVar(&opts.s3.Endpoint, "s3-endpoint", "", "endpoint of an S3-compatible store")
	cmd.Flags().StringVar(&opts.s3.AccessKeyID, "s3-access-key-id", "", "")
	cmd.Flags().StringVar(&opts.s3.SecretAccessKey, "s3-secret-access-key", "", "")
	cmd.Flags().StringVar(&opts.s3.ServerSideEncryption, "s3-sse", "", "server side encryption; AES256 or aws:kms")
	cmd.Flags().StringVar(&opts.s3.SSEKMSKeyID, "s3-sse-kms-key-id", "", "")
	cmd.Flags().StringVar(&opts.globalCacheDir, "global-cache-dir", "", "share compiled packages with other directors through this directory")

	cmd.Flags().StringVar(&opts.natsURL, "nats-url", nats.DefaultURL, "NATS server agents listen on")
	cmd.Flags().DurationVar(&opts.agentTimeout, "agent-timeout", 45*time.Second, "how long to wait for each agent reply")
	cmd.Flags().DurationVar(&opts.agentWait, "agent-wait", 10*time.Minute, "how long a new compilation VM's agent has to become responsive")
	cmd.Flags().StringVar(&opts.cpi, "cpi", "", "CPI executable that creates and deletes compilation VMs")
	cmd.Flags().StringVar(&opts.directorUUID, "director-uuid", "", "director UUID passed to the CPI")
	cmd.Flags().DurationVar(&opts.signedURLTTL, "signed-url-ttl", 15*time.Minute, "how long signed URLs given to agents are valid")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "compile this many packages at once, overriding the manifest")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "show a progress bar instead of logging each package")
	return cmd
}

func (opts *compileOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if opts.cpi == "" {
		return newUsageError("--cpi is required")
	}
	logger := opts.logger

	plan, err := opts.plan()
	if err != nil {
		return err
	}

	store, closeStore, err := opts.store(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, err := opts.locker(logger)
	if err != nil {
		return err
	}

	blobs, local, err := opts.blobstore()
	if err != nil {
		return err
	}

	var globalCache *compile.GlobalCache
	if opts.globalCacheDir != "" {
		cache, err := blobstore.NewLocal(blobstore.LocalConfig{Dir: opts.globalCacheDir})
		if err != nil {
			return errors.Wrap(err, "opening global package cache")
		}
		globalCache = compile.NewGlobalCache(cache, blobs, store, logger)
	}

	// Agents
	nc, err := nats.Connect(opts.natsURL, nats.Name("director"))
	if err != nil {
		return errors.Wrapf(err, "connecting to NATS at %s", opts.natsURL)
	}
	defer nc.Close()
	ec, err := nats.NewEncodedConn(nc, nats.JSON_ENCODER)
	if err != nil {
		return err
	}
	dial := func(agentID string) compile.AgentClient {
		return agent.NewClient(ec, agentID, agent.ClientConfig{
			Timeout: opts.agentTimeout,
			Logger:  log.With(logger, "component", "agent"),
		})
	}

	config := plan.Compilation
	if opts.workers > 0 {
		config.Workers = opts.workers
	}
	cpi := cloud.NewExternalCPI(opts.cpi, opts.directorUUID, logger)
	provider := compile.NewCloudProvider(cpi, dial, config, opts.agentWait, logger)

	// Mechanical stuff.
	errc := make(chan error, 1)
	if opts.listen != "" {
		serve(opts.listen, log.With(logger, "component", "http"), errc, func(r *mux.Router) {
			if local != nil && local.CanSignURLs() {
				r.PathPrefix("/blobs/").Handler(blobstore.Handler(local, logger))
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			logger.Log("signal", sig, "msg", "cancelling compilation")
		case err := <-errc:
			logger.Log("err", err)
		case <-ctx.Done():
			return
		}
		cancel()
	}()

	var events event.Log
	if opts.progress {
		progress := event.NewProgress(cmd.ErrOrStderr())
		defer progress.Close()
		events = progress
	} else {
		events = event.NewLogger(logger)
	}

	stage := &compile.Stage{
		Deployment:     plan.Name,
		InstanceGroups: plan.InstanceGroups,
		Catalog:        plan.Releases,
		Store:          store,
		Locker:         locker,
		Blobstore:      blobs,
		GlobalCache:    globalCache,
		Pool:           compile.NewPool(config, provider, logger),
		Workers:        config.Workers,
		SignedURLTTL:   opts.signedURLTTL,
		Events:         events,
		Logger:         logger,
	}
	compiled, err := stage.Perform(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Compiled %d packages for %s\n\n", compiled, plan.Name)
	printCompiledPackages(cmd, plan.InstanceGroups)
	return nil
}

func (opts *compileOpts) locker(logger log.Logger) (lock.Locker, error) {
	switch opts.lockBackend {
	case "local":
		return lock.NewLocal(), nil
	case "redis":
		config := lock.RedisConfig{
			Addr:           opts.redisAddr,
			Password:       opts.redisPassword,
			TTL:            opts.lockTTL,
			AcquireTimeout: opts.lockTimeout,
			Logger:         log.With(logger, "component", "lock"),
		}
		return lock.NewRedis(lock.NewRedisClient(config), config), nil
	}
	return nil, newUsageError("--lock must be local or redis")
}

// blobstore returns the blobstore to use, and the same blobstore as a
// *blobstore.Local when it is one.
func (opts *compileOpts) blobstore() (blobstore.Blobstore, *blobstore.Local, error) {
	if err := checkAtMostOne("--blobstore-dir or --s3-bucket", opts.blobstoreDir != "", opts.s3.Bucket != ""); err != nil {
		return nil, nil, err
	}
	switch {
	case opts.s3.Bucket != "":
		s3, err := blobstore.NewS3(opts.s3)
		return s3, nil, err
	case opts.blobstoreDir != "":
		if opts.blobstoreURL != "" && opts.listen == "" {
			return nil, nil, newUsageError("--blobstore-url needs --listen, to serve the URLs it signs")
		}
		local, err := blobstore.NewLocal(blobstore.LocalConfig{
			Dir:     opts.blobstoreDir,
			BaseURL: opts.blobstoreURL,
			Secret:  opts.blobstoreSecret,
		})
		return local, local, err
	}
	return nil, nil, newUsageError("please supply one of --blobstore-dir or --s3-bucket")
}

func printCompiledPackages(cmd *cobra.Command, groups []*deployment.InstanceGroup) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE GROUP\tPACKAGE\tVERSION\tSTEMCELL\tBLOBSTORE ID")
	for _, g := range groups {
		for _, cp := range g.CompiledPackages() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\n", g.Name, cp.Package.Name, cp.Version(), cp.StemcellOS, cp.StemcellVersion, cp.BlobstoreID)
		}
	}
	w.Flush()
}
