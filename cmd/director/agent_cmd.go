package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fleetops/director/pkg/agent"
	"github.com/fleetops/director/pkg/blobstore"
)

type agentOpts struct {
	*rootOpts
	agentID      string
	natsURL      string
	blobstoreDir string
	listen       string
}

func newAgent(parent *rootOpts) *agentOpts {
	return &agentOpts{rootOpts: parent}
}

func (opts *agentOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a development agent, which compiles a package by storing its source as-is.",
		Example: makeExample(
			"director agent --agent-id 3f2a... --blobstore-dir /var/director/blobs",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.agentID, "agent-id", "", "ID the director addresses this agent by")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", nats.DefaultURL, "NATS server to take requests from")
	cmd.Flags().StringVar(&opts.blobstoreDir, "blobstore-dir", "", "blobstore shared with the director; only signed URL compiles work without one")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "serve /metrics on this address")
	return cmd
}

func (opts *agentOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if opts.agentID == "" {
		return newUsageError("--agent-id is required")
	}
	logger := log.With(opts.logger, "agent", opts.agentID)

	h := &passthrough{logger: logger}
	if opts.blobstoreDir != "" {
		local, err := blobstore.NewLocal(blobstore.LocalConfig{Dir: opts.blobstoreDir})
		if err != nil {
			return err
		}
		h.blobs = local
	}

	nc, err := nats.Connect(opts.natsURL, nats.Name("agent-"+opts.agentID))
	if err != nil {
		return errors.Wrapf(err, "connecting to NATS at %s", opts.natsURL)
	}
	defer nc.Close()

	// Mechanical stuff.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	if opts.listen != "" {
		serve(opts.listen, log.With(logger, "component", "http"), errc, nil)
	}

	done := make(chan struct{})
	go func() {
		errc <- agent.Subscribe(nc, opts.agentID, agent.New(h, logger), done)
	}()
	logger.Log("subject", agent.Subject(opts.agentID), "msg", "ready")

	logger.Log("exit", <-errc)
	close(done)
	return nil
}
