package main

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type rootOpts struct {
	logLevel  string
	logFormat string

	logger log.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = `director compiles the packages a deployment needs, once
per package, stemcell and set of dependencies, on throwaway VMs.

Workflow:
  director validate --manifest deploy.yml --release r.yml --stemcells s.yml
  director compile  --manifest deploy.yml --release r.yml --stemcells s.yml --cpi ./cpi
`

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "director",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		SilenceErrors:     false,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "minimum level logged; one of debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "logfmt", "log output format; logfmt or json")
	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd.ErrOrStderr(), opts.logFormat, opts.logLevel)
	if err != nil {
		return err
	}
	opts.logger = logger
	return nil
}

func newLogger(out io.Writer, format, lvl string) (log.Logger, error) {
	// Logger domain.
	var logger log.Logger
	{
		switch format {
		case "logfmt":
			logger = log.NewLogfmtLogger(log.NewSyncWriter(out))
		case "json":
			logger = log.NewJSONLogger(log.NewSyncWriter(out))
		default:
			return nil, newUsageError("--log-format must be logfmt or json")
		}
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)

		var allow level.Option
		switch lvl {
		case "debug":
			allow = level.AllowDebug()
		case "info":
			allow = level.AllowInfo()
		case "warn":
			allow = level.AllowWarn()
		case "error":
			allow = level.AllowError()
		default:
			return nil, newUsageError("--log-level must be one of debug, info, warn, error")
		}
		logger = level.NewFilter(logger, allow)
	}
	return logger, nil
}

// serve exposes /metrics, and whatever else routes adds, on listen.
// Errors go to errc.
func serve(listen string, logger log.Logger, errc chan<- error, routes func(*mux.Router)) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	if routes != nil {
		routes(router)
	}
	go func() {
		logger.Log("addr", listen)
		errc <- http.ListenAndServe(listen, router)
	}()
}

func makeExample(examples ...string) string {
	return "  " + strings.Join(examples, "\n  ")
}
