package compile

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	dirmetrics "github.com/fleetops/director/pkg/metrics"
)

var (
	compileDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "director",
		Subsystem: "compile",
		Name:      "duration_seconds",
		Help:      "Duration of package compiles on compilation VMs, in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	}, []string{dirmetrics.LabelStemcell, dirmetrics.LabelSuccess})

	cacheProbes = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "director",
		Subsystem: "compile",
		Name:      "cache_probes_total",
		Help:      "Count of compiled package lookups, by outcome.",
	}, []string{dirmetrics.LabelOutcome})

	vmsInUse = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "director",
		Subsystem: "compile",
		Name:      "vms",
		Help:      "Number of compilation VMs currently provisioned.",
	}, []string{dirmetrics.LabelPool})
)
