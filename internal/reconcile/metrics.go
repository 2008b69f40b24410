package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	syncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "reconcile",
		Name:      "syncs_total",
		Help:      "Allowance syncs from the billing provider by result.",
	}, []string{"result"})

	changesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "reconcile",
		Name:      "changes_total",
		Help:      "Provider-side allowance changes by operation and result.",
	}, []string{"operation", "result"})

	gapsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "reconcile",
		Name:      "gaps_total",
		Help:      "Provider changes whose local allowance write failed, left for the next resync.",
	}, []string{"operation"})

	resyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "distrokit",
		Subsystem: "reconcile",
		Name:      "resync_duration_seconds",
		Help:      "Duration of full resync runs.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	resyncFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "distrokit",
		Subsystem: "reconcile",
		Name:      "resync_failed_tenants",
		Help:      "Tenants that failed to sync in the most recent resync run.",
	})

	resyncLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "distrokit",
		Subsystem: "reconcile",
		Name:      "resync_last_run_timestamp",
		Help:      "Unix timestamp of the last completed resync run.",
	})
)

func init() {
	prometheus.MustRegister(syncsTotal, changesTotal, gapsTotal, resyncDuration, resyncFailed, resyncLastRun)
}
