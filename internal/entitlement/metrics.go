package entitlement

import "github.com/prometheus/client_golang/prometheus"

var (
	consumeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "entitlement",
		Name:      "consume_total",
		Help:      "Allowance consume attempts by result.",
	}, []string{"result"})

	tracksConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "entitlement",
		Name:      "tracks_consumed_total",
		Help:      "Total tracks consumed from allowances.",
	})

	periodsSeededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "entitlement",
		Name:      "periods_seeded_total",
		Help:      "Usage periods seeded from the billing provider on first consume.",
	})

	thresholdEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "entitlement",
		Name:      "threshold_events_total",
		Help:      "Usage threshold events emitted by threshold percentage.",
	}, []string{"threshold"})
)

func init() {
	prometheus.MustRegister(consumeTotal, tracksConsumedTotal, periodsSeededTotal, thresholdEventsTotal)
}
