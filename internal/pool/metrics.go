package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	poolSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewd",
		Subsystem: "pool",
		Name:      "slots",
		Help:      "Cached transport handles",
	})

	poolRefs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewd",
		Subsystem: "pool",
		Name:      "refs",
		Help:      "Outstanding references across all cached handles",
	})

	inflightSetups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewd",
		Subsystem: "pool",
		Name:      "inflight_setups",
		Help:      "Acquisition operations holding a concurrency slot",
	})

	setupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewd",
			Subsystem: "pool",
			Name:      "setups_total",
			Help:      "Handle negotiations by result",
		},
		[]string{"result"},
	)

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewd",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Handles torn down after their idle grace period",
	})
)

func init() {
	prometheus.MustRegister(poolSlots, poolRefs, inflightSetups, setupsTotal, evictionsTotal)
}
