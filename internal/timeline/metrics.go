package timeline

import "github.com/prometheus/client_golang/prometheus"

var (
	appendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewd",
		Subsystem: "timeline",
		Name:      "appends_total",
		Help:      "Segments appended to playback sinks",
	})

	overflowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewd",
		Subsystem: "timeline",
		Name:      "overflows_total",
		Help:      "Appends rejected for insufficient sink capacity",
	})

	prunesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewd",
			Subsystem: "timeline",
			Name:      "prunes_total",
			Help:      "Buffer prunes behind the playback position",
		},
		[]string{"reason"},
	)

	fetchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewd",
		Subsystem: "timeline",
		Name:      "fetch_failures_total",
		Help:      "Segments skipped after a retrieval failure",
	})

	staleDiscardsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewd",
		Subsystem: "timeline",
		Name:      "stale_discards_total",
		Help:      "Asynchronous results dropped because their generation was superseded",
	})

	fatalTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewd",
		Subsystem: "timeline",
		Name:      "fatal_total",
		Help:      "Generations stopped by an unrecoverable error",
	})
)

func init() {
	prometheus.MustRegister(appendsTotal, overflowsTotal, prunesTotal, fetchFailuresTotal, staleDiscardsTotal, fatalTotal)
}
