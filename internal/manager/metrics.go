package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewd",
		Name:      "sessions",
		Help:      "Sessions known to the manager",
	})

	sessionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewd",
			Name:      "session_operations_total",
			Help:      "Session operations by name and result",
		},
		[]string{"op", "result"},
	)

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewd",
		Name:      "events_dropped_total",
		Help:      "Events not delivered to a slow subscriber",
	})
)

func init() {
	prometheus.MustRegister(sessionsGauge, sessionOps, eventsDropped)
}

func observeOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sessionOps.WithLabelValues(op, result).Inc()
}
