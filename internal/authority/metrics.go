package authority

import "github.com/prometheus/client_golang/prometheus"

var (
	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewd",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by session kind and result",
		},
		[]string{"kind", "result"},
	)

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "viewd",
			Subsystem: "admission",
			Name:      "active_sessions",
			Help:      "Currently admitted sessions by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(admissionDecisions, activeSessions)
}
