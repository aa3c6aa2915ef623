package stateres

import "github.com/prometheus/client_golang/prometheus"

// Metrics (A2): Resolve's two Prometheus instruments, registered against
// the default registry the first time this package is imported. Mirrors
// the counter/histogram pairing dendrite's federation queue keeps for its
// send path.
var (
	resolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stateres",
			Name:      "resolve_duration_seconds",
			Help:      "Time spent inside Resolve, by room version.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"room_version"},
	)

	resolveFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stateres",
			Name:      "resolve_failures_total",
			Help:      "Fatal (non-denial) Resolve failures, by room version and stage.",
		},
		[]string{"room_version", "stage"},
	)
)

func init() {
	prometheus.MustRegister(resolveDuration, resolveFailures)
}
