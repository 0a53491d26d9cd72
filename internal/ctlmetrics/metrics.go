// Package ctlmetrics exposes the control loop's Prometheus metrics, the
// same style blip's own prom package uses to export collector metrics:
// a small set of package-level collectors, registered once, incremented
// from wherever the event happens.
package ctlmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "keeper",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one control loop iteration.",
		Buckets:   prometheus.DefBuckets,
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "fsm_transitions_total",
		Help:      "Count of successful FSM transitions, labeled by resulting state.",
	}, []string{"to_state"})

	MonitorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Name:      "monitor_call_duration_seconds",
		Help:      "Duration of remote calls to the monitor, labeled by RPC name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"rpc"})

	MonitorCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "monitor_call_failures_total",
		Help:      "Count of failed remote calls to the monitor, labeled by RPC name and category.",
	}, []string{"rpc", "category"})

	SelfDemotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "self_demotions_total",
		Help:      "Count of times this node self-demoted after a suspected network partition.",
	})

	RegistrationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "registration_failures_total",
		Help:      "Count of failed one-time node registration attempts with the monitor.",
	})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
