// Package metrics holds the Prometheus collectors shared by the realtime,
// lifecycle, and HTTP layers. Label sets are fixed and small so cardinality
// stays bounded regardless of traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections is the number of admitted realtime sockets on this process.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telehealth_realtime_connections",
		Help: "Current number of admitted realtime connections.",
	})

	// Rooms is the number of rooms with at least one local socket.
	Rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telehealth_realtime_rooms",
		Help: "Current number of rooms with local members.",
	})

	// ConnectionsRejected counts admission refusals.
	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telehealth_realtime_connections_rejected_total",
		Help: "Connections refused because the process is at capacity.",
	})

	// BackplaneEnabled is 1 while cross-process fan-out is available.
	BackplaneEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telehealth_backplane_enabled",
		Help: "1 when the pub/sub backplane is connected, 0 otherwise.",
	})

	// BackplanePublishes counts publish outcomes by result (ok, error, skipped).
	BackplanePublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_backplane_publishes_total",
		Help: "Backplane publish attempts by outcome.",
	}, []string{"result"})

	// SessionTransitions counts lifecycle transitions by target status.
	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_session_transitions_total",
		Help: "Session lifecycle transitions by target status.",
	}, []string{"status"})

	// RelayMessages counts inbound realtime messages by type.
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_relay_messages_total",
		Help: "Inbound realtime messages by type.",
	}, []string{"type"})

	// AccessKeyValidations counts validation attempts by result
	// (success, invalid, locked).
	AccessKeyValidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_access_key_validations_total",
		Help: "Access-key validation attempts by result.",
	}, []string{"result"})

	// AccessKeyDeliveries counts notification sends by channel and result.
	AccessKeyDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_access_key_deliveries_total",
		Help: "Access-key notification sends by channel and result.",
	}, []string{"channel", "result"})

	// JobRuns counts background job ticks by job and result.
	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_job_runs_total",
		Help: "Background job executions by job and result.",
	}, []string{"job", "result"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Rooms,
		ConnectionsRejected,
		BackplaneEnabled,
		BackplanePublishes,
		SessionTransitions,
		RelayMessages,
		AccessKeyValidations,
		AccessKeyDeliveries,
		JobRuns,
	)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
