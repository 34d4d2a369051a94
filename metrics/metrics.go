package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beamdrop_active_sessions",
		Help: "Number of sessions with at least one connected peer",
	})

	SessionsPaired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beamdrop_sessions_paired_total",
		Help: "Number of completed pc/mobile pairings",
	})

	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beamdrop_messages_relayed_total",
		Help: "Signaling messages forwarded between peers, by type",
	}, []string{"type"})

	RelayErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beamdrop_relay_errors_total",
		Help: "Error envelopes returned to senders",
	})
)

func Register() {
	prometheus.MustRegister(
		ActiveSessions,
		SessionsPaired,
		MessagesRelayed,
		RelayErrors,
	)
}
