package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		botSessionTransitionsTotal,
		botSessionConflictsTotal,
		botHeartbeatsTotal,
	)
}

var (
	botSessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_session_transitions_total",
			Help: "Bot session status changes, by target status.",
		},
		[]string{"status"}, // 'starting', 'running', 'completed', 'failed', 'stopped'
	)

	botSessionConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_session_conflicts_total",
			Help: "Requests rejected because the session was already terminal.",
		},
		[]string{"operation", "reason"}, // reason: 'stopped', 'completed', 'finished', 'active'
	)

	botHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_heartbeats_total",
			Help: "Accepted heartbeats, including the one promoting a session to running.",
		},
	)
)

func IncBotSessionTransition(status string) {
	botSessionTransitionsTotal.WithLabelValues(norm(status)).Inc()
}

func IncBotSessionConflict(operation, reason string) {
	botSessionConflictsTotal.WithLabelValues(norm(operation), norm(reason)).Inc()
}

func IncBotHeartbeat() { botHeartbeatsTotal.Inc() }
