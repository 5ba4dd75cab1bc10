// Package metrics exposes session and delivery counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolstream_sessions_active",
		Help: "Number of sessions held by the registry",
	})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolstream_sessions_created_total",
		Help: "Total number of sessions created",
	})

	SessionsTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolstream_sessions_terminated_total",
		Help: "Total number of sessions terminated by reason",
	}, []string{"reason"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolstream_connections_active",
		Help: "Number of live connections attached to channels",
	})

	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolstream_events_appended_total",
		Help: "Total number of events appended to session logs by kind",
	}, []string{"kind"})

	EventsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolstream_events_delivered_total",
		Help: "Total number of events written to live connections",
	})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolstream_events_dropped_total",
		Help: "Total number of request-scoped events dropped because their channel was dead",
	})

	EventsRedirectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolstream_events_redirected_total",
		Help: "Total number of events redirected to the broadcast channel",
	})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolstream_reconnects_total",
		Help: "Total number of reconnect handshakes by result",
	}, []string{"result"})
)

// Reconnect results.
const (
	ReconnectOK       = "ok"
	ReconnectNotFound = "not_found"
	ReconnectGap      = "replay_gap"
	ReconnectAuth     = "auth_expired"
	ReconnectError    = "error"
)

// RecordSessionCreated counts a new session.
func RecordSessionCreated() {
	SessionsCreatedTotal.Inc()
	SessionsActive.Inc()
}

// RecordSessionTerminated counts a terminated session.
func RecordSessionTerminated(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	SessionsTerminatedTotal.WithLabelValues(reason).Inc()
	SessionsActive.Dec()
}

// RecordAppend counts an appended event of the given kind.
func RecordAppend(kind string) {
	EventsAppendedTotal.WithLabelValues(kind).Inc()
}

// RecordReconnect counts a reconnect attempt.
func RecordReconnect(result string) {
	ReconnectsTotal.WithLabelValues(result).Inc()
}
