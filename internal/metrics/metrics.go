package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the client's collectors. It is separate from the
// default registry so that embedding programs control exposition.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	PushEventsReceived = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "notifycenter_push_events_received_total",
			Help: "Notification-created frames delivered to the store",
		},
	)

	PushEventsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifycenter_push_events_dropped_total",
			Help: "Push frames dropped before reaching the store",
		},
		[]string{"reason"},
	)

	PushEventsDeduplicated = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "notifycenter_push_events_deduplicated_total",
			Help: "Push events ignored because the id was already known",
		},
	)

	RealtimeConnects = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifycenter_realtime_connects_total",
			Help: "Realtime connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	Resyncs = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifycenter_resyncs_total",
			Help: "Full list resyncs by trigger",
		},
		[]string{"trigger"},
	)

	Mutations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifycenter_mutations_total",
			Help: "Optimistic mutations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ExitSignals = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifycenter_exit_signals_total",
			Help: "Chat exit signals sent by trigger path",
		},
		[]string{"path"},
	)
)
