// Package metrics exposes Prometheus instrumentation for the conversation
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal counts processed mutation commands by kind and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portalchat",
		Name:      "commands_total",
		Help:      "Mutation commands processed, by command and status.",
	}, []string{"command", "status"})

	// DeltasPublished counts deltas handed to the pub/sub collaborator.
	DeltasPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portalchat",
		Name:      "deltas_published_total",
		Help:      "Deltas published to conversation and role-inbox topics.",
	}, []string{"kind"})

	// PublishFailures counts swallowed pub/sub publish errors.
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portalchat",
		Name:      "publish_failures_total",
		Help:      "Delta publish failures (logged and swallowed).",
	})

	// WSSessions tracks currently connected delta-stream viewers.
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portalchat",
		Name:      "ws_sessions",
		Help:      "Open WebSocket viewer sessions.",
	})
)
