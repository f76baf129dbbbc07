package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_envelopes_published_total",
			Help: "Total number of envelopes published to the broker",
		},
		[]string{"channel", "outcome"},
	)

	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_delivery_outcomes_total",
			Help: "Total number of channel deliveries by outcome",
		},
		[]string{"channel", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "notifier_delivery_duration_seconds",
			Help: "Duration of provider calls in seconds",
		},
		[]string{"channel"},
	)

	BroadcastOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_broadcast_outcomes_total",
			Help: "Total number of in-app broadcasts by outcome",
		},
		[]string{"outcome"},
	)

	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifier_hub_connections",
			Help: "Number of open hub connections on this instance",
		},
	)
)

// Delivery outcome labels.
const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRejected     = "rejected"
	OutcomePublished    = "published"
	OutcomeFailed       = "failed"
	OutcomeBroadcasted  = "broadcasted"
	OutcomeSkipped      = "skipped"
)
