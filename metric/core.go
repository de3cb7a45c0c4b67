package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the pipeline-level counters consumed by the external
// monitoring collaborator. Domain components register their own metrics on
// top of these through the Registry.
type Metrics struct {
	// Ingestion
	MessagesAccepted  *prometheus.CounterVec // by device
	MessagesDropped   prometheus.Counter     // accepted, zero matched sinks
	MessagesRejected  *prometheus.CounterVec // by reason (unauthorized, forbidden, rate_limited, admission_timeout)
	RuleMatches       *prometheus.CounterVec // by rule id

	// Delivery
	SinkDelivered    *prometheus.CounterVec // by sink
	SinkRetried      *prometheus.CounterVec // by sink
	SinkDeadLettered *prometheus.CounterVec // by sink

	// Provisioning
	DevicesProvisioned prometheus.Counter
	DevicesRevoked     prometheus.Counter
	ClaimsReplayed     prometheus.Counter

	// Rule engine
	RuleTableSwaps  prometheus.Counter
	RuleTableSize   prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "ingest",
				Name:      "accepted_total",
				Help:      "Messages accepted by the gateway",
			},
			[]string{"device"},
		),
		MessagesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "ingest",
				Name:      "dropped_total",
				Help:      "Messages accepted but matched by zero rules",
			},
		),
		MessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "ingest",
				Name:      "rejected_total",
				Help:      "Messages rejected before entering the pipeline",
			},
			[]string{"reason"},
		),
		RuleMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "rules",
				Name:      "matches_total",
				Help:      "Rule match count per rule",
			},
			[]string{"rule"},
		),
		SinkDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "sink",
				Name:      "delivered_total",
				Help:      "Messages delivered per sink",
			},
			[]string{"sink"},
		),
		SinkRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "sink",
				Name:      "retried_total",
				Help:      "Delivery retries per sink",
			},
			[]string{"sink"},
		),
		SinkDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "sink",
				Name:      "dead_lettered_total",
				Help:      "Messages dead-lettered per sink",
			},
			[]string{"sink"},
		),
		DevicesProvisioned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "provision",
				Name:      "devices_total",
				Help:      "Devices provisioned",
			},
		),
		DevicesRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "provision",
				Name:      "revoked_total",
				Help:      "Devices revoked",
			},
		),
		ClaimsReplayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "provision",
				Name:      "claim_replays_total",
				Help:      "Provisioning claims rejected as already claimed",
			},
		),
		RuleTableSwaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "rules",
				Name:      "table_swaps_total",
				Help:      "Compiled rule table swaps",
			},
		),
		RuleTableSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "rules",
				Name:      "table_size",
				Help:      "Rules in the active compiled table",
			},
		),
	}
}
