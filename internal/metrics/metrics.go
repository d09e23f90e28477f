// Package metrics registers the Prometheus series for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relayer and indexer.
type Metrics struct {
	// Relayer side
	EventsPublished *prometheus.CounterVec
	TailerLagBlocks *prometheus.GaugeVec
	DecodeErrors    *prometheus.CounterVec
	PublishRetries  prometheus.Counter

	// Indexer side
	EventsProjected    *prometheus.CounterVec
	ProjectionLatency  prometheus.Histogram
	SubscriberBacklog  prometheus.Gauge
	DeadLetters        prometheus.Counter
	LifecycleRejects   *prometheus.CounterVec
	EmptyTypeAttribute prometheus.Counter
}

// New creates and registers all pipeline metrics on the default registry.
// Call once per process; tests use NewWith and a throwaway registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates the metrics on an explicit registerer.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Events published to the bus, by type",
			},
			[]string{"event_type"},
		),

		TailerLagBlocks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tailer_lag_blocks",
				Help: "Distance between the safe head and the checkpoint, per chain",
			},
			[]string{"chain_id"},
		),

		DecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decode_errors_total",
				Help: "Raw logs that failed to decode, by kind",
			},
			[]string{"kind"}, // kind: unknown_event, malformed_payload
		),

		PublishRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "publish_retries_total",
				Help: "Per-message publish retries after broker errors",
			},
		),

		EventsProjected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_projected_total",
				Help: "Events handled by the projection engine, by type and outcome",
			},
			[]string{"event_type", "outcome"}, // outcome: applied, skipped_duplicate, rejected, error
		),

		ProjectionLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "projection_latency_ms",
				Help:    "Time to project one event, in milliseconds",
				Buckets: []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		SubscriberBacklog: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "subscriber_backlog_messages",
				Help: "Messages currently outstanding on the subscriber",
			},
		),

		DeadLetters: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dead_letters_total",
				Help: "Messages given up on after max delivery attempts",
			},
		),

		LifecycleRejects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifecycle_rejects_total",
				Help: "Events appended to the audit log without a status change",
			},
			[]string{"event_type"},
		),

		EmptyTypeAttribute: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "empty_event_type_attribute_total",
				Help: "Bus messages whose event_type attribute was empty and the payload field was used instead",
			},
		),
	}
}
