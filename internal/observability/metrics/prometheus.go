// Package metrics provides Prometheus metrics for the observation transform service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	SubmissionsProcessed  *prometheus.CounterVec
	SubmissionsFailed     *prometheus.CounterVec
	SubmissionsDuplicate  prometheus.Counter
	EntriesEmitted        prometheus.Counter
	TransformDuration     prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
// A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SubmissionsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsfhir_submissions_processed_total",
			Help: "Total form submissions transformed into bundles",
		}, []string{"source"}),
		SubmissionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsfhir_submissions_failed_total",
			Help: "Total form submissions rejected or failed",
		}, []string{"source", "reason"}),
		SubmissionsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsfhir_submissions_duplicate_total",
			Help: "Total redelivered submissions skipped by the inbox",
		}),
		EntriesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsfhir_observation_entries_total",
			Help: "Total Observation bundle entries emitted",
		}),
		TransformDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "obsfhir_transform_duration_seconds",
			Help:    "Observation transform duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.SubmissionsProcessed,
		m.SubmissionsFailed,
		m.SubmissionsDuplicate,
		m.EntriesEmitted,
		m.TransformDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the given registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
