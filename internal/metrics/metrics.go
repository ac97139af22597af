// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_upstream_requests_total",
		Help: "Outer upstream calls by final outcome (ok, rate_limited, permanent, transient, circuit_open).",
	}, []string{"upstream", "method", "outcome"})

	UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_upstream_attempts_total",
		Help: "Individual HTTP attempts including retries.",
	}, []string{"upstream"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whale_upstream_request_duration_seconds",
		Help:    "Duration of outer upstream calls, retries included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"upstream"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whale_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"upstream"})

	WhaleCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_candidates_detected_total",
		Help: "Transfers above the USD threshold.",
	}, []string{"coin_id"})

	WhaleTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_transactions_total",
		Help: "Whale candidates by dedup outcome (inserted, duplicate).",
	}, []string{"outcome"})

	PriceUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_price_unavailable_total",
		Help: "Detection runs that degraded to zero candidates for lack of a price quote.",
	}, []string{"network"})

	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_publish_errors_total",
		Help: "Events that could not be delivered, by event type.",
	}, []string{"event"})

	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_batch_items_total",
		Help: "Batch items by kind and outcome (success, failure, skipped).",
	}, []string{"kind", "outcome"})

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whale_batch_duration_seconds",
		Help:    "Wall time of a complete batch run.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind"})
)
