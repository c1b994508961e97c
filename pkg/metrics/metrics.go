// Package metrics exposes Prometheus instrumentation for the rule engine,
// conveyor, transmogrifier, placement advisor, and catalog store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rule engine metrics
	RulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rucio_ruleengine_rules_total",
			Help: "Total number of rules by state",
		},
		[]string{"state"},
	)

	RuleEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rucio_ruleengine_evaluation_duration_seconds",
			Help:    "Time taken to ground or re-evaluate a rule",
			Buckets: prometheus.DefBuckets,
		},
	)

	RuleEvaluationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_ruleengine_evaluation_cycles_total",
			Help: "Total number of rule evaluation cycles run",
		},
	)

	RulesStuckTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_ruleengine_rules_stuck_total",
			Help: "Total number of rules that transitioned to STUCK",
		},
	)

	LockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_ruleengine_lock_contention_total",
			Help: "Total number of nowait lock acquisitions deferred due to contention",
		},
	)

	// Conveyor metrics
	RequestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rucio_conveyor_requests_total",
			Help: "Total number of transfer requests by state",
		},
		[]string{"request_type", "state"},
	)

	SubmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rucio_conveyor_submission_duration_seconds",
			Help:    "Time taken to submit a bulk job to the external transfer tool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"external_host"},
	)

	PollErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_conveyor_poll_errors_total",
			Help: "Total number of bulk_query responses that were errors",
		},
	)

	TransfersLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_conveyor_transfers_lost_total",
			Help: "Total number of transfers whose bulk_query response was null (LOST)",
		},
	)

	DarkDataQuarantinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_conveyor_dark_data_quarantined_total",
			Help: "Total number of replicas registered tombstoned after a ReplicaNotFound fallback",
		},
	)

	// Transmogrifier metrics
	DIDsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_transmogrifier_dids_processed_total",
			Help: "Total number of DIDs evaluated against active subscriptions",
		},
	)

	SubscriptionMatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_transmogrifier_matches_total",
			Help: "Total number of subscription/DID matches that generated a rule",
		},
	)

	ChunkFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rucio_transmogrifier_chunk_failures_total",
			Help: "Total number of chunks where every DID failed and the chunk was resubmitted",
		},
	)

	// Placement advisor metrics
	PlacementDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rucio_placement_decisions_total",
			Help: "Total number of placement decisions by outcome",
		},
		[]string{"outcome"},
	)

	PlacementPenalty = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rucio_placement_penalty",
			Help: "Current self-cooling penalty per RSE",
		},
		[]string{"rse_id"},
	)

	// Catalog store metrics
	CatalogOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rucio_catalog_operation_duration_seconds",
			Help:    "Duration of catalog store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CatalogErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rucio_catalog_errors_total",
			Help: "Total number of catalog store errors by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		RulesTotal,
		RuleEvaluationDuration,
		RuleEvaluationCyclesTotal,
		RulesStuckTotal,
		LockContentionTotal,
		RequestsTotal,
		SubmissionDuration,
		PollErrorsTotal,
		TransfersLostTotal,
		DarkDataQuarantinedTotal,
		DIDsProcessedTotal,
		SubscriptionMatchesTotal,
		ChunkFailuresTotal,
		PlacementDecisionsTotal,
		PlacementPenalty,
		CatalogOperationDuration,
		CatalogErrorsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for an operator to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
