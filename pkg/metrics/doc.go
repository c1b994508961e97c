/*
Package metrics provides Prometheus metrics collection and exposition for the
replication control plane.

The metrics package defines and registers all daemon metrics using the
Prometheus client library, providing observability into rule admission and
re-evaluation, transfer submission and polling, subscription matching, and
catalog store latency. Metrics are exposed via an HTTP endpoint for scraping
by Prometheus servers.

# Architecture

The metrics system follows Prometheus best practices with instrumentation
across every daemon role:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (rules total)         │          │
	│  │  Counter: Monotonic increases (requests)    │          │
	│  │  Histogram: Distributions (latency)         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Rule Engine: rules total, evaluation time   │          │
	│  │  Conveyor: requests, submission, poll errors │          │
	│  │  Transmogrifier: DIDs processed, matches      │          │
	│  │  Placement: decisions, popularity penalty    │          │
	│  │  Catalog: operation duration, errors          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  │  - Stores time series data                  │          │
	│  │  - Provides PromQL query interface          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: rules total by state, placement penalty
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: requests submitted, DIDs processed, poll errors
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Buckets for latency percentiles (p50, p95, p99)
  - Examples: rule evaluation duration, transfer submission duration
  - Includes: sum, count, buckets

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Rule Engine Metrics:

rucio_ruleengine_rules_total{state}:
  - Type: Gauge
  - Description: Total rules by state (replicating/ok/stuck)
  - Labels: state
  - Example: rucio_ruleengine_rules_total{state="stuck"} 3

rucio_ruleengine_evaluation_duration_seconds:
  - Type: Histogram
  - Description: Time to evaluate one rule's RSE expression and grounding

rucio_ruleengine_evaluation_cycles_total:
  - Type: Counter
  - Description: Total rule re-evaluation cycles completed

rucio_ruleengine_rules_stuck_total:
  - Type: Counter
  - Description: Total rules that transitioned into STUCK

rucio_ruleengine_lock_contention_total:
  - Type: Counter
  - Description: Total lock-grounding conflicts observed across sharded engines

Conveyor Metrics:

rucio_conveyor_requests_total{request_type, state}:
  - Type: Gauge
  - Description: Total transfer/stage requests by request type and state
  - Labels: request_type, state
  - Example: rucio_conveyor_requests_total{request_type="TRANSFER",state="SUBMITTED"} 120

rucio_conveyor_submission_duration_seconds{external_host}:
  - Type: Histogram
  - Description: Transfer tool bulk submission latency by external host
  - Labels: external_host

rucio_conveyor_poll_errors_total:
  - Type: Counter
  - Description: Total errors returned by the transfer tool's BulkQuery

rucio_conveyor_transfers_lost_total:
  - Type: Counter
  - Description: Total transfers the transfer tool's BulkQuery had no record of (LOST)

rucio_conveyor_dark_data_quarantined_total:
  - Type: Counter
  - Description: Total orphaned replicas tombstoned by handleOneReplica

Transmogrifier Metrics:

rucio_transmogrifier_dids_processed_total:
  - Type: Counter
  - Description: Total DIDs evaluated against active subscriptions

rucio_transmogrifier_matches_total:
  - Type: Counter
  - Description: Total subscription filter matches that submitted a rule

rucio_transmogrifier_chunk_failures_total:
  - Type: Counter
  - Description: Total chunks where every DID failed evaluation, even after retry

Placement Metrics:

rucio_placement_decisions_total{outcome}:
  - Type: Counter
  - Description: Total placement decisions by outcome
  - Labels: outcome

rucio_placement_penalty{rse_id}:
  - Type: Gauge
  - Description: Current transient penalty applied to an RSE's placement score
  - Labels: rse_id

Catalog Metrics:

rucio_catalog_operation_duration_seconds{operation}:
  - Type: Histogram
  - Description: Catalog store operation latency by operation name
  - Labels: operation

rucio_catalog_errors_total{kind}:
  - Type: Counter
  - Description: Total catalog store errors by error kind
  - Labels: kind

# Usage

Updating Gauge Metrics:

	import "github.com/rucio/rucio-go/pkg/metrics"

	// Set absolute value
	metrics.RulesTotal.WithLabelValues("stuck").Set(3)

	// Increment/decrement
	metrics.PlacementPenalty.WithLabelValues("RSE-ABC").Inc()
	metrics.PlacementPenalty.WithLabelValues("RSE-ABC").Dec()

Updating Counter Metrics:

	// Increment by 1
	metrics.DIDsProcessedTotal.Inc()

	// Add arbitrary value
	metrics.PlacementDecisionsTotal.WithLabelValues("recommended").Add(1)

Recording Histogram Observations:

	// Direct observation
	metrics.RuleEvaluationDuration.Observe(0.125) // 125ms

	// Using Timer helper
	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.RuleEvaluationDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.CatalogOperationDuration, "InsertDID")

Complete Example:

	package main

	import (
		"net/http"
		"time"
		"github.com/rucio/rucio-go/pkg/metrics"
	)

	func main() {
		// Update rule-engine metrics
		metrics.RulesTotal.WithLabelValues("replicating").Set(10)
		metrics.RulesTotal.WithLabelValues("stuck").Set(1)

		// Time an operation
		timer := metrics.NewTimer()
		evaluateRule()
		timer.ObserveDuration(metrics.RuleEvaluationDuration)

		// Expose metrics endpoint
		http.Handle("/metrics", metrics.Handler())
		http.ListenAndServe(":9090", nil)
	}

	func evaluateRule() {
		// rule evaluation logic
		time.Sleep(100 * time.Millisecond)
	}

# Integration Points

This package integrates with:

  - cmd/rucio: sets the version, registers the catalog component, and
    serves /metrics, /health, /ready and /live
  - pkg/metrics/health.go: exposes /health, /ready, /live alongside /metrics

The collectors above are registered and exported, but no other package in
this module updates them (pkg/ruleengine, pkg/conveyor, pkg/transmogrifier,
pkg/placement and pkg/catalog do not import this package), so they stay at
zero unless a caller sets them.
  - Prometheus: scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()
  - No runtime registration needed

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels
  - Avoid high-cardinality labels (rule/request IDs, timestamps)
  - Document label values in metric description
  - Keep label count low (< 5 per metric)

Timer Pattern:
  - Create timer at operation start
  - Defer or explicitly call ObserveDuration
  - Automatically calculates elapsed time
  - Supports both simple and vector histograms

Global Metrics:
  - Package-level variables for all metrics
  - Accessible from any package in this module
  - Thread-safe concurrent updates
  - No initialization required by callers

# Performance Characteristics

Metric Update Overhead:
  - Gauge set/inc: ~50ns per operation
  - Counter inc: ~50ns per operation
  - Histogram observe: ~200ns per operation
  - Labels: +100ns per label value
  - Negligible impact on hot path

Memory Usage:
  - Per metric: ~1KB baseline
  - Per label combination: ~100 bytes
  - Histogram buckets: ~50 bytes each
  - Total: well under 1MB for this module's metric set

Scrape Performance:
  - Metrics gathering: ~1-5ms for full scrape
  - HTTP response: ~10ms for typical metric set
  - Recommendation: Scrape interval ≥ 15s
  - Concurrent scrapes: Safe (read-only)

Cardinality Management:
  - Low cardinality: state, role, operation (< 10 values)
  - Medium cardinality: rse (bounded by the federation's RSE count)
  - Avoid: rule/request IDs, timestamps (unbounded)
  - Best practice: Aggregate high-cardinality detail in logs instead

# Troubleshooting

Common Issues:

Missing Metrics:
  - Symptom: Metric not appearing in /metrics output
  - Check: Metric registered in init() function
  - Check: MustRegister called (panics if duplicate)
  - Solution: Verify metric variable is exported

High Cardinality:
  - Symptom: Prometheus memory usage grows
  - Cause: Using IDs or unbounded values as labels
  - Check: Label cardinality (count unique combinations)
  - Solution: Remove high-cardinality labels, aggregate differently

Histogram Bucket Mismatch:
  - Symptom: No data in desired percentiles
  - Cause: Buckets don't cover observed value range
  - Check: Histogram sum / count for average
  - Solution: Customize buckets for value range

Stale Metrics:
  - Symptom: Metrics not updating
  - Cause: Code not calling metric update methods
  - Check: Add logging around metric updates
  - Solution: Instrument code paths correctly

# Monitoring

Prometheus Queries (PromQL):

Rule Engine Health:
  - Total rules: sum(rucio_ruleengine_rules_total)
  - Stuck rules: rucio_ruleengine_rules_total{state="stuck"}
  - Stuck rate: rate(rucio_ruleengine_rules_stuck_total[5m])

Conveyor Health:
  - Total requests: sum(rucio_conveyor_requests_total)
  - Submitted requests: rucio_conveyor_requests_total{state="submitted"}
  - Poll error rate: rate(rucio_conveyor_poll_errors_total[1m])
  - p95 submission latency: histogram_quantile(0.95, rucio_conveyor_submission_duration_seconds_bucket)

Transmogrifier Throughput:
  - Processing rate: rate(rucio_transmogrifier_dids_processed_total[1m])
  - Match rate: rate(rucio_transmogrifier_matches_total[1m])
  - Chunk failure rate: rate(rucio_transmogrifier_chunk_failures_total[5m])

Catalog Performance:
  - p95 latency: histogram_quantile(0.95, rucio_catalog_operation_duration_seconds_bucket)
  - Error rate: rate(rucio_catalog_errors_total[1m])

# Alerting Rules

Recommended Prometheus alerts:

High Rule Stuck Rate:
  - Alert: rate(rucio_ruleengine_rules_stuck_total[5m]) > 0.1
  - Description: More than 0.1 rules getting stuck per second
  - Action: Check RSE availability and rule-engine logs

Frequent Transfer Loss:
  - Alert: rate(rucio_conveyor_transfers_lost_total[5m]) > 0
  - Description: The transfer tool is reporting no record of submitted transfers
  - Action: Check the transfer tool's health and poller logs

High Catalog Error Rate:
  - Alert: rate(rucio_catalog_errors_total[5m]) > 0.1
  - Description: Catalog store operations are failing
  - Action: Check disk space and bbolt file health

High Conveyor Submission Latency:
  - Alert: histogram_quantile(0.95, rucio_conveyor_submission_duration_seconds_bucket) > 5
  - Description: p95 submission latency exceeds 5 seconds
  - Action: Check the transfer tool endpoint and network path

# Grafana Dashboards

Recommended dashboard panels:

Rule Engine Overview:
  - Gauge: Total rules by state
  - Time series: Evaluation cycle duration
  - Time series: Rules-stuck rate

Conveyor Overview:
  - Time series: Requests by state
  - Time series: Submission latency (p95, p99)
  - Time series: Poll error rate and transfers-lost rate

Transmogrifier Overview:
  - Time series: DIDs processed per second
  - Time series: Subscription match rate
  - Time series: Chunk failure rate

Catalog Overview:
  - Heatmap: Operation latency distribution
  - Time series: Error rate by kind

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - PromQL tutorial: https://prometheus.io/docs/prometheus/latest/querying/basics/
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
