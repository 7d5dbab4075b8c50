// Package metrics exposes the Prometheus collectors shared across components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

var (
	// Pipeline metrics (C7)

	PipelineRepliesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "pipeline",
			Name:      "replies_processed_total",
			Help:      "Total replies processed by the pipeline",
		},
		[]string{"account", "action"}, // action: send_stage_1_followup, delegate_to_human, mark_complete, skip
	)

	PipelineProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "followup",
			Subsystem: "pipeline",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a single reply end to end",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"account"},
	)

	PipelineInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "followup",
			Subsystem: "pipeline",
			Name:      "in_flight_replies",
			Help:      "Replies currently being processed, bounded by the semaphore",
		},
	)

	// Debouncer metrics (C2)

	DebouncerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "debouncer",
			Name:      "decisions_total",
			Help:      "Debounce decisions by outcome",
		},
		[]string{"outcome"}, // trivial, debounced, bypass_store_down, accepted
	)

	// ScheduleIndex metrics (C3)

	ScheduleIndexSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "followup",
			Subsystem: "schedule_index",
			Name:      "sync_duration_seconds",
			Help:      "Time to run the ThreadStore-to-Redis schedule sync",
			Buckets:   prometheus.DefBuckets,
		},
	)

	ScheduleIndexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "followup",
			Subsystem: "schedule_index",
			Name:      "size",
			Help:      "Number of threads currently tracked in the schedule index",
		},
	)

	ScheduleIndexFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "schedule_index",
			Name:      "fallbacks_total",
			Help:      "Times the ThreadStore fallback path was used because the index was unreachable or stale",
		},
	)

	// Dispatcher metrics (C5)

	DispatcherOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "dispatcher",
			Name:      "outcomes_total",
			Help:      "Dispatch outcomes by stage and result",
		},
		[]string{"stage", "result"}, // result: sent, guard_rejected, send_failed, max_failures
	)

	DispatcherSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "followup",
			Subsystem: "dispatcher",
			Name:      "send_duration_seconds",
			Help:      "Time spent in MailboxClient.sendReply including retries",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		},
		[]string{"account"},
	)

	// Poller metrics (C6)

	PollerMessagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "poller",
			Name:      "messages_fetched_total",
			Help:      "Unseen messages fetched per mailbox poll tick",
		},
		[]string{"account"},
	)

	PollerRepliesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "poller",
			Name:      "replies_accepted_total",
			Help:      "Fetched messages that passed the reply-to-outreach filter",
		},
		[]string{"account"},
	)

	PollerUnparseable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "poller",
			Name:      "unparseable_total",
			Help:      "Messages whose body could not be extracted and were silently dropped",
		},
		[]string{"account"},
	)

	PollerAuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "poller",
			Name:      "auth_failures_total",
			Help:      "IMAP authentication failures that aborted a mailbox's tick",
		},
		[]string{"account"},
	)

	// Analyzer client metrics (C10)

	AnalyzerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "analyzer",
			Name:      "requests_total",
			Help:      "Total Analyzer calls by outcome",
		},
		[]string{"outcome"}, // success, timeout, error
	)

	AnalyzerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "followup",
			Subsystem: "analyzer",
			Name:      "duration_seconds",
			Help:      "Analyzer call duration including retries",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 35},
		},
	)

	AnalyzerCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "followup",
			Subsystem: "analyzer",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	AnalyzerCircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "followup",
			Subsystem: "analyzer",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events for the Analyzer client",
		},
	)
)
