// Package metrics holds the Prometheus collectors of the resolver. They
// register on the default registry and are served by the HTTP adapter at
// /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "entityres"

var (
	// resolutionsTotal counts resolve calls by outcome.
	// Labels: outcome (auto_resolved, resolved_with_notice, clarification_required, no_match, error)
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "resolutions_total",
		Help:      "Resolve calls by outcome",
	}, []string{"outcome"})

	resolveLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "resolve_latency_seconds",
		Help:      "Resolve latency including persistence",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
	}, []string{"outcome"})

	candidatesScored = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "candidates_scored",
		Help:      "Candidates returned by the blocking step per resolve",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 200},
	})

	// sessionsTotal counts clarification session transitions.
	// Labels: state (open, resolved, abandoned, expired)
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "clarify",
		Name:      "sessions_total",
		Help:      "Clarification session transitions by resulting state",
	}, []string{"state"})

	// feedbackTotal counts applied feedback. Labels: outcome, reason
	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feedback",
		Name:      "applied_total",
		Help:      "Confidence changes applied by reason",
	}, []string{"reason"})

	casConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "cas_conflicts_total",
		Help:      "Optimistic concurrency conflicts, including retried ones",
	})

	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "registrations_total",
		Help:      "Entity registrations by result (created, deduplicated)",
	}, []string{"result"})

	indexEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "entities",
		Help:      "Entities currently in the candidate index",
	})

	// publishFailuresTotal counts event fan-out failures. Labels: publisher
	publishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "publish_failures_total",
		Help:      "Resolution events that a publisher failed to deliver",
	}, []string{"publisher"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})

	httpLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_latency_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// RecordResolution records one resolve call.
func RecordResolution(outcome string, elapsed time.Duration, candidates int) {
	resolutionsTotal.WithLabelValues(outcome).Inc()
	resolveLatencySeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	candidatesScored.Observe(float64(candidates))
}

// RecordSession records a session reaching state.
func RecordSession(state string) {
	sessionsTotal.WithLabelValues(state).Inc()
}

// RecordFeedback records one applied confidence change.
func RecordFeedback(reason string) {
	feedbackTotal.WithLabelValues(reason).Inc()
}

// RecordCASConflict records one lost compare-and-swap.
func RecordCASConflict() {
	casConflictsTotal.Inc()
}

// RecordRegistration records a Register call; created is false when an
// existing entity was returned instead.
func RecordRegistration(created bool) {
	if created {
		registrationsTotal.WithLabelValues("created").Inc()
		return
	}
	registrationsTotal.WithLabelValues("deduplicated").Inc()
}

// SetIndexSize reports the candidate index population.
func SetIndexSize(n int) {
	indexEntities.Set(float64(n))
}

// RecordPublishFailure records a failed event delivery.
func RecordPublishFailure(publisher string) {
	publishFailuresTotal.WithLabelValues(publisher).Inc()
}

// RecordHTTPRequest records one served request. Unmatched routes share the
// "unmatched" label to keep cardinality bounded.
func RecordHTTPRequest(route string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	httpLatencySeconds.WithLabelValues(route).Observe(elapsed.Seconds())
}
