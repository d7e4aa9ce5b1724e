// Package metrics exposes runtime counters to Prometheus. Recording helpers
// are no-ops until Init has been called.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once
	registry *prometheus.Registry

	eventsAppended     *prometheus.CounterVec
	toolInvocations    *prometheus.CounterVec
	toolLatency        *prometheus.HistogramVec
	conversions        *prometheus.CounterVec
	guidelineMatches   *prometheus.CounterVec
	journeyTransitions *prometheus.CounterVec
	sweepItems         *prometheus.CounterVec
)

// Init creates and registers the collectors. Safe to call multiple times.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		eventsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_events_appended_total",
			Help: "Events appended to session logs, by event type.",
		}, []string{"type"})
		toolInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_tool_invocations_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"})
		toolLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_tool_latency_seconds",
			Help:    "Tool invocation latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"})
		conversions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_conversions_total",
			Help: "Workflow conversions by cache result and status.",
		}, []string{"cache", "status"})
		guidelineMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_guideline_matches_total",
			Help: "Guideline matches by agent.",
		}, []string{"agent"})
		journeyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_journey_transitions_total",
			Help: "Journey transitions by kind (enter, advance, skip, complete).",
		}, []string{"kind"})
		sweepItems = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_sweep_items_total",
			Help: "Rows touched by maintenance sweeps, by kind.",
		}, []string{"kind"})
		registry.MustRegister(
			prometheus.NewGoCollector(),
			eventsAppended, toolInvocations, toolLatency,
			conversions, guidelineMatches, journeyTransitions,
			sweepItems,
		)
	})
	return registry
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Init(), promhttp.HandlerOpts{})
}

// RecordEvent counts one appended event.
func RecordEvent(eventType string) {
	if eventsAppended == nil {
		return
	}
	eventsAppended.WithLabelValues(eventType).Inc()
}

// RecordToolInvocation counts a finished invocation and observes its latency.
func RecordToolInvocation(tool, outcome string, seconds float64) {
	if toolInvocations == nil {
		return
	}
	toolInvocations.WithLabelValues(tool, outcome).Inc()
	toolLatency.WithLabelValues(tool).Observe(seconds)
}

// RecordConversion counts a conversion attempt.
func RecordConversion(cacheHit bool, status string) {
	if conversions == nil {
		return
	}
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	conversions.WithLabelValues(cache, status).Inc()
}

// RecordGuidelineMatches adds n matches for an agent.
func RecordGuidelineMatches(agentID string, n int) {
	if guidelineMatches == nil || n == 0 {
		return
	}
	guidelineMatches.WithLabelValues(agentID).Add(float64(n))
}

// RecordJourneyTransition counts a state machine move.
func RecordJourneyTransition(kind string) {
	if journeyTransitions == nil {
		return
	}
	journeyTransitions.WithLabelValues(kind).Inc()
}

// RecordSweep adds n rows handled by a maintenance sweep.
func RecordSweep(kind string, n int) {
	if sweepItems == nil || n == 0 {
		return
	}
	sweepItems.WithLabelValues(kind).Add(float64(n))
}
