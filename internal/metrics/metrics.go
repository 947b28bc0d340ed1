// Package metrics provides Prometheus instrumentation for RingForge Hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics (admin/control-plane surface).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ringforge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Channel gateway metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringforge_ws_connections_active",
		Help: "Number of agents currently connected over the channel gateway.",
	})

	WSFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_ws_frames_total",
		Help: "Total number of channel frames processed, by event and direction.",
	}, []string{"event", "direction"})
)

// Router metrics.
var (
	RoutedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_routed_messages_total",
		Help: "Total number of messages that entered the Router pipeline, by verb and outcome.",
	}, []string{"verb", "outcome"})

	RouteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ringforge_route_duration_seconds",
		Help:    "Router pipeline duration in seconds, by verb.",
		Buckets: prometheus.DefBuckets,
	}, []string{"verb"})
)

// RateLimiter metrics.
var (
	RateLimitHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_rate_limit_hits_total",
		Help: "Total number of requests rejected by the rate limiter, by action and tier.",
	}, []string{"action", "tier"})
)

// TaskStore metrics.
var (
	TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringforge_tasks_active",
		Help: "Number of tasks currently assigned or running.",
	})

	TaskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_task_transitions_total",
		Help: "Total number of task state transitions, by target status.",
	}, []string{"status"})
)

// Presence metrics.
var (
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringforge_agents_online",
		Help: "Number of agents currently present across all fleets.",
	})
)
