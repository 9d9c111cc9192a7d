// Package metrics exposes Prometheus collectors for the commitment engines
// and the HTTP surface. All collectors are registered with the default
// registry on init and are safe for concurrent use.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Transitions counts request state changes by flow (meeting, feedback)
	// and target state.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karma_request_transitions_total",
			Help: "Total number of request state transitions.",
		},
		[]string{"flow", "state"},
	)

	// CommitmentsCreated counts commitments by kind.
	CommitmentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karma_commitments_created_total",
			Help: "Total number of commitments created.",
		},
		[]string{"kind"},
	)

	// RemindersSent counts delivered reminders by reminder kind.
	RemindersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karma_reminders_sent_total",
			Help: "Total number of reminders delivered.",
		},
		[]string{"kind"},
	)

	// ScoreDeltas counts applied score changes by commitment kind and outcome.
	ScoreDeltas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karma_score_deltas_total",
			Help: "Total number of score deltas applied.",
		},
		[]string{"kind", "outcome"},
	)

	// NotifyFailures counts outbound messages that could not be delivered.
	NotifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "karma_notify_failures_total",
			Help: "Total number of failed notifications.",
		},
	)

	// SweepDuration records how long each periodic sweep takes.
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "karma_sweep_duration_seconds",
			Help:    "Duration of periodic sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	// DispatchErrors counts failed interactions by error kind.
	DispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karma_dispatch_errors_total",
			Help: "Total number of failed interactions by error kind.",
		},
		[]string{"kind"},
	)

	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		Transitions,
		CommitmentsCreated,
		RemindersSent,
		ScoreDeltas,
		NotifyFailures,
		SweepDuration,
		DispatchErrors,
		httpReqs,
		httpLat,
	)
}

// ObserveSweep records the duration of the named sweep since start.
func ObserveSweep(name string, start time.Time) {
	SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// HTTP returns a Gin middleware counting requests and their latency. The
// path label is the registered route, or the raw path when none matched.
func HTTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
