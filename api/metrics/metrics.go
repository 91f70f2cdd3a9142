// Package metrics exposes Prometheus collectors for the chat service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo carries the build identification as constant labels.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build information.",
	}, []string{"version", "commit", "date"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests, by route and status code.",
	}, []string{"method", "route", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration, by route.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"method", "route"})

	chatTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_turns_total",
		Help: "Chat turns handled, by outcome.",
	}, []string{"outcome"})

	chatTurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_turn_duration_seconds",
		Help:    "Wall time to handle one chat turn.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	anthropicRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anthropic_requests_total",
		Help: "Anthropic API requests, by status.",
	}, []string{"status"})

	anthropicDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anthropic_request_duration_seconds",
		Help:    "Anthropic API request duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	queryExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approved_query_executions_total",
		Help: "Approved query executions, by status.",
	}, []string{"status"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "approved_query_duration_seconds",
		Help:    "Approved query execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	checkpointConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_conflicts_total",
		Help: "Checkpoint writes lost to a concurrent writer.",
	})
)

// RecordChatTurn records one handled turn.
func RecordChatTurn(outcome string, duration time.Duration) {
	chatTurns.WithLabelValues(outcome).Inc()
	chatTurnDuration.Observe(duration.Seconds())
}

// RecordAnthropicRequest records one completion call.
func RecordAnthropicRequest(duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	anthropicRequests.WithLabelValues(status).Inc()
	anthropicDuration.Observe(duration.Seconds())
}

// RecordQueryExecution records one approved query execution.
func RecordQueryExecution(duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	queryExecutions.WithLabelValues(status).Inc()
	queryDuration.Observe(duration.Seconds())
}

// RecordCheckpointConflict records a lost compare-and-swap write.
func RecordCheckpointConflict() {
	checkpointConflicts.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP requests with count and duration, labeled by
// the chi route pattern rather than the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
