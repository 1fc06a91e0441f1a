package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calremind_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calremind_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calremind_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calremind_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	schedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calremind_scheduler_ticks_total",
		Help: "Reminder scan ticks by outcome.",
	}, []string{"outcome"})

	remindersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calremind_reminders_total",
		Help: "Reminder notifications by result.",
	}, []string{"result"})

	perpetuatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calremind_occurrences_perpetuated_total",
		Help: "Follow-up occurrences inserted after a recurring reminder was sent.",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calremind_scheduler_tick_duration_seconds",
		Help:    "Duration of reminder scan ticks.",
		Buckets: prometheus.DefBuckets,
	})
)

// Middleware records request count, latency and server errors per route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The pattern is only complete once chi has routed the request.
			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WithRoute labels database work done outside an HTTP request, e.g. by the
// reminder scheduler.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeLabelKey, route)
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveTick records one scheduler tick. Outcome is "ok", "skipped" or "error".
func ObserveTick(outcome string, start time.Time) {
	schedulerTicks.WithLabelValues(outcome).Inc()
	tickDuration.Observe(time.Since(start).Seconds())
}

// ReminderSent counts a delivered notification.
func ReminderSent() { remindersTotal.WithLabelValues("sent").Inc() }

// ReminderFailed counts a notification that could not be rendered or sent.
func ReminderFailed() { remindersTotal.WithLabelValues("failed").Inc() }

// OccurrencePerpetuated counts a follow-up row created for a recurring series.
func OccurrencePerpetuated() { perpetuatedTotal.Inc() }

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
