package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/calremind/internal/auth"
	"github.com/jw6ventures/calremind/internal/config"
	"github.com/jw6ventures/calremind/internal/events"
	"github.com/jw6ventures/calremind/internal/http/ratelimit"
	"github.com/jw6ventures/calremind/internal/metrics"
)

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter wires the health, metrics and event API routes. The returned
// limiter must be swept by the caller (see ratelimit.IPRateLimiter.Run).
func NewRouter(cfg *config.Config, health HealthChecker, svc *events.Service, authService *auth.Service) (http.Handler, *ratelimit.IPRateLimiter) {
	r := chi.NewRouter()

	// API: 20 requests per second, burst of 50
	apiRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := health.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	h := NewHandler(svc, authService, feedDomain(cfg.BaseURL))

	r.Route("/api", func(r chi.Router) {
		r.Use(apiRateLimiter.Middleware())
		r.Use(authService.RequireBasicAuth)

		r.Get("/events", h.ListEvents)
		r.Post("/events", h.CreateEvent)
		r.Get("/events/{id}", h.GetEvent)
		r.Put("/events/{id}", h.UpdateEvent)
		r.Delete("/events/{id}", h.DeleteEvent)
		r.Post("/events/{id}/move-occurrence", h.MoveOccurrence)
		r.Post("/events/{id}/move-date", h.MoveEventDate)

		r.Get("/calendar", h.Calendar)
		r.Get("/calendar.ics", h.CalendarFeed)
		r.Get("/stats/events-per-day", h.EventsPerDay)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/events", h.AdminListEvents)
			r.Post("/users", h.AdminCreateUser)
		})
	})

	return r, apiRateLimiter
}
