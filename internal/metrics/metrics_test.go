package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/api/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	before := testutil.ToFloat64(httpErrorsTotal.WithLabelValues(http.MethodGet, "/api/events/{id}", "500"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/events/42", nil))
	after := testutil.ToFloat64(httpErrorsTotal.WithLabelValues(http.MethodGet, "/api/events/{id}", "500"))
	if after-before != 1 {
		t.Fatalf("expected one error labelled by pattern, got %v", after-before)
	}
}

func TestSchedulerCounters(t *testing.T) {
	sent := testutil.ToFloat64(remindersTotal.WithLabelValues("sent"))
	skipped := testutil.ToFloat64(schedulerTicks.WithLabelValues("skipped"))

	ReminderSent()
	ObserveTick("skipped", time.Now())

	if got := testutil.ToFloat64(remindersTotal.WithLabelValues("sent")) - sent; got != 1 {
		t.Fatalf("sent counter moved by %v", got)
	}
	if got := testutil.ToFloat64(schedulerTicks.WithLabelValues("skipped")) - skipped; got != 1 {
		t.Fatalf("skipped counter moved by %v", got)
	}
}

func TestRouteFromContext(t *testing.T) {
	if got := routeFromContext(context.Background()); got != "unknown" {
		t.Fatalf("got %q", got)
	}
	if got := routeFromContext(WithRoute(context.Background(), "scheduler")); got != "scheduler" {
		t.Fatalf("got %q", got)
	}
}
