package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.ObserveStep("building_tx", "ok", 20*time.Millisecond)
	m.ObserveStep("building_tx", "failed", time.Millisecond)
	m.ObserveIdentityAttempt("conflict")
	m.ObserveIdentityAttempt("conflict")
	m.ObserveFinalize("failed_partial")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepRuns.WithLabelValues("building_tx", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.identityAttempts.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finalized.WithLabelValues("failed_partial")))
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.InstrumentHandler)
	r.Get("/v1/launches/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/launches/abc", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/v1/launches/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "launchpad_http_requests_total"))
}
