package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/mw-test/{id}", func(w http.ResponseWriter, _ *http.Request) {
		assert.InDelta(t, 1, testutil.ToFloat64(httpInFlight), 0)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/mw-test/implicit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	beforeNoContent := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "204"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mw-test/"+id, nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mw-test/implicit", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.InDelta(t, beforeNoContent+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "204")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(httpRequestDurationSeconds), "both ids share the route pattern series")
	assert.InDelta(t, 0, testutil.ToFloat64(httpInFlight), 0)
}

func TestRoutePatternOutsideRouter(t *testing.T) {
	assert.Equal(t, "unmatched", routePattern(httptest.NewRequest(http.MethodGet, "/", nil)))
}
