package supervise

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-go-golems/svcship/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWithRequestID(t *testing.T) {
	var seen string
	h := withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, seen, 36)
	require.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "rid-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "rid-123", seen)
	require.Equal(t, "rid-123", rec.Header().Get(HeaderRequestID))
}

func TestWithSecret(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		require.Empty(t, r.Header.Get(HeaderAPIKey))
		_, _ = io.WriteString(w, "app")
	})
	h := withSecret("s3cr3t", app)

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"basic auth", "Authorization", "Basic czNjcjN0", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer s3cr3t", http.StatusOK},
		{"api key", HeaderAPIKey, "s3cr3t", http.StatusOK},
		{"api key prefix", HeaderAPIKey, "s3cr3", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}

	// disabled when the key is empty
	require.NotNil(t, withSecret("", app))
	rec := httptest.NewRecorder()
	withSecret("", app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_SecretDoesNotGuardHealth(t *testing.T) {
	cfg := testConfig()
	cfg.SecretKey = "s3cr3t"
	cfg.Features.AccessLog = true
	s := New(cfg, Options{App: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "app")
	})})
	s.ln = newSharedListener(nil)
	s.phase.Store(int32(Ready))
	h := s.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "app", rec.Body.String())
}

func TestLiveness_FollowsPhase(t *testing.T) {
	s := New(testConfig(), Options{})
	h := s.liveness(nil)

	for phase, want := range map[Phase]int{
		Starting: http.StatusServiceUnavailable,
		Ready:    http.StatusOK,
		Draining: http.StatusServiceUnavailable,
		Stopped:  http.StatusServiceUnavailable,
	} {
		s.phase.Store(int32(phase))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, want, rec.Code, phase.String())
	}
}

func TestLiveness_UpstreamOnlyWhenConfigured(t *testing.T) {
	s := New(testConfig(), Options{})
	s.phase.Store(int32(Ready))
	down := ReadinessCheck{Name: "upstream", Check: func(context.Context) error { return errors.New("refused") }}

	rec := httptest.NewRecorder()
	s.liveness(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.liveness(&down).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadiness_ReportsFailingChecks(t *testing.T) {
	s := New(config.Defaults(), Options{})
	s.phase.Store(int32(Ready))
	h := s.readiness([]ReadinessCheck{
		{Name: "cache", Check: func(context.Context) error { return nil }},
		{Name: "upstream", Check: func(context.Context) error { return errors.New("connection refused") }},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"not_ready"`)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestRoutePattern(t *testing.T) {
	require.Equal(t, "GET /{$}", routePattern(http.MethodGet, "/"))
	require.Equal(t, "GET /health/{$}", routePattern(http.MethodGet, "/health/"))
	require.Equal(t, "GET /healthz", routePattern(http.MethodGet, "/healthz"))
}
