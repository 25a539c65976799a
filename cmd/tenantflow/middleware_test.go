package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/scope"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRecovery_ConvertsPanic(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), Recovery(zap.NewNop()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestID_GeneratesAndPreserves(t *testing.T) {
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}), RequestID())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-fixed")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-fixed", seen)
}

func TestSecurityHeaders(t *testing.T) {
	h := Chain(okHandler(), SecurityHeaders())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestScopeExtractor(t *testing.T) {
	var got scope.Scope
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = scope.Current(r.Context())
	}), ScopeExtractor())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(scope.HeaderTenantID, "tenant-a")
	req.Header.Set(scope.HeaderAgentID, "agent-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "tenant-a", got.Tenant)
	assert.Equal(t, "agent-1", got.Agent)

	// No headers: context stays scope-free.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, got.IsZero())
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/usage/records", "/api/v1/usage/records"},
		{"/api/v1/cache/tenants/tenant-a", "/api/v1/cache/tenants/:tenant"},
		{"/api/v1/things/550e8400-e29b-41d4-a716-446655440000", "/api/v1/things/:id"},
		{"/api/v1/things/12345", "/api/v1/things/:id"},
		{"/api/v1/things", "/api/v1/things"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	collector := metrics.NewCollector("test", prometheus.NewRegistry(), zap.NewNop())

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), MetricsMiddleware(collector))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/usage/current", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestTenantRateLimiter_ThrottlesPerTenant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := Chain(okHandler(), ScopeExtractor(), TenantRateLimiter(ctx, 1, 1, zap.NewNop()))

	send := func(tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/current", nil)
		if tenant != "" {
			req.Header.Set(scope.HeaderTenantID, tenant)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("tenant-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("tenant-a"))

	// A different tenant has its own bucket.
	assert.Equal(t, http.StatusOK, send("tenant-b"))
}
