package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/auth"
	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/httputil"
	"github.com/af-corp/meshforge/internal/telemetry"
	"github.com/af-corp/meshforge/internal/types"
)

func intPtr(v int) *int { return &v }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func authedRequest(info *auth.AuthInfo) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	if info != nil {
		req = req.WithContext(auth.ContextWithAuth(req.Context(), info))
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	rec.Header().Set(httputil.HeaderRequestID, "req-1")
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_AllowsRequest(t *testing.T) {
	handler := Middleware(NewLimiter(nil), config.LimitsConfig{DefaultRPM: 10}, nil, zap.NewNop())(okHandler())

	rec := serve(handler, authedRequest(&auth.AuthInfo{KeyID: "key-1", RPMLimit: intPtr(100)}))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerRateLimitRequests); h != "100" {
		t.Errorf("expected X-RateLimit-Limit-Requests=100, got %s", h)
	}
	if h := rec.Header().Get(headerRateLimitRemainingRequests); h == "" {
		t.Error("expected X-RateLimit-Remaining-Requests header")
	}
	if h := rec.Header().Get(headerRateLimitReset); h == "" {
		t.Error("expected X-RateLimit-Reset-Requests header")
	}
}

func TestMiddleware_DefaultRPM(t *testing.T) {
	handler := Middleware(NewLimiter(nil), config.LimitsConfig{DefaultRPM: 7}, nil, zap.NewNop())(okHandler())

	rec := serve(handler, authedRequest(&auth.AuthInfo{KeyID: "key-1"}))

	if h := rec.Header().Get(headerRateLimitRequests); h != "7" {
		t.Errorf("expected default RPM 7, got %s", h)
	}
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	handler := Middleware(NewLimiter(nil), config.LimitsConfig{DefaultRPM: 2}, metrics, zap.NewNop())(okHandler())
	info := &auth.AuthInfo{KeyID: "key-1"}

	for i := 0; i < 2; i++ {
		if rec := serve(handler, authedRequest(info)); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := serve(handler, authedRequest(info))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get(headerRetryAfter) == "" {
		t.Error("expected Retry-After header")
	}
	var body types.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error == "" {
		t.Error("expected error message")
	}
	if got := testutil.ToFloat64(metrics.RateLimitHits.WithLabelValues("rpm")); got != 1 {
		t.Errorf("expected 1 rpm hit, got %v", got)
	}
}

func TestMiddleware_AnonymousLimitedByAddress(t *testing.T) {
	handler := Middleware(NewLimiter(nil), config.LimitsConfig{DefaultRPM: 1}, nil, zap.NewNop())(okHandler())

	first := authedRequest(nil)
	first.RemoteAddr = "10.0.0.1:5000"
	second := authedRequest(nil)
	second.RemoteAddr = "10.0.0.2:5000"
	again := authedRequest(nil)
	again.RemoteAddr = "10.0.0.1:6000"

	if rec := serve(handler, first); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := serve(handler, second); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a different address, got %d", rec.Code)
	}
	if rec := serve(handler, again); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same address, got %d", rec.Code)
	}
}

func TestMiddleware_ZeroRPMDisables(t *testing.T) {
	handler := Middleware(NewLimiter(nil), config.LimitsConfig{}, nil, zap.NewNop())(okHandler())
	for i := 0; i < 20; i++ {
		if rec := serve(handler, authedRequest(nil)); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestQuotaMiddleware_EnforcesKeyLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	handler := QuotaMiddleware(NewGenerationQuota(nil), config.LimitsConfig{DefaultDailyGenerations: 100}, metrics, zap.NewNop())(okHandler())
	info := &auth.AuthInfo{KeyID: "key-1", DailyGenerationLimit: intPtr(2)}

	rec := serve(handler, authedRequest(info))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerQuotaRemaining); h != "1" {
		t.Errorf("expected 1 remaining, got %s", h)
	}
	serve(handler, authedRequest(info))

	rec = serve(handler, authedRequest(info))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(metrics.RateLimitHits.WithLabelValues("daily_generations")); got != 1 {
		t.Errorf("expected 1 quota hit, got %v", got)
	}
}
