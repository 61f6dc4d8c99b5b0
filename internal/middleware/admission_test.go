package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"admission-service/internal/config"
	"admission-service/internal/ratelimit"
)

func newTestLimiter(t *testing.T, policies ...config.PolicyConfig) *ratelimit.Limiter {
	t.Helper()
	if len(policies) == 0 {
		policies = []config.PolicyConfig{
			{Name: "login", Window: time.Minute, MaxRequests: 3, BlockDuration: 15 * time.Minute},
		}
	}
	registry, err := ratelimit.NewRegistry(policies)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	primary := ratelimit.NewMemoryStore(4)
	fallback := ratelimit.NewMemoryStore(4)
	health := ratelimit.NewHealthTracker(primary, time.Second, fallback.Reset, zap.NewNop())
	return ratelimit.NewLimiter(registry, primary, fallback, health, nil, zap.NewNop())
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAdmissionAllowsAndSetsQuotaHeaders(t *testing.T) {
	limiter := newTestLimiter(t)
	handler := Admission(limiter, "login")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	rec := doRequest(handler, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Fatalf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "2" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 2", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("X-RateLimit-Reset header missing")
	}
}

func TestAdmissionDeniesPastQuota(t *testing.T) {
	limiter := newTestLimiter(t)
	handler := Admission(limiter, "login")(okHandler())

	for i := 0; i < 3; i++ {
		doRequest(handler, httptest.NewRequest(http.MethodPost, "/login", nil))
	}

	rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/login", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing on denial")
	}

	var body struct {
		Error             string `json:"error"`
		RetryAfterSeconds int64  `json:"retry_after_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body is not JSON: %v", err)
	}
	if body.Error != "too many requests" {
		t.Fatalf("error = %q", body.Error)
	}
	if body.RetryAfterSeconds < 1 {
		t.Fatalf("retry_after_seconds = %d, want >= 1", body.RetryAfterSeconds)
	}
}

func TestAdmissionUnknownPolicyFailsClosed(t *testing.T) {
	limiter := newTestLimiter(t)
	handler := Admission(limiter, "payments")(okHandler())

	rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/payments", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 for unregistered policy", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "admission policy misconfigured") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestAdmissionKeyByHeaderIsolatesCallers(t *testing.T) {
	limiter := newTestLimiter(t)
	handler := Admission(limiter, "login",
		WithKeyFunc(KeyByHeader("X-User-ID")),
	)(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.Header.Set("X-User-ID", "alice")
		doRequest(handler, req)
	}

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set("X-User-ID", "alice")
	if rec := doRequest(handler, req); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("alice status = %d, want 429", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set("X-User-ID", "bob")
	if rec := doRequest(handler, req); rec.Code != http.StatusOK {
		t.Fatalf("bob status = %d, want 200", rec.Code)
	}
}

func TestAdmissionBypassSkipsCheck(t *testing.T) {
	limiter := newTestLimiter(t)
	handler := Admission(limiter, "login",
		WithBypass(func(r *http.Request) bool {
			return r.Header.Get("X-Internal") == "yes"
		}),
	)(okHandler())

	// Bypassed traffic consumes no quota.
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.Header.Set("X-Internal", "yes")
		if rec := doRequest(handler, req); rec.Code != http.StatusOK {
			t.Fatalf("bypassed request %d status = %d", i+1, rec.Code)
		}
	}

	rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/login", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first counted request status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "2" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 2 (bypass must not consume)", got)
	}
}

func TestAdmissionSkipSuccessfulResetsWindow(t *testing.T) {
	limiter := newTestLimiter(t)
	handler := Admission(limiter, "login",
		WithSkipSuccessfulRequests(),
	)(okHandler())

	// Successful attempts never accumulate.
	for i := 0; i < 10; i++ {
		if rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/login", nil)); rec.Code != http.StatusOK {
			t.Fatalf("successful attempt %d status = %d", i+1, rec.Code)
		}
	}

	failing := Admission(limiter, "login",
		WithSkipSuccessfulRequests(),
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	for i := 0; i < 3; i++ {
		if rec := doRequest(failing, httptest.NewRequest(http.MethodPost, "/login", nil)); rec.Code != http.StatusUnauthorized {
			t.Fatalf("failed attempt %d status = %d", i+1, rec.Code)
		}
	}

	rec := doRequest(failing, httptest.NewRequest(http.MethodPost, "/login", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status after failed attempts = %d, want 429", rec.Code)
	}
}

func TestAdmissionCustomDenialResponse(t *testing.T) {
	limiter := newTestLimiter(t)
	handler := Admission(limiter, "login",
		WithOnLimitExceeded(func(w http.ResponseWriter, r *http.Request, res ratelimit.Result) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
	)(okHandler())

	for i := 0; i < 3; i++ {
		doRequest(handler, httptest.NewRequest(http.MethodPost, "/login", nil))
	}

	rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/login", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want custom 503", rec.Code)
	}
}

func TestAdmissionProgressiveDelayAppliedBeforeDenial(t *testing.T) {
	limiter := newTestLimiter(t, config.PolicyConfig{
		Name: "otp", Window: time.Minute, MaxRequests: 1, ProgressiveDelay: true,
	})
	handler := Admission(limiter, "otp")(okHandler())

	doRequest(handler, httptest.NewRequest(http.MethodPost, "/otp", nil))

	start := time.Now()
	rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/otp", nil))
	elapsed := time.Since(start)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if elapsed < 2*time.Second {
		t.Fatalf("denial written after %v, want the 2s progressive delay applied first", elapsed)
	}
	if got := rec.Header().Get("X-RateLimit-Delay-Applied-Ms"); got != "2000" {
		t.Fatalf("X-RateLimit-Delay-Applied-Ms = %q, want 2000", got)
	}
}

func TestAdmissionDelayAbandonedOnCancelledRequest(t *testing.T) {
	limiter := newTestLimiter(t, config.PolicyConfig{
		Name: "otp", Window: time.Minute, MaxRequests: 1, ProgressiveDelay: true,
	})
	handler := Admission(limiter, "otp")(okHandler())

	doRequest(handler, httptest.NewRequest(http.MethodPost, "/otp", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/otp", nil).WithContext(ctx)

	start := time.Now()
	rec := doRequest(handler, req)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("abandoned wait took %v, want immediate return", elapsed)
	}
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("denial body written to a caller that gave up")
	}
}

func TestAdmissionWithoutDelaySkipsWait(t *testing.T) {
	limiter := newTestLimiter(t, config.PolicyConfig{
		Name: "otp", Window: time.Minute, MaxRequests: 1, ProgressiveDelay: true,
	})
	handler := Admission(limiter, "otp", WithoutDelay())(okHandler())

	doRequest(handler, httptest.NewRequest(http.MethodPost, "/otp", nil))

	start := time.Now()
	rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/otp", nil))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("denial took %v with delay disabled", elapsed)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}
