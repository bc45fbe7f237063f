package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := newRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !rl.allow("key") {
			t.Fatalf("request %d should be within burst", i)
		}
	}
	if rl.allow("key") {
		t.Error("request beyond burst should be denied")
	}

	// Other keys have independent buckets.
	if !rl.allow("other") {
		t.Error("different key should not be affected")
	}
}

func TestLoginRateLimit_IgnoresClientIPHeader(t *testing.T) {
	rl := newRateLimiter(1, 2)
	handler := loginIPRateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Rotating X-Real-Ip must not reset the bucket; the limiter keys on the
	// transport address alone.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.9:4711"
		req.Header.Set("X-Real-Ip", fmt.Sprintf("10.0.0.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i < 2 && rec.Code != http.StatusOK {
			t.Fatalf("request %d within burst: expected 200, got %d", i, rec.Code)
		}
		if i >= 2 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d beyond burst: expected 429, got %d", i, rec.Code)
		}
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := newRateLimiter(100, 1)

	if !rl.allow("key") {
		t.Fatal("first request should pass")
	}
	if rl.allow("key") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(20 * time.Millisecond)
	if !rl.allow("key") {
		t.Error("bucket should have refilled")
	}
}
