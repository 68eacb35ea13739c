package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("codes = %v, first two must pass", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, third must be 429", codes)
	}
}

func TestRateLimiter_LimitsPerIP(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodPost, "/", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, first)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}

	other := httptest.NewRequest(http.MethodPost, "/", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: another address has its own budget", w.Code)
	}
}

func TestRateLimiter_EvictsStaleVisitors(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 1)

	rl.getLimiter("10.0.0.1")
	rl.getLimiter("10.0.0.2")

	// Второй клиент давно не появлялся, окно чистки наступило
	stale := time.Now().Add(-2 * visitorTTL)
	rl.mu.Lock()
	rl.visitors["10.0.0.2"].lastSeen = stale
	rl.lastSweep = stale
	rl.mu.Unlock()

	rl.getLimiter("10.0.0.1")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["10.0.0.2"]; ok {
		t.Fatalf("stale visitor must be evicted")
	}
	if _, ok := rl.visitors["10.0.0.1"]; !ok {
		t.Fatalf("active visitor must be kept")
	}
}
