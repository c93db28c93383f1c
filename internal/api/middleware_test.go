package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		cfg            CORSConfig
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{"no origin", DefaultCORSConfig(), "GET", "", http.StatusOK, false},
		{"with origin", DefaultCORSConfig(), "GET", "http://localhost:3000", http.StatusOK, true},
		{"preflight", DefaultCORSConfig(), "OPTIONS", "http://localhost:3000", http.StatusNoContent, true},
		{"disabled", CORSConfig{}, "GET", "http://localhost:3000", http.StatusOK, false},
		{"disabled preflight passes through", CORSConfig{}, "OPTIONS", "http://localhost:3000", http.StatusOK, false},
		{"listed origin", CORSConfig{AllowedOrigins: []string{"app://shell"}}, "GET", "app://shell", http.StatusOK, true},
		{"unlisted origin", CORSConfig{AllowedOrigins: []string{"app://shell"}}, "GET", "http://evil.example", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/accounts", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			CORSMiddleware(tt.cfg)(okHandler()).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			got := w.Header().Get("Access-Control-Allow-Origin")
			if tt.wantCORSHeader && got != tt.origin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.origin)
			}
			if !tt.wantCORSHeader && got != "" {
				t.Errorf("unexpected CORS header: %s", got)
			}
		})
	}
}

func TestCORSPreflightHeaders(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/api/v1/accounts", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()

	CORSMiddleware(DefaultCORSConfig())(okHandler()).ServeHTTP(w, req)

	for _, h := range []string{
		"Access-Control-Allow-Methods",
		"Access-Control-Allow-Headers",
		"Access-Control-Max-Age",
	} {
		if w.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, 2)
	defer rl.Close()

	if !rl.Allow("127.0.0.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("127.0.0.1") {
		t.Error("second request should be allowed (burst)")
	}
	if rl.Allow("127.0.0.1") {
		t.Error("third request should be rate limited")
	}
	if !rl.Allow("192.168.1.1") {
		t.Error("different IP should be allowed")
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("10.0.0.1")
	now = now.Add(5 * time.Minute)
	rl.Allow("10.0.0.2")
	now = now.Add(6 * time.Minute)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.limiters["10.0.0.1"]; ok {
		t.Error("idle limiter was kept")
	}
	if _, ok := rl.limiters["10.0.0.2"]; !ok {
		t.Error("recent limiter was evicted")
	}
}

func TestRateLimiterCloseConcurrent(t *testing.T) {
	rl := NewRateLimiter(10, 10)

	const n = 50
	start := make(chan struct{})
	done := make(chan struct{}, n)
	for range n {
		go func() {
			<-start
			rl.Close()
			done <- struct{}{}
		}()
	}
	close(start)
	for range n {
		<-done
	}
}

func TestRateLimitMiddlewareIgnoresPort(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()
	handler := RateLimitMiddleware(rl)(okHandler())

	req1 := httptest.NewRequest("GET", "/test", nil)
	req1.RemoteAddr = "127.0.0.1:1234"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Errorf("first request status = %d, want %d", w1.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "127.0.0.1:5678"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request from a new port status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on rate limited response")
	}
}
