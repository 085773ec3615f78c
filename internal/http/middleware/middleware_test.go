package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAuthRequiresBearerTokenOnAPIRoutes(t *testing.T) {
	handler := RequestID(Auth("secret")(okHandler))

	cases := []struct {
		path   string
		header string
		want   int
	}{
		{"/healthz", "", http.StatusNoContent},
		{"/v1/jobs", "", http.StatusUnauthorized},
		{"/v1/jobs", "Bearer wrong", http.StatusUnauthorized},
		{"/v1/jobs", "secret", http.StatusUnauthorized},
		{"/v1/jobs", "Bearer secret", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("path=%s header=%q: expected %d, got %d", tc.path, tc.header, tc.want, rec.Code)
		}
	}
}

func TestAuthErrorCarriesRequestID(t *testing.T) {
	handler := RequestID(Auth("secret")(okHandler))
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "unauthorized" || body.RequestID != "req-123" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := NewRateLimiter(ctx, 0.001, 2)
	handler := limiter.Middleware(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence: %v", codes)
	}

	other := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected a separate bucket per client, got %d", rec.Code)
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := NewRateLimiter(ctx, 1, 1)
	now := time.Now()
	limiter.allow("10.0.0.1", now.Add(-10*time.Minute))
	limiter.allow("10.0.0.2", now)

	limiter.evictIdle(now)
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.visitors["10.0.0.1"]; ok {
		t.Fatalf("expected idle visitor to be evicted")
	}
	if _, ok := limiter.visitors["10.0.0.2"]; !ok {
		t.Fatalf("expected recent visitor to stay")
	}
}

func TestRequestIDReplacesOversizedHeader(t *testing.T) {
	handler := RequestID(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", maxRequestIDLength+1))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); len(got) != 36 {
		t.Fatalf("expected a fresh uuid, got %q", got)
	}
}

func TestTraceLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestID(Trace(log.New(&buf, "", 0))(okHandler))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))
	if !strings.Contains(buf.String(), "status=204") || !strings.Contains(buf.String(), "path=/v1/jobs") {
		t.Fatalf("unexpected trace line: %q", buf.String())
	}
}
