package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/longform/internal/failure"
)

func TestOpenRouterClientGenerateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found"}`))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"openai/gpt-4.1-mini",
			"choices":[{"message":{"role":"assistant","content":"The harbor was quiet before dawn."}}],
			"usage":{"prompt_tokens":123,"completion_tokens":22,"total_tokens":145}
		}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient(OpenRouterClientConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 2 * time.Second,
		AppName: "Longform Test",
	})

	result, err := client.Generate(context.Background(), GenerateRequest{
		Model:           "openai/gpt-4.1-mini",
		Instructions:    "Write prose",
		Input:           "test prompt",
		Temperature:     0.2,
		MaxOutputTokens: 500,
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if result.Text == "" {
		t.Fatalf("expected non-empty text")
	}
	if result.Usage.TotalTokens != 145 {
		t.Fatalf("expected total tokens 145, got %d", result.Usage.TotalTokens)
	}
}

func TestOpenRouterClientRateLimitIsTransientAndNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient(OpenRouterClientConfig{APIKey: "test-key", BaseURL: server.URL, Timeout: 2 * time.Second})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "m", Input: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if kind := failure.KindOf(err); kind != failure.KindTransient {
		t.Fatalf("expected transient kind, got %s", kind)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one call, got %d", got)
	}
}

func TestOpenRouterClientClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad model"}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient(OpenRouterClientConfig{APIKey: "test-key", BaseURL: server.URL, Timeout: 2 * time.Second})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "m", Input: "test"})
	if kind := failure.KindOf(err); kind != failure.KindPermanent {
		t.Fatalf("expected permanent kind, got %s (%v)", kind, err)
	}
}

func TestOpenRouterClientParsesArrayContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"openai/gpt-4.1-mini",
			"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"line 1"},{"type":"text","text":"line 2"}]}}],
			"usage":{"prompt_tokens":5,"completion_tokens":5,"total_tokens":10}
		}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient(OpenRouterClientConfig{APIKey: "test-key", BaseURL: server.URL, Timeout: 2 * time.Second})
	result, err := client.Generate(context.Background(), GenerateRequest{Model: "openai/gpt-4.1-mini", Input: "test"})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if got := result.Text; got != "line 1\nline 2" {
		t.Fatalf("unexpected parsed text: %q", got)
	}
}

func TestOpenRouterClientUnavailableWithoutKey(t *testing.T) {
	client := NewOpenRouterClient(OpenRouterClientConfig{APIKey: ""})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "openai/gpt-4.1-mini", Input: "test"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestOpenRouterClientSendsOptionalHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("HTTP-Referer"); got != "https://example.com" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"unexpected referer %q"}`, got)))
			return
		}
		if got := r.Header.Get("X-Title"); got != "Longform" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"unexpected title %q"}`, got)))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"openai/gpt-4.1-mini",
			"choices":[{"message":{"role":"assistant","content":"ok"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
		}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient(OpenRouterClientConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 2 * time.Second,
		SiteURL: "https://example.com",
	})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "openai/gpt-4.1-mini", Input: "test"})
	if err != nil {
		t.Fatalf("expected success with optional headers, got err=%v", err)
	}
}

func TestOpenRouterClientRequestsJSONObject(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"{\"ok\":true}"}]}}]}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient(OpenRouterClientConfig{APIKey: "k", BaseURL: server.URL})
	result, err := client.Generate(context.Background(), GenerateRequest{
		Model:        "planner",
		Instructions: "Return JSON",
		Input:        "outline",
		JSONOutput:   true,
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("expected json_object response format, got %+v", got.ResponseFormat)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("expected system and user messages, got %+v", got.Messages)
	}
	if result.Text != `{"ok":true}` {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.ModelID != "planner" {
		t.Fatalf("expected requested model as fallback id, got %q", result.ModelID)
	}
}
