package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func completionServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{APIKey: "test-key", BaseURL: srv.URL}
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "true"}},
				{"message": map[string]string{"content": "ignored"}},
			},
		})
	})
	out, err := c.Complete(context.Background(), Request{Model: "gpt-4o-mini", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if out != "true" {
		t.Errorf("Complete() = %q, want %q", out, "true")
	}
}

func TestCompleteStatusError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		retryAfter    string
		wantRetryable bool
		wantHint      time.Duration
	}{
		{"rate limited with hint", http.StatusTooManyRequests, "12", true, 12 * time.Second},
		{"server error", http.StatusBadGateway, "", true, 0},
		{"internal error", http.StatusInternalServerError, "", true, 0},
		{"bad request", http.StatusBadRequest, "", false, 0},
		{"unauthorized", http.StatusUnauthorized, "", false, 0},
		{"not found", http.StatusNotFound, "", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			})
			_, err := c.Complete(context.Background(), Request{Model: "m"})
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *StatusError", err)
			}
			if se.Status != tt.status {
				t.Errorf("Status = %d, want %d", se.Status, tt.status)
			}
			if se.Retryable() != tt.wantRetryable {
				t.Errorf("Retryable() = %v, want %v", se.Retryable(), tt.wantRetryable)
			}
			if se.DelayHint() != tt.wantHint {
				t.Errorf("DelayHint() = %v, want %v", se.DelayHint(), tt.wantHint)
			}
		})
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})
	if _, err := c.Complete(context.Background(), Request{Model: "m"}); err == nil {
		t.Error("expected error on empty choices")
	}
}

func TestCompleteTimeout(t *testing.T) {
	c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and can
		// observe the client disconnect; otherwise r.Context() is never
		// canceled and srv.Close deadlocks in cleanup.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})
	c.CallTimeout = 50 * time.Millisecond
	start := time.Now()
	_, err := c.Complete(context.Background(), Request{Model: "m"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}
