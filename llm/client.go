// Package llm contains a minimal client for an OpenAI-compatible chat
// completions endpoint. It exposes raw status codes and the Retry-After
// hint so callers can apply the shared retry policy; it does not retry on
// its own.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Message is one role-tagged entry in the prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single completion call.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat, when set to JSONObject, forces structured output.
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat selects the completion output mode.
type ResponseFormat struct {
	Type string `json:"type"`
}

// JSONObject forces the model to emit a single JSON object.
var JSONObject = &ResponseFormat{Type: "json_object"}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StatusError reports a non-2xx response. RetryAfter carries the server's
// rate-limit hint when present.
type StatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: status %d: %s", e.Status, e.Body)
}

// DelayHint implements retry.DelayHinter.
func (e *StatusError) DelayHint() time.Duration { return e.RetryAfter }

// Retryable reports whether the status is in the retryable set: rate
// limiting and server-side 5xx. Everything else fails on first sight.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client calls the completions endpoint with a fixed API key and per-call
// timeout. A nil HTTPClient falls back to http.DefaultClient.
type Client struct {
	APIKey      string
	BaseURL     string
	CallTimeout time.Duration
	HTTPClient  *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

// Complete performs one request and returns the first choice's message
// text. The configured call timeout bounds the whole round trip; exceeding
// it surfaces as a context deadline error.
func (c *Client) Complete(ctx context.Context, reqBody Request) (string, error) {
	if c.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CallTimeout)
		defer cancel()
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{
			Status:     resp.StatusCode,
			Body:       string(bytes.TrimSpace(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	var body completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(body.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return body.Choices[0].Message.Content, nil
}

// parseRetryAfter handles the delta-seconds form; the HTTP-date form is
// rare enough on this endpoint to ignore.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
