package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okonma/eventminer/llm"
	"github.com/okonma/eventminer/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

// scriptedLLM serves canned completion contents in order, recording how
// many calls arrived.
type scriptedLLM struct {
	srv     *httptest.Server
	calls   atomic.Int64
	replies []reply
}

type reply struct {
	status  int
	content string
}

func newScriptedLLM(t *testing.T, replies ...reply) *scriptedLLM {
	t.Helper()
	s := &scriptedLLM{replies: replies}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.calls.Add(1)) - 1
		rep := reply{status: http.StatusOK, content: "false"}
		if n < len(s.replies) {
			rep = s.replies[n]
		}
		if rep.status != http.StatusOK {
			w.WriteHeader(rep.status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": rep.content}}},
		})
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scriptedLLM) pipeline() *Pipeline {
	return &Pipeline{
		Client:      &llm.Client{APIKey: "k", BaseURL: s.srv.URL},
		Model:       "gpt-4o-mini",
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}
}

func TestClassifyBlankShortCircuits(t *testing.T) {
	s := newScriptedLLM(t)
	for _, text := range []string{"", "   ", "\n\t"} {
		got, err := s.pipeline().Classify(context.Background(), text)
		if err != nil {
			t.Fatalf("Classify(%q) error: %v", text, err)
		}
		if got {
			t.Errorf("Classify(%q) = true, want false", text)
		}
	}
	if n := s.calls.Load(); n != 0 {
		t.Errorf("LLM calls = %d, want 0 for blank input", n)
	}
}

func TestClassifyParsesBinaryAnswer(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"true", true},
		{"false", false},
		{" true\n", true},
	}
	for _, tt := range tests {
		s := newScriptedLLM(t, reply{http.StatusOK, tt.content})
		got, err := s.pipeline().Classify(context.Background(), "party friday 8pm")
		if err != nil {
			t.Fatalf("Classify() error for %q: %v", tt.content, err)
		}
		if got != tt.want {
			t.Errorf("Classify() = %v for %q, want %v", got, tt.content, tt.want)
		}
	}
}

func TestClassifyNonBinaryIsSchemaError(t *testing.T) {
	for _, content := range []string{"yes", "maybe", `{"answer": true}`, "True"} {
		s := newScriptedLLM(t, reply{http.StatusOK, content})
		_, err := s.pipeline().Classify(context.Background(), "some text")
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Errorf("Classify() error = %v for %q, want *SchemaError", err, content)
		}
	}
}

func TestClassifyRetriesRetryableStatuses(t *testing.T) {
	s := newScriptedLLM(t,
		reply{status: http.StatusTooManyRequests},
		reply{status: http.StatusInternalServerError},
		reply{http.StatusOK, "true"},
	)
	got, err := s.pipeline().Classify(context.Background(), "show tomorrow")
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if !got {
		t.Error("Classify() = false, want true after retries")
	}
	if n := s.calls.Load(); n != 3 {
		t.Errorf("LLM calls = %d, want 3", n)
	}
}

func TestClassifyNonRetryableFailsFirstAttempt(t *testing.T) {
	s := newScriptedLLM(t, reply{status: http.StatusBadRequest})
	_, err := s.pipeline().Classify(context.Background(), "text")
	var se *llm.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Fatalf("error = %v, want 400 StatusError", err)
	}
	if n := s.calls.Load(); n != 1 {
		t.Errorf("LLM calls = %d, want 1 (no retry)", n)
	}
}

const validEventJSON = `{
	"title": "Forró na Praça",
	"description": "Open-air forró night with live trio.",
	"organizer": "Coletivo Forrozeiro",
	"startAt": "2025-03-07T20:00:00-03:00",
	"endAt": null,
	"location": {"type": "IN-PERSON", "fullAddress": "Praça da República, São Paulo"}
}`

func TestExtractValidEvent(t *testing.T) {
	s := newScriptedLLM(t, reply{http.StatusOK, "true"}, reply{http.StatusOK, validEventJSON})
	p := s.pipeline()
	ev, ok, err := p.Run(context.Background(), "forró sexta 20h na praça")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !ok {
		t.Fatal("Run() ok = false, want true")
	}
	if ev.Title != "Forró na Praça" {
		t.Errorf("Title = %q", ev.Title)
	}
	if ev.Location.Type != LocationInPerson {
		t.Errorf("Location.Type = %q", ev.Location.Type)
	}
	if ev.EndAt != nil {
		t.Errorf("EndAt = %v, want nil", *ev.EndAt)
	}
}

func TestExtractSchemaFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "sure, here is the event: party friday"},
		{"unknown field", `{"title":"x","description":"d","organizer":"o","startAt":"2025-03-07T20:00:00-03:00","endAt":null,"location":{"type":"ONLINE","fullAddress":null},"extra":1}`},
		{"empty title", `{"title":"","description":"d","organizer":"o","startAt":"2025-03-07T20:00:00-03:00","endAt":null,"location":{"type":"ONLINE","fullAddress":null}}`},
		{"bad startAt", `{"title":"x","description":"d","organizer":"o","startAt":"next friday","endAt":null,"location":{"type":"ONLINE","fullAddress":null}}`},
		{"bad endAt", `{"title":"x","description":"d","organizer":"o","startAt":"2025-03-07T20:00:00-03:00","endAt":"later","location":{"type":"ONLINE","fullAddress":null}}`},
		{"bad location type", `{"title":"x","description":"d","organizer":"o","startAt":"2025-03-07T20:00:00-03:00","endAt":null,"location":{"type":"HYBRID","fullAddress":null}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScriptedLLM(t, reply{http.StatusOK, tt.content})
			_, err := s.pipeline().Extract(context.Background(), "text")
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Errorf("Extract() error = %v, want *SchemaError", err)
			}
			if n := s.calls.Load(); n != 1 {
				t.Errorf("LLM calls = %d, want 1 (schema failure not retried)", n)
			}
		})
	}
}

func TestRunNotAnEventSkipsExtraction(t *testing.T) {
	s := newScriptedLLM(t, reply{http.StatusOK, "false"})
	ev, ok, err := s.pipeline().Run(context.Background(), "lol nice meme")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if ok || ev != nil {
		t.Errorf("Run() = (%v, %v), want (nil, false)", ev, ok)
	}
	if n := s.calls.Load(); n != 1 {
		t.Errorf("LLM calls = %d, want 1 (no extraction call)", n)
	}
}

func TestRunEmptyTextMakesNoCalls(t *testing.T) {
	s := newScriptedLLM(t)
	ev, ok, err := s.pipeline().Run(context.Background(), "")
	if err != nil || ok || ev != nil {
		t.Fatalf("Run(\"\") = (%v, %v, %v), want (nil, false, nil)", ev, ok, err)
	}
	if n := s.calls.Load(); n != 0 {
		t.Errorf("LLM calls = %d, want 0", n)
	}
}

func TestExtractPromptCarriesCurrentDate(t *testing.T) {
	var captured llm.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": validEventJSON}}},
		})
	}))
	defer srv.Close()
	tz, _ := time.LoadLocation("America/Sao_Paulo")
	p := &Pipeline{
		Client:    &llm.Client{APIKey: "k", BaseURL: srv.URL},
		Model:     "m",
		DefaultTZ: tz,
		Now:       func() time.Time { return time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC) },
	}
	if _, err := p.Extract(context.Background(), "sexta 20h"); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.Type != "json_object" {
		t.Error("extraction request missing json_object response format")
	}
	user := captured.Messages[len(captured.Messages)-1].Content
	if want := "2025-03-05"; !strings.Contains(user, want) {
		t.Errorf("prompt %q missing current date %q", user, want)
	}
	if !strings.Contains(user, "America/Sao_Paulo") {
		t.Errorf("prompt %q missing time zone", user)
	}
}
