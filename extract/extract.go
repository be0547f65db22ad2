// Package extract runs the two-stage LLM pipeline over admitted messages:
// a cheap binary classification, then a structured extraction. Both stages
// share the bounded retry policy; every failure drops the single message
// and never the connection or the process.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okonma/eventminer/llm"
	"github.com/okonma/eventminer/retry"
	"github.com/okonma/eventminer/telemetry"
)

// LocationType is where the event happens.
type LocationType string

const (
	LocationInPerson LocationType = "IN-PERSON"
	LocationOnline   LocationType = "ONLINE"
)

// Location describes the event venue.
type Location struct {
	Type        LocationType `json:"type"`
	FullAddress *string      `json:"fullAddress"`
}

// Event is the structured record a successful extraction produces. Never
// mutated after creation; the store derives the slug from the title.
type Event struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Organizer   string   `json:"organizer"`
	StartAt     string   `json:"startAt"` // ISO-8601 with offset
	EndAt       *string  `json:"endAt"`
	Location    Location `json:"location"`
}

// SchemaError marks a response body that does not match the declared
// schema. Terminal for the call regardless of HTTP status; never retried.
type SchemaError struct {
	Stage  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s response schema: %s", e.Stage, e.Reason)
}

// retryable restricts retries to the transport's retryable-status set.
// Schema failures, timeouts, and client errors fail on first sight.
func retryable(err error) bool {
	var se *llm.StatusError
	return errors.As(err, &se) && se.Retryable()
}

// Pipeline holds the collaborators for both stages.
type Pipeline struct {
	Client      *llm.Client
	Model       string
	MaxAttempts int
	BaseDelay   time.Duration
	DefaultTZ   *time.Location
	Now         func() time.Time
}

func (p *Pipeline) policy() retry.Policy {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	base := p.BaseDelay
	if base == 0 {
		base = time.Second
	}
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   base,
		Multiplier:  2,
		Retryable:   retryable,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) tz() *time.Location {
	if p.DefaultTZ != nil {
		return p.DefaultTZ
	}
	return time.UTC
}

const classifySystemPrompt = `You decide whether a chat message describes a scheduled event ` +
	`(a gathering, meeting, party, show, class, or similar happening at some ` +
	`date or time). Answer with a single JSON boolean: true or false. No ` +
	`other output.`

// Classify asks the model the binary question. Empty or blank text
// short-circuits to false without any call. A non-binary answer is a
// schema failure.
func (p *Pipeline) Classify(ctx context.Context, text string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	var answer string
	err := p.policy().Do(ctx, func(ctx context.Context) error {
		var cerr error
		telemetry.TimeFunc(telemetry.ClassifyDuration, func() {
			answer, cerr = p.Client.Complete(ctx, llm.Request{
				Model:       p.Model,
				Temperature: 0,
				MaxTokens:   8,
				Messages: []llm.Message{
					{Role: "system", Content: classifySystemPrompt},
					{Role: "user", Content: text},
				},
			})
		})
		return cerr
	})
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(answer) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &SchemaError{Stage: "classify", Reason: fmt.Sprintf("non-binary answer %q", answer)}
}

const extractSystemPrompt = `You extract structured event data from a chat message. Respond with one ` +
	`JSON object, no prose, with exactly these keys:
  "title": short event title (string)
  "description": one-sentence summary (string)
  "organizer": who is organizing, or the empty string (string)
  "startAt": event start as ISO-8601 with UTC offset (string)
  "endAt": event end in the same format, or null
  "location": {"type": "IN-PERSON" or "ONLINE", "fullAddress": string or null}
Resolve relative dates ("tomorrow", "next Friday") against the current ` +
	`date given below, in the given time zone.`

// Extract asks the model for the structured record. Invoked only after a
// positive classification.
func (p *Pipeline) Extract(ctx context.Context, text string) (*Event, error) {
	now := p.now().In(p.tz())
	user := fmt.Sprintf("Current date: %s (time zone %s)\n\nMessage:\n%s",
		now.Format("Monday, 2006-01-02 15:04 -07:00"), p.tz().String(), text)
	var raw string
	err := p.policy().Do(ctx, func(ctx context.Context) error {
		var cerr error
		telemetry.TimeFunc(telemetry.ExtractDuration, func() {
			raw, cerr = p.Client.Complete(ctx, llm.Request{
				Model:          p.Model,
				Temperature:    0,
				MaxTokens:      1024,
				ResponseFormat: llm.JSONObject,
				Messages: []llm.Message{
					{Role: "system", Content: extractSystemPrompt},
					{Role: "user", Content: user},
				},
			})
		})
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return parseEvent(raw)
}

// parseEvent decodes and validates the model output strictly: unknown
// fields, missing required fields, or an unparseable timestamp are all
// schema failures.
func parseEvent(raw string) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return nil, &SchemaError{Stage: "extract", Reason: err.Error()}
	}
	if ev.Title == "" {
		return nil, &SchemaError{Stage: "extract", Reason: "empty title"}
	}
	if _, err := time.Parse(time.RFC3339, ev.StartAt); err != nil {
		return nil, &SchemaError{Stage: "extract", Reason: fmt.Sprintf("startAt %q not ISO-8601", ev.StartAt)}
	}
	if ev.EndAt != nil {
		if _, err := time.Parse(time.RFC3339, *ev.EndAt); err != nil {
			return nil, &SchemaError{Stage: "extract", Reason: fmt.Sprintf("endAt %q not ISO-8601", *ev.EndAt)}
		}
	}
	switch ev.Location.Type {
	case LocationInPerson, LocationOnline:
	default:
		return nil, &SchemaError{Stage: "extract", Reason: fmt.Sprintf("location type %q", ev.Location.Type)}
	}
	return &ev, nil
}

// Run executes both stages. ok=false with a nil error means the message
// was classified as not an event and stage 2 was skipped.
func (p *Pipeline) Run(ctx context.Context, text string) (*Event, bool, error) {
	isEvent, err := p.Classify(ctx, text)
	if err != nil {
		telemetry.ClassifyFailed.Inc()
		return nil, false, fmt.Errorf("classify: %w", err)
	}
	if !isEvent {
		telemetry.ClassifiedNonEvents.Inc()
		return nil, false, nil
	}
	telemetry.ClassifiedEvents.Inc()
	ev, err := p.Extract(ctx, text)
	if err != nil {
		telemetry.ExtractionsFailed.Inc()
		return nil, false, fmt.Errorf("extract: %w", err)
	}
	telemetry.ExtractionsSucceeded.Inc()
	return ev, true, nil
}
