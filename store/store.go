// Package store persists extracted events in Postgres. Idempotency is the
// database's job: slug and the external message id are independent unique
// keys, and a violation of either is reported as a duplicate outcome, not
// a storage error. Racing saves for the same message resolve here, never
// in application locks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gosimple/slug"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/okonma/eventminer/extract"
)

// ErrNotFound is the typed not-found outcome for lookups and deletes.
var ErrNotFound = errors.New("store: event not found")

// UniqueKey names which unique constraint a duplicate collided on.
type UniqueKey string

const (
	KeySlug      UniqueKey = "slug"
	KeyMessageID UniqueKey = "wa_message_id"
	KeyUnknown   UniqueKey = "unknown"
)

// DuplicateError reports an insert resolved as a duplicate. Expected
// outcome under concurrent submission; logged at debug, never retried.
type DuplicateError struct {
	Key   UniqueKey
	Value string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate record on %s=%q", e.Key, e.Value)
}

// StoredEvent is an events row as exposed to callers: timestamps are
// ISO-8601 strings even though the disk format is epoch seconds.
type StoredEvent struct {
	ID          int64           `json:"id"`
	Slug        string          `json:"slug"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Organizer   string          `json:"organizer"`
	StartAt     string          `json:"startAt"`
	EndAt       *string         `json:"endAt"`
	Location    extract.Location `json:"location"`
	MessageBody string          `json:"messageBody"`
	WAMessageID string          `json:"whatsappMessageId"`
	WAGroupJID  string          `json:"whatsappGroupJid"`
	WASenderJID string          `json:"whatsappSenderJid"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt"`
}

// SaveInput carries an extracted event plus the provenance of its source
// message.
type SaveInput struct {
	Event       *extract.Event
	MessageBody string
	WAMessageID string
	WAGroupJID  string
	WASenderJID string
}

// Store is the single-table event persistence layer.
type Store struct {
	DB *sql.DB
	// Now is swapped in tests; defaults to time.Now.
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SaveEvent derives the slug from the event title and inserts a new row.
// A uniqueness violation on either key returns *DuplicateError; rows are
// never updated in place.
func (s *Store) SaveEvent(ctx context.Context, in SaveInput) (*StoredEvent, error) {
	if in.Event == nil {
		return nil, fmt.Errorf("save event: nil event")
	}
	if in.WAMessageID == "" {
		return nil, fmt.Errorf("save event: empty message id")
	}
	eventSlug := slug.Make(in.Event.Title)
	nowSec := s.now().Unix()
	var id int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO events
		(slug, title, description, organizer, start_at, end_at, location_type, full_address,
		 message_body, wa_message_id, wa_group_jid, wa_sender_jid, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		RETURNING id`,
		eventSlug, in.Event.Title, in.Event.Description, in.Event.Organizer,
		in.Event.StartAt, in.Event.EndAt, string(in.Event.Location.Type), in.Event.Location.FullAddress,
		in.MessageBody, in.WAMessageID, in.WAGroupJID, in.WASenderJID, nowSec).Scan(&id)
	if err != nil {
		if dup := classifyDuplicate(err, eventSlug, in.WAMessageID); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	iso := time.Unix(nowSec, 0).UTC().Format(time.RFC3339)
	return &StoredEvent{
		ID:          id,
		Slug:        eventSlug,
		Title:       in.Event.Title,
		Description: in.Event.Description,
		Organizer:   in.Event.Organizer,
		StartAt:     in.Event.StartAt,
		EndAt:       in.Event.EndAt,
		Location:    in.Event.Location,
		MessageBody: in.MessageBody,
		WAMessageID: in.WAMessageID,
		WAGroupJID:  in.WAGroupJID,
		WASenderJID: in.WASenderJID,
		CreatedAt:   iso,
		UpdatedAt:   iso,
	}, nil
}

// classifyDuplicate maps a 23505 unique violation to the key it collided
// on. Both keys are independently authoritative.
func classifyDuplicate(err error, slugVal, msgID string) *DuplicateError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	switch pgErr.ConstraintName {
	case "events_slug_key":
		return &DuplicateError{Key: KeySlug, Value: slugVal}
	case "events_wa_message_id_key":
		return &DuplicateError{Key: KeyMessageID, Value: msgID}
	default:
		return &DuplicateError{Key: KeyUnknown, Value: msgID}
	}
}

const selectColumns = `id, slug, title, description, organizer, start_at, end_at,
	location_type, full_address, message_body, wa_message_id, wa_group_jid, wa_sender_jid,
	created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*StoredEvent, error) {
	var ev StoredEvent
	var locType string
	var createdSec, updatedSec int64
	err := row.Scan(&ev.ID, &ev.Slug, &ev.Title, &ev.Description, &ev.Organizer,
		&ev.StartAt, &ev.EndAt, &locType, &ev.Location.FullAddress, &ev.MessageBody,
		&ev.WAMessageID, &ev.WAGroupJID, &ev.WASenderJID, &createdSec, &updatedSec)
	if err != nil {
		return nil, err
	}
	ev.Location.Type = extract.LocationType(locType)
	ev.CreatedAt = time.Unix(createdSec, 0).UTC().Format(time.RFC3339)
	ev.UpdatedAt = time.Unix(updatedSec, 0).UTC().Format(time.RFC3339)
	return &ev, nil
}

// FindBySlug returns the event with the given slug, or ErrNotFound.
func (s *Store) FindBySlug(ctx context.Context, slugVal string) (*StoredEvent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM events WHERE slug=$1`, slugVal)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by slug: %w", err)
	}
	return ev, nil
}

// FindByMessageID returns the event stored for the given external message
// id, or ErrNotFound.
func (s *Store) FindByMessageID(ctx context.Context, msgID string) (*StoredEvent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM events WHERE wa_message_id=$1`, msgID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by message id: %w", err)
	}
	return ev, nil
}

// ListAll returns every stored event ordered ascending by start time.
func (s *Store) ListAll(ctx context.Context) ([]*StoredEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+selectColumns+` FROM events ORDER BY start_at::timestamptz ASC`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []*StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteBySlug removes the event with the given slug; ErrNotFound when no
// row was affected.
func (s *Store) DeleteBySlug(ctx context.Context, slugVal string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM events WHERE slug=$1`, slugVal)
	if err != nil {
		return fmt.Errorf("delete by slug: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete by slug: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
