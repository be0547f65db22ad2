// Package testutil provides shared test helpers: a TEST_PG_DSN-gated
// database setup and a scripted fake transport session.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/okonma/eventminer/db"
	"github.com/okonma/eventminer/wa"
)

// SetupTestDB creates a test database connection, runs migrations, and
// truncates domain tables. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE events, wa_credentials, kv`); err != nil {
		database.Close()
		t.Fatalf("failed to truncate tables: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// FakeSession is a scripted wa.Session: Connect succeeds or fails per
// ConnectErr, and the scripted events are replayed in order after connect.
type FakeSession struct {
	ConnectErr error
	Scripted   []wa.Event
	GroupList  []wa.GroupInfo
	GroupsErr  error

	events chan wa.Event
	done   chan struct{}
}

// NewFakeSession builds a session that will emit the given events.
func NewFakeSession(events ...wa.Event) *FakeSession {
	return &FakeSession{Scripted: events}
}

func (f *FakeSession) Connect(ctx context.Context) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.events = make(chan wa.Event, len(f.Scripted)+1)
	f.done = make(chan struct{})
	for _, ev := range f.Scripted {
		f.events <- ev
	}
	close(f.events)
	return nil
}

func (f *FakeSession) Disconnect() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *FakeSession) Events() <-chan wa.Event { return f.events }

func (f *FakeSession) Groups(ctx context.Context) ([]wa.GroupInfo, error) {
	if f.GroupsErr != nil {
		return nil, f.GroupsErr
	}
	return f.GroupList, nil
}
