package conn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okonma/eventminer/telemetry"
	"github.com/okonma/eventminer/testutil"
	"github.com/okonma/eventminer/wa"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

func sessionFactory(sessions ...*testutil.FakeSession) (wa.SessionFactory, *atomic.Int64) {
	var calls atomic.Int64
	return func(ctx context.Context) (wa.Session, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(sessions) {
			n = len(sessions) - 1
		}
		return sessions[n], nil
	}, &calls
}

func TestRunTerminalOnLogout(t *testing.T) {
	factory, calls := sessionFactory(testutil.NewFakeSession(
		wa.ConnectedEvent{},
		wa.DisconnectedEvent{Reason: wa.DisconnectLoggedOut},
	))
	m := &Manager{Factory: factory, Handler: func(context.Context, *wa.Envelope) {}, MaxRetries: 3, BaseDelay: time.Millisecond}
	err := m.Run(context.Background())
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run() error = %v, want ErrLoggedOut", err)
	}
	if calls.Load() != 1 {
		t.Errorf("factory calls = %d, want 1 (no reconnect on terminal)", calls.Load())
	}
	if m.State() != StateDisconnectedTerminal {
		t.Errorf("State() = %v, want terminal", m.State())
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	failing := testutil.NewFakeSession()
	failing.ConnectErr = errors.New("dial: connection refused")
	factory, calls := sessionFactory(failing)
	m := &Manager{Factory: factory, Handler: func(context.Context, *wa.Envelope) {}, MaxRetries: 3, BaseDelay: time.Millisecond}
	err := m.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run() error = %v, want ErrRetriesExhausted", err)
	}
	// Initial attempt plus MaxRetries reconnects.
	if calls.Load() != 4 {
		t.Errorf("factory calls = %d, want 4", calls.Load())
	}
}

func TestRunConnectedResetsRetryCounter(t *testing.T) {
	failing := testutil.NewFakeSession()
	failing.ConnectErr = errors.New("dial: connection refused")
	// Attempt 1 fails (retries -> 1), attempt 2 connects (reset to 0) and
	// ends retryably, attempt 3 fails (retries -> 1), attempt 4 hits the
	// bound. Without the reset the run would stop after attempt 2.
	connected := testutil.NewFakeSession(wa.ConnectedEvent{})
	factory, calls := sessionFactory(failing, connected, failing, failing)
	m := &Manager{Factory: factory, Handler: func(context.Context, *wa.Envelope) {}, MaxRetries: 1, BaseDelay: time.Millisecond}
	err := m.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run() error = %v, want ErrRetriesExhausted", err)
	}
	if calls.Load() != 3 {
		t.Errorf("factory calls = %d, want 3 (reset after connected)", calls.Load())
	}
}

func TestRunConflictIsRetryable(t *testing.T) {
	conflict := testutil.NewFakeSession(
		wa.ConnectedEvent{},
		wa.DisconnectedEvent{Reason: wa.DisconnectConflict},
	)
	loggedOut := testutil.NewFakeSession(
		wa.ConnectedEvent{},
		wa.DisconnectedEvent{Reason: wa.DisconnectLoggedOut},
	)
	factory, calls := sessionFactory(conflict, loggedOut)
	m := &Manager{Factory: factory, Handler: func(context.Context, *wa.Envelope) {}, MaxRetries: 3, BaseDelay: time.Millisecond}
	err := m.Run(context.Background())
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run() error = %v, want terminal from second session", err)
	}
	if calls.Load() != 2 {
		t.Errorf("factory calls = %d, want 2 (conflict retried)", calls.Load())
	}
}

func TestRunDispatchesMessagesConcurrently(t *testing.T) {
	envs := []*wa.Envelope{
		{Key: &wa.MessageKey{RemoteJID: "1@g.us", ID: "A"}, Message: &wa.Content{Conversation: "a"}},
		{Key: &wa.MessageKey{RemoteJID: "1@g.us", ID: "B"}, Message: &wa.Content{Conversation: "b"}},
	}
	sess := testutil.NewFakeSession(
		wa.ConnectedEvent{},
		wa.MessageBatchEvent{Envelopes: envs},
		wa.DisconnectedEvent{Reason: wa.DisconnectLoggedOut},
	)
	factory, _ := sessionFactory(sess)
	seen := make(chan string, len(envs))
	m := &Manager{
		Factory: factory,
		Handler: func(ctx context.Context, env *wa.Envelope) {
			if telemetry.GetCorrelation(ctx) == "" {
				t.Error("handler context missing correlation id")
			}
			seen <- env.Key.ID
		},
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run() error = %v", err)
	}
	got := map[string]bool{}
	for range envs {
		select {
		case id := <-seen:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler dispatch")
		}
	}
	if !got["A"] || !got["B"] {
		t.Errorf("handled = %v, want both envelopes", got)
	}
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	factory, _ := sessionFactory(testutil.NewFakeSession())
	m := &Manager{Factory: factory, Handler: func(context.Context, *wa.Envelope) {}}
	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestStateTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateDisconnectedRetryable, true},
		{StateConnected, StateDisconnectedRetryable, true},
		{StateConnected, StateDisconnectedTerminal, true},
		{StateDisconnectedRetryable, StateConnecting, true},
		{StateDisconnectedTerminal, StateConnecting, false},
		{StateConnected, StateConnecting, false},
	}
	for _, tt := range tests {
		if got := validTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("validTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
