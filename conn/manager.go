// Package conn supervises the single logical transport session: it owns
// the reconnect state machine, the retry counter, and the per-message
// dispatch. Per-message work runs in independent goroutines the manager
// never joins on; a reconnect or shutdown does not cancel them.
package conn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okonma/eventminer/db"
	"github.com/okonma/eventminer/retry"
	"github.com/okonma/eventminer/telemetry"
	"github.com/okonma/eventminer/wa"
)

// ErrLoggedOut ends the run: the session was invalidated and only an
// out-of-band re-pairing brings it back.
var ErrLoggedOut = errors.New("conn: session logged out")

// ErrRetriesExhausted is fatal for the process once the reconnect bound is hit.
var ErrRetriesExhausted = errors.New("conn: reconnect retries exhausted")

// Handler processes one raw envelope. Implementations own their error
// handling; a handler failure is isolated to that message.
type Handler func(ctx context.Context, env *wa.Envelope)

// Manager drives one session at a time and restarts it on retryable
// disconnects with delay(n) = base × 2.5ⁿ.
type Manager struct {
	Factory    wa.SessionFactory
	Handler    Handler
	DB         *sql.DB
	MaxRetries int
	BaseDelay  time.Duration
	// OnConnect fires on each Connected transition with the live session
	// (discovery listing hooks in here). Optional.
	OnConnect func(ctx context.Context, s wa.Session)

	state atomic.Int32
}

// State reports the current lifecycle state for status output.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(to State) {
	from := m.State()
	if from == to {
		return
	}
	if !validTransition(from, to) {
		slog.Warn("illegal connection state transition", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	m.state.Store(int32(to))
	telemetry.SetConnectionState(int(to))
	slog.Info("connection state", slog.String("from", from.String()), slog.String("to", to.String()))
}

func (m *Manager) delays() retry.Policy {
	base := m.BaseDelay
	if base == 0 {
		base = 2 * time.Second
	}
	return retry.Policy{BaseDelay: base, Multiplier: 2.5}
}

func (m *Manager) maxRetries() int {
	if m.MaxRetries > 0 {
		return m.MaxRetries
	}
	return 8
}

// Run supervises sessions until the context ends, the session is logged
// out, or the retry bound is exhausted. Each (re)connect builds a fresh
// session from the factory; the handler and collaborators are inherited.
func (m *Manager) Run(ctx context.Context) error {
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.setState(StateConnecting)
		err := m.runSession(ctx, &retries)
		switch {
		case errors.Is(err, ErrLoggedOut):
			m.setState(StateDisconnectedTerminal)
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
		m.setState(StateDisconnectedRetryable)
		if retries >= m.maxRetries() {
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, retries, err)
		}
		delay := m.delays().Delay(retries)
		retries++
		telemetry.Reconnects.Inc()
		slog.Warn("reconnecting after backoff",
			slog.Duration("delay", delay),
			slog.Int("retry", retries),
			slog.Any("err", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// errDisconnected carries the transport's disconnect reason out of the
// event loop.
type errDisconnected struct{ reason wa.DisconnectReason }

func (e errDisconnected) Error() string { return "disconnected: " + e.reason.String() }

// runSession opens one session and consumes its events until it ends.
// retries is reset to zero on every successful Connected transition.
func (m *Manager) runSession(ctx context.Context, retries *int) error {
	sess, err := m.Factory(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Disconnect()

	// Handlers outlive the session on purpose; in-flight extraction runs
	// to completion and its outcome decides persistence.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sess.Events():
			if !ok {
				return errDisconnected{reason: wa.DisconnectUnknown}
			}
			switch ev := ev.(type) {
			case wa.ConnectedEvent:
				m.setState(StateConnected)
				*retries = 0
				if m.OnConnect != nil {
					m.OnConnect(ctx, sess)
				}
			case wa.PairingCodeEvent:
				// Shown to the operator; no effect on state or retries.
				slog.Info("pairing code received, enter it on your phone", slog.String("code", ev.Code))
			case wa.CredentialsUpdatedEvent:
				if err := db.UpsertCredentials(ctx, m.DB, ev.Credentials); err != nil {
					slog.Error("failed to persist rotated credentials", slog.Any("err", err))
				}
			case wa.MessageBatchEvent:
				for _, env := range ev.Envelopes {
					telemetry.MessagesReceived.Inc()
					go m.dispatch(handlerCtx, env)
				}
			case wa.DisconnectedEvent:
				if ev.Reason == wa.DisconnectLoggedOut {
					return ErrLoggedOut
				}
				if ev.Reason == wa.DisconnectConflict {
					slog.Warn("session replaced by another device; treating as retryable")
				}
				return errDisconnected{reason: ev.Reason}
			}
		}
	}
}

// dispatch runs the handler for one envelope under its own correlation id.
func (m *Manager) dispatch(ctx context.Context, env *wa.Envelope) {
	ctx = telemetry.WithCorrelation(ctx, uuid.New().String())
	m.Handler(ctx, env)
}
