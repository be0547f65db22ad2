package wa

import "context"

// DisconnectReason classifies why a session dropped.
type DisconnectReason int

const (
	// DisconnectUnknown covers transport errors, network loss, server restarts.
	DisconnectUnknown DisconnectReason = iota
	// DisconnectConflict means another device took over the same session.
	DisconnectConflict
	// DisconnectLoggedOut means the session was explicitly invalidated and
	// reconnecting is pointless until the operator pairs again.
	DisconnectLoggedOut
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectConflict:
		return "conflict"
	case DisconnectLoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// Event is the closed set of notifications a session emits. The adapter
// translating the underlying transport's callbacks into these values must
// not block and carries no business logic.
type Event interface{ isEvent() }

// ConnectedEvent fires when the wire session is fully open.
type ConnectedEvent struct{}

// DisconnectedEvent fires when the wire session drops, with a reason.
type DisconnectedEvent struct {
	Reason DisconnectReason
}

// PairingCodeEvent carries an out-of-band authentication challenge the
// operator must enter on their phone.
type PairingCodeEvent struct {
	Code string
}

// MessageBatchEvent delivers one or more raw inbound envelopes.
type MessageBatchEvent struct {
	Envelopes []*Envelope
}

// CredentialsUpdatedEvent fires whenever the session credentials rotate.
// The blob is opaque; it must be persisted durably before the session is
// allowed to rotate again, best-effort last-write-wins.
type CredentialsUpdatedEvent struct {
	Credentials []byte
}

func (ConnectedEvent) isEvent()          {}
func (DisconnectedEvent) isEvent()       {}
func (PairingCodeEvent) isEvent()        {}
func (MessageBatchEvent) isEvent()       {}
func (CredentialsUpdatedEvent) isEvent() {}

// Session is a single logical transport session. Connect establishes the
// wire connection; Events yields the session's notifications until the
// session ends, at which point the channel is closed. Exactly one Session
// is active at a time; the connection supervisor owns the handle.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	Events() <-chan Event
	// Groups enumerates the conversations this account can reach,
	// used by discovery mode.
	Groups(ctx context.Context) ([]GroupInfo, error)
}

// SessionFactory opens a fresh session, typically after a retryable
// disconnect. Each reconnect gets a new Session value.
type SessionFactory func(ctx context.Context) (Session, error)
