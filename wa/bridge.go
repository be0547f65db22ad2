package wa

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// bridgeLine is one newline-delimited JSON frame on the bridge socket, in
// either direction. Only the fields for the frame's type are set.
type bridgeLine struct {
	Type      string      `json:"type"`
	Reason    string      `json:"reason,omitempty"`
	Code      string      `json:"code,omitempty"`
	Envelopes []*Envelope `json:"envelopes,omitempty"`
	Data      string      `json:"data,omitempty"` // base64 credential blob
	ID        int64       `json:"id,omitempty"`
	Groups    []GroupInfo `json:"groups,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// BridgeSession adapts the external transport bridge to the Session
// interface. The bridge owns the actual protocol connection and streams
// frames over a local socket; this adapter only translates frames into
// events and carries no business logic.
type BridgeSession struct {
	addr string

	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	nextID  int64
	pending map[int64]chan bridgeLine

	events chan Event
}

// NewBridgeFactory returns a SessionFactory dialing the bridge at addr.
// Each session gets its own socket connection.
func NewBridgeFactory(addr string) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		return &BridgeSession{
			addr:    addr,
			pending: make(map[int64]chan bridgeLine),
			events:  make(chan Event, 64),
		}, nil
	}
}

// Connect dials the bridge and starts the frame reader. The events channel
// closes when the socket does.
func (s *BridgeSession) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.enc = json.NewEncoder(conn)
	s.mu.Unlock()
	go s.readLoop(conn)
	return nil
}

// Disconnect closes the socket; the reader then drains and closes Events.
func (s *BridgeSession) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Events yields the session's notifications until the bridge socket ends.
func (s *BridgeSession) Events() <-chan Event { return s.events }

// Groups asks the bridge for the reachable group list. Request/response
// frames are correlated by id; the reader routes the reply here.
func (s *BridgeSession) Groups(ctx context.Context) ([]GroupInfo, error) {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("bridge not connected")
	}
	s.nextID++
	id := s.nextID
	reply := make(chan bridgeLine, 1)
	s.pending[id] = reply
	err := s.enc.Encode(bridgeLine{Type: "list_groups", ID: id})
	s.mu.Unlock()
	if err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("send list_groups: %w", err)
	}
	select {
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	case line, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("bridge closed before group reply")
		}
		if line.Error != "" {
			return nil, fmt.Errorf("bridge list_groups: %s", line.Error)
		}
		return line.Groups, nil
	}
}

func (s *BridgeSession) dropPending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop translates frames to events until the socket ends, then fails
// all pending requests and closes the events channel.
func (s *BridgeSession) readLoop(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()
		close(s.events)
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var line bridgeLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			slog.Warn("bridge frame not valid json, skipping", slog.Any("err", err))
			continue
		}
		if ev, ok := s.translate(line); ok {
			s.events <- ev
		}
	}
}

// translate maps one frame to an event. Reply frames go to their waiter
// instead; unknown frame types are skipped with a warning.
func (s *BridgeSession) translate(line bridgeLine) (Event, bool) {
	switch line.Type {
	case "connected":
		return ConnectedEvent{}, true
	case "disconnected":
		return DisconnectedEvent{Reason: parseReason(line.Reason)}, true
	case "pairing_code":
		return PairingCodeEvent{Code: line.Code}, true
	case "messages":
		if len(line.Envelopes) == 0 {
			return nil, false
		}
		return MessageBatchEvent{Envelopes: line.Envelopes}, true
	case "credentials":
		blob, err := base64.StdEncoding.DecodeString(line.Data)
		if err != nil {
			slog.Warn("bridge credential frame not base64, skipping", slog.Any("err", err))
			return nil, false
		}
		return CredentialsUpdatedEvent{Credentials: blob}, true
	case "groups":
		s.mu.Lock()
		ch, ok := s.pending[line.ID]
		delete(s.pending, line.ID)
		s.mu.Unlock()
		if ok {
			ch <- line
		}
		return nil, false
	default:
		slog.Warn("unknown bridge frame type, skipping", slog.String("type", line.Type))
		return nil, false
	}
}

func parseReason(r string) DisconnectReason {
	switch r {
	case "conflict":
		return DisconnectConflict
	case "logged_out":
		return DisconnectLoggedOut
	default:
		return DisconnectUnknown
	}
}
