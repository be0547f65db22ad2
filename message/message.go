// Package message normalizes raw transport envelopes into the canonical
// record every downstream stage consumes. Normalization is the only place
// that knows the envelope's branch layout; failures here drop the single
// message and nothing else.
package message

import (
	"fmt"
	"time"

	"github.com/okonma/eventminer/wa"
)

// MediaKind classifies the envelope's dominant content branch.
type MediaKind int

const (
	KindUnknown MediaKind = iota
	KindText
	KindImage
	KindVideo
	KindAudio
	KindDocument
	KindSticker
	KindContact
	KindLocation
)

func (k MediaKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindDocument:
		return "document"
	case KindSticker:
		return "sticker"
	case KindContact:
		return "contact"
	case KindLocation:
		return "location"
	default:
		return "unknown"
	}
}

// ParseError marks an envelope that cannot be normalized. It is non-fatal:
// the message is dropped, logged, and the pipeline moves on.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse envelope: %s", e.Reason) }

// Canonical is the normalized, stage-independent form of an inbound
// message. Immutable after creation.
type Canonical struct {
	ID          string
	OriginJID   string
	FromMe      bool
	AuthorJID   string // empty outside group chats
	Kind        MediaKind
	Text        string // empty when no text branch matched
	TimestampMS int64
	GroupJID    string // empty for direct messages
}

// Normalize converts a raw envelope into its canonical form. It fails with
// *ParseError when the envelope lacks an addressing key or a message body.
// now supplies the ingestion clock for envelopes without a usable timestamp.
func Normalize(env *wa.Envelope, now func() time.Time) (*Canonical, error) {
	if env == nil || env.Key == nil || env.Key.RemoteJID == "" || env.Key.ID == "" {
		return nil, &ParseError{Reason: "missing addressing key"}
	}
	if env.Message == nil {
		return nil, &ParseError{Reason: "missing message body"}
	}

	c := &Canonical{
		ID:        env.Key.ID,
		OriginJID: env.Key.RemoteJID,
		FromMe:    env.Key.FromMe,
		Kind:      classify(env.Message),
		Text:      extractText(env.Message),
	}
	if env.Timestamp > 0 {
		c.TimestampMS = env.Timestamp * 1000
	} else {
		c.TimestampMS = now().UnixMilli()
	}
	if wa.IsGroupJID(env.Key.RemoteJID) {
		c.GroupJID = env.Key.RemoteJID
		c.AuthorJID = env.Key.Participant
	}
	return c, nil
}

// extractText applies the text precedence: plain conversation, extended
// text, image caption, video caption, else empty.
func extractText(m *wa.Content) string {
	switch {
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedText != nil && m.ExtendedText.Text != "":
		return m.ExtendedText.Text
	case m.Image != nil && m.Image.Caption != "":
		return m.Image.Caption
	case m.Video != nil && m.Video.Caption != "":
		return m.Video.Caption
	}
	return ""
}

// classify applies the media-kind precedence, first match wins.
func classify(m *wa.Content) MediaKind {
	switch {
	case m.Image != nil:
		return KindImage
	case m.Video != nil:
		return KindVideo
	case m.Audio != nil:
		return KindAudio
	case m.Document != nil:
		return KindDocument
	case m.Sticker != nil:
		return KindSticker
	case m.Contact != nil:
		return KindContact
	case m.Location != nil:
		return KindLocation
	case m.Conversation != "" || m.ExtendedText != nil:
		return KindText
	default:
		return KindUnknown
	}
}
