package wa

// Envelope is the raw inbound message as the transport delivers it. The
// shape mirrors the wire message: an addressing key plus a content struct
// with one branch populated per media kind.
type Envelope struct {
	Key       *MessageKey `json:"key"`
	Message   *Content    `json:"message"`
	PushName  string      `json:"pushName,omitempty"`
	Timestamp int64       `json:"messageTimestamp,omitempty"` // unix seconds
}

// MessageKey addresses a message within a conversation.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"` // author JID in group chats
}

// Content holds the per-kind message branches. At most a handful are ever
// set at once; precedence rules live in the message package.
type Content struct {
	Conversation    string         `json:"conversation,omitempty"`
	ExtendedText    *ExtendedText  `json:"extendedTextMessage,omitempty"`
	Image           *MediaMessage  `json:"imageMessage,omitempty"`
	Video           *MediaMessage  `json:"videoMessage,omitempty"`
	Audio           *MediaMessage  `json:"audioMessage,omitempty"`
	Document        *MediaMessage  `json:"documentMessage,omitempty"`
	Sticker         *MediaMessage  `json:"stickerMessage,omitempty"`
	Contact         *ContactCard   `json:"contactMessage,omitempty"`
	Location        *LocationPin   `json:"locationMessage,omitempty"`
}

// ExtendedText carries quoted/linked text messages.
type ExtendedText struct {
	Text string `json:"text"`
}

// MediaMessage covers image/video/audio/document/sticker branches; only the
// caption matters downstream.
type MediaMessage struct {
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// ContactCard is a shared contact (vcard payload not needed downstream).
type ContactCard struct {
	DisplayName string `json:"displayName,omitempty"`
}

// LocationPin is a shared location.
type LocationPin struct {
	Latitude  float64 `json:"degreesLatitude,omitempty"`
	Longitude float64 `json:"degreesLongitude,omitempty"`
	Name      string  `json:"name,omitempty"`
}

// GroupInfo is the metadata returned by the session's group enumeration.
type GroupInfo struct {
	JID     string `json:"jid"`
	Subject string `json:"subject"`
	Size    int    `json:"size"`
}
