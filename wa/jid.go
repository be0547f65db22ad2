// Package wa defines the boundary to the WhatsApp multi-device transport:
// JID conventions, the raw inbound envelope shape, the events a session
// emits, and the Session interface the connection supervisor drives. The
// concrete protocol implementation lives behind Session and carries no
// business logic of its own.
package wa

import "strings"

const (
	// GroupSuffix is the reserved JID suffix for group conversations.
	GroupSuffix = "@g.us"
	// UserSuffix is the reserved JID suffix for individual accounts.
	UserSuffix = "@s.whatsapp.net"
)

// IsGroupJID reports whether jid addresses a group conversation.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, GroupSuffix) && len(jid) > len(GroupSuffix)
}

// IsUserJID reports whether jid addresses an individual account.
func IsUserJID(jid string) bool {
	return strings.HasSuffix(jid, UserSuffix) && len(jid) > len(UserSuffix)
}
