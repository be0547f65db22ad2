// Package groups owns the monitored-group allow-list and the discovery
// listing. The allow-list is shared by every message-handling goroutine and
// is replaced wholesale through an atomic pointer swap; readers always see
// a complete snapshot, never a partial update.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/okonma/eventminer/message"
	"github.com/okonma/eventminer/wa"
)

// ErrAlreadySelected is returned when Select is called after the allow-list
// has left discovery mode. The empty-to-monitoring transition happens at
// most once per process.
var ErrAlreadySelected = errors.New("groups: allow-list already populated")

// ErrNotGroupJID rejects selections that do not follow the group JID
// convention.
var ErrNotGroupJID = errors.New("groups: not a group jid")

type snapshot map[string]struct{}

// Filter admits canonical messages whose group is on the allow-list.
// The zero value is not usable; call NewFilter.
type Filter struct {
	allowed atomic.Pointer[snapshot]
}

// NewFilter builds a filter from the configured JIDs. Entries that do not
// match the group convention are discarded with a warning rather than
// failing startup.
func NewFilter(jids []string) *Filter {
	s := snapshot{}
	for _, jid := range jids {
		if !wa.IsGroupJID(jid) {
			slog.Warn("ignoring configured jid: not a group", slog.String("jid", jid))
			continue
		}
		s[jid] = struct{}{}
	}
	f := &Filter{}
	f.allowed.Store(&s)
	return f
}

// Admit reports whether m should flow into extraction: it must originate in
// a group and that group must be on the current allow-list snapshot.
func (f *Filter) Admit(m *message.Canonical) bool {
	if m.GroupJID == "" {
		return false
	}
	s := *f.allowed.Load()
	_, ok := s[m.GroupJID]
	return ok
}

// DiscoveryMode reports whether the allow-list is empty, i.e. the system
// lists reachable groups instead of extracting.
func (f *Filter) DiscoveryMode() bool {
	return len(*f.allowed.Load()) == 0
}

// Allowed returns the current snapshot as a sorted slice, for status output.
func (f *Filter) Allowed() []string {
	s := *f.allowed.Load()
	out := make([]string, 0, len(s))
	for jid := range s {
		out = append(out, jid)
	}
	sort.Strings(out)
	return out
}

// Select transitions the allow-list from empty to a single-entry set,
// exactly once. Concurrent readers observe either the old or the new
// snapshot, never a partial one.
func (f *Filter) Select(jid string) error {
	if !wa.IsGroupJID(jid) {
		return fmt.Errorf("%w: %q", ErrNotGroupJID, jid)
	}
	next := snapshot{jid: {}}
	// CAS loop: the only legal prior value in discovery mode is an empty
	// snapshot; losing a race to another Select means the list is taken.
	for {
		cur := f.allowed.Load()
		if len(*cur) != 0 {
			return ErrAlreadySelected
		}
		if f.allowed.CompareAndSwap(cur, &next) {
			slog.Info("group selected for monitoring", slog.String("jid", jid))
			return nil
		}
	}
}

// Discover enumerates the groups reachable through the session, sorted by
// subject for stable operator-facing output.
func Discover(ctx context.Context, s wa.Session) ([]wa.GroupInfo, error) {
	infos, err := s.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Subject < infos[j].Subject })
	return infos, nil
}
