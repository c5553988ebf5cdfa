package store

import (
	"time"

	"github.com/shadow-nexus/server/internal/v1/protocol"
)

// UpdateUser upserts the directory entry with a fresh last-seen instant.
// The returned flag reports whether the user was already known, decided
// before the upsert so first-time joiners are greeted as such.
func (s *Store) UpdateUser(name, endpoint string, now time.Time) (known bool) {
	s.mu.Lock()
	_, known = s.users[name]
	s.users[name] = &UserRecord{
		LastSeen: now.Format(protocol.TimestampLayout),
		Endpoint: endpoint,
	}
	s.mu.Unlock()
	s.markDirty(colUsers)
	return known
}

// KnownUsers returns every directory name.
func (s *Store) KnownUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for name := range s.users {
		out = append(out, name)
	}
	return out
}
