// Package registry is the authoritative directory of live sessions plus
// the per-user recent-chat bookkeeping. One mutex guards every mutation;
// lookups that escape return snapshots so fan-out never writes to a
// socket while holding the lock.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/shadow-nexus/server/internal/v1/protocol"
)

// RecentChatLimit bounds the per-user recent-chat deque.
const RecentChatLimit = 5

// Session is a live connection handle. Implemented by chat.Conn; tests
// substitute fakes.
type Session interface {
	Username() string
	System() bool
	RemoteAddr() string
	Send(msg protocol.Message) error
	Touch()
	LastActivity() time.Time
	Close()
}

// Registry maps display names to live sessions.
type Registry struct {
	mu      sync.Mutex
	byName  map[string]Session
	recents map[string][]string
}

func New() *Registry {
	return &Registry{
		byName:  make(map[string]Session),
		recents: make(map[string][]string),
	}
}

// Add registers the session under its username. If the name was already
// bound, the previous session is returned so the caller can close it
// outside the lock.
func (r *Registry) Add(s Session) (prev Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.byName[s.Username()]
	r.byName[s.Username()] = s
	return prev
}

// Remove unbinds the name, but only if it still maps to this session.
// A stale remove after a same-name reconnect is a no-op.
func (r *Registry) Remove(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName[s.Username()] != s {
		return false
	}
	delete(r.byName, s.Username())
	return true
}

// FindByName returns the live session for the name.
func (r *Registry) FindByName(name string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	return s, ok
}

// Sessions snapshots every live session.
func (r *Registry) Sessions() []Session {
	return r.SessionsExcluding("")
}

// SessionsExcluding snapshots every live session except the named one.
func (r *Registry) SessionsExcluding(name string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.byName))
	for n, s := range r.byName {
		if n == name {
			continue
		}
		out = append(out, s)
	}
	return out
}

// SessionsNamed snapshots the live sessions among the given names.
// Offline names are silently absent.
func (r *Registry) SessionsNamed(names []string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(names))
	for _, n := range names {
		if s, ok := r.byName[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// NonSystemNames returns the sorted display names of every live
// non-system session, excluding the given name. This is the user_list
// payload: system identities are never listed.
func (r *Registry) NonSystemNames(excluding string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byName))
	for n, s := range r.byName {
		if n == excluding || s.System() {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// TouchRecent moves peer to the front of user's recent-chat deque,
// inserting it if absent and trimming to the limit.
func (r *Registry) TouchRecent(user, peer string) {
	if user == "" || peer == "" || user == peer || protocol.IsSystemName(peer) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	deque := r.recents[user]
	next := make([]string, 0, len(deque)+1)
	next = append(next, peer)
	for _, p := range deque {
		if p != peer {
			next = append(next, p)
		}
	}
	if len(next) > RecentChatLimit {
		next = next[:RecentChatLimit]
	}
	r.recents[user] = next
}

// RecentChats snapshots user's recent-chat deque, most recent first.
func (r *Registry) RecentChats(user string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.recents[user]...)
}
