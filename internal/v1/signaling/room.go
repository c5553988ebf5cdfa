package signaling

import (
	"sync"
	"time"

	"github.com/shadow-nexus/server/internal/v1/metrics"
)

// RoomKind selects the media plane a room was created for.
type RoomKind string

const (
	KindVideo RoomKind = "video"
	KindAudio RoomKind = "audio"
)

// Room is one active call session. Participants are keyed by their
// transport sid.
type Room struct {
	ID          string
	Kind        RoomKind
	SessionType string // global, private, group
	Name        string
	Creator     string
	ChatID      string
	Peers       []string
	CreatedAt   time.Time

	mu           sync.Mutex
	participants map[string]*Client
	missedOnce   sync.Once
}

func newRoom(id string, kind RoomKind, sessionType, name, creator, chatID string, peers []string, now time.Time) *Room {
	return &Room{
		ID:           id,
		Kind:         kind,
		SessionType:  sessionType,
		Name:         name,
		Creator:      creator,
		ChatID:       chatID,
		Peers:        peers,
		CreatedAt:    now,
		participants: make(map[string]*Client),
	}
}

// join registers a client and returns the participants present before
// it, so the caller can build the user-list reply.
func (r *Room) join(c *Client) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := make(map[string]string, len(r.participants))
	for sid, p := range r.participants {
		existing[sid] = p.name
	}
	r.participants[c.sid] = c
	metrics.RoomParticipants.WithLabelValues(r.ID).Set(float64(len(r.participants)))
	return existing
}

// leave removes a client and reports whether the room is now empty.
func (r *Room) leave(c *Client) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[c.sid]; !ok {
		return false
	}
	delete(r.participants, c.sid)
	metrics.RoomParticipants.WithLabelValues(r.ID).Set(float64(len(r.participants)))
	return len(r.participants) == 0
}

// snapshot returns the current participants; sends happen outside the
// room lock.
func (r *Room) snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// find returns the participant with the given sid.
func (r *Room) find(sid string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[sid]
	return p, ok
}

// broadcast sends an event to every participant, optionally excluding
// one sid.
func (r *Room) broadcast(event map[string]any, excludeSID string) {
	for _, p := range r.snapshot() {
		if p.sid == excludeSID {
			continue
		}
		p.enqueue(event)
	}
}
