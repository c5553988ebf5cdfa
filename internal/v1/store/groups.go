package store

import (
	"fmt"
	"sort"
	"time"
)

// NewGroupID mints a millisecond-derived id, widened with a per-process
// counter when two groups land on the same millisecond.
func (s *Store) NewGroupID(now time.Time) string {
	ms := now.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms == s.lastGroupMS {
		s.groupSeq++
		return fmt.Sprintf("group_%d_%d", ms, s.groupSeq)
	}
	s.lastGroupMS = ms
	s.groupSeq = 0
	return fmt.Sprintf("group_%d", ms)
}

// PutGroup inserts or replaces a group definition.
func (s *Store) PutGroup(g *Group) {
	s.mu.Lock()
	s.groups[g.ID] = g
	s.mu.Unlock()
	s.markDirty(colGroups)
}

// Group returns a copy of the definition, or ErrGroupNotFound.
func (s *Store) Group(id string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	out := *g
	out.Members = append([]string(nil), g.Members...)
	return out, nil
}

// Groups returns copies of every definition, ordered by id.
func (s *Store) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		cp := *g
		cp.Members = append([]string(nil), g.Members...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupsFor returns copies of every group the user belongs to.
func (s *Store) GroupsFor(user string) []Group {
	var out []Group
	for _, g := range s.Groups() {
		if g.IsMember(user) {
			out = append(out, g)
		}
	}
	return out
}

// RemoveGroup drops the definition and its message log.
func (s *Store) RemoveGroup(id string) bool {
	s.mu.Lock()
	_, existed := s.groups[id]
	delete(s.groups, id)
	delete(s.groupCh, id)
	s.mu.Unlock()
	if existed {
		s.markDirty(colGroups)
		s.markDirty(colGroupCh)
	}
	return existed
}
