package store

import "github.com/shadow-nexus/server/internal/v1/protocol"

// AppendGlobal pushes onto the global log, evicting the oldest records
// to the archive once the in-memory window exceeds the cap.
func (s *Store) AppendGlobal(msg protocol.Message) {
	s.mu.Lock()
	s.global = append(s.global, msg)
	evicted := false
	if len(s.global) > GlobalCap {
		s.archived = append(s.archived, s.global[:len(s.global)-GlobalCap]...)
		s.global = append([]protocol.Message(nil), s.global[len(s.global)-GlobalCap:]...)
		evicted = true
	}
	s.mu.Unlock()

	s.markDirty(colGlobal)
	if evicted {
		s.markDirty(colArchive)
	}
}

// AppendPrivate pushes onto the conversation of the unordered pair.
func (s *Store) AppendPrivate(u1, u2 string, msg protocol.Message) {
	key := protocol.NewPairKey(u1, u2).String()
	s.mu.Lock()
	s.private[key] = append(s.private[key], msg)
	s.mu.Unlock()
	s.markDirty(colPrivate)
}

// AppendGroup pushes onto the group's log.
func (s *Store) AppendGroup(gid string, msg protocol.Message) {
	s.mu.Lock()
	s.groupCh[gid] = append(s.groupCh[gid], msg)
	s.mu.Unlock()
	s.markDirty(colGroupCh)
}

// GetGlobal returns the last n global records.
func (s *Store) GetGlobal(n int) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.global, n)
}

// GetPrivate returns the last n records of the pair's conversation.
func (s *Store) GetPrivate(u1, u2 string, n int) []protocol.Message {
	key := protocol.NewPairKey(u1, u2).String()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.private[key], n)
}

// GetGroup returns the last n records of the group's log.
func (s *Store) GetGroup(gid string, n int) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.groupCh[gid], n)
}

// PrivatePeers lists every user the given user has a stored private
// conversation with.
func (s *Store) PrivatePeers(user string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var peers []string
	for key := range s.private {
		pk, ok := protocol.ParsePairKey(key)
		if !ok || !pk.Contains(user) {
			continue
		}
		peers = append(peers, pk.Other(user))
	}
	return peers
}

// DeleteGlobalMessage soft-deletes in the global log. Returns false if
// no record matched.
func (s *Store) DeleteGlobalMessage(messageID, timestamp string) bool {
	s.mu.Lock()
	ok := softDelete(s.global, messageID, timestamp)
	s.mu.Unlock()
	if ok {
		s.markDirty(colGlobal)
	}
	return ok
}

// DeletePrivateMessage soft-deletes in the pair's conversation.
func (s *Store) DeletePrivateMessage(u1, u2, messageID, timestamp string) bool {
	key := protocol.NewPairKey(u1, u2).String()
	s.mu.Lock()
	ok := softDelete(s.private[key], messageID, timestamp)
	s.mu.Unlock()
	if ok {
		s.markDirty(colPrivate)
	}
	return ok
}

// DeleteGroupMessage soft-deletes in the group's log.
func (s *Store) DeleteGroupMessage(gid, messageID, timestamp string) bool {
	s.mu.Lock()
	ok := softDelete(s.groupCh[gid], messageID, timestamp)
	s.mu.Unlock()
	if ok {
		s.markDirty(colGroupCh)
	}
	return ok
}

// DeletePrivateConversation hard-deletes the whole pair.
func (s *Store) DeletePrivateConversation(u1, u2 string) bool {
	key := protocol.NewPairKey(u1, u2).String()
	s.mu.Lock()
	_, existed := s.private[key]
	delete(s.private, key)
	s.mu.Unlock()
	if existed {
		s.markDirty(colPrivate)
	}
	return existed
}

// softDelete locates by message_id, falling back to timestamp, and
// swaps the record for a tombstoned copy. History snapshots handed out
// earlier may still be encoding the old map outside the store lock, so
// the record is never written in place. Idempotent: a second call finds
// the already-deleted record and changes nothing new.
func softDelete(log []protocol.Message, messageID, timestamp string) bool {
	match := func(m protocol.Message) bool {
		if messageID != "" {
			return m.MessageID() == messageID
		}
		return timestamp != "" && m.Timestamp() == timestamp
	}
	for i, m := range log {
		if !match(m) {
			continue
		}
		cp := m.Clone()
		cp["content"] = protocol.DeletedPlaceholder
		cp["deleted"] = true
		log[i] = cp
		return true
	}
	return false
}

// tail copies the last n entries so callers never alias the live slice.
func tail(log []protocol.Message, n int) []protocol.Message {
	if n <= 0 || n > len(log) {
		n = len(log)
	}
	out := make([]protocol.Message, n)
	copy(out, log[len(log)-n:])
	return out
}
