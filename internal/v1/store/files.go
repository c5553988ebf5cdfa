package store

import "sort"

// PutFile inserts the record into the in-memory index, which is
// authoritative for lookups, and queues an index flush. The caller must
// not reply to the uploader until this returns, so the id resolves
// before the ready acknowledgement.
func (s *Store) PutFile(rec *FileRecord) {
	s.mu.Lock()
	s.files[rec.ID] = rec
	s.mu.Unlock()
	s.markDirty(colFiles)
}

// SetFileData attaches the uploaded blob and marks the transfer outcome.
func (s *Store) SetFileData(id string, data []byte, complete bool) error {
	s.mu.Lock()
	rec, ok := s.files[id]
	if !ok {
		s.mu.Unlock()
		return ErrFileNotFound
	}
	rec.Data = data
	rec.Complete = complete
	s.mu.Unlock()
	s.markDirty(colFiles)
	return nil
}

// File returns the live record (blob included), or ErrFileNotFound.
func (s *Store) File(id string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	return rec, nil
}

// FileMetadata returns blob-free copies of every complete record,
// ordered by id. Incomplete transfers are never announced.
func (s *Store) FileMetadata() []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileRecord, 0, len(s.files))
	for _, rec := range s.files {
		if !rec.Complete {
			continue
		}
		cp := *rec
		cp.Data = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
