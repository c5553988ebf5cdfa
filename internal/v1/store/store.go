// Package store is the durable persistence layer: one JSON document per
// collection under the data directory, rehydrated once at startup. All
// disk writes funnel through a single writer goroutine; readers see the
// in-memory state, which stays authoritative even when a flush fails.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/metrics"
	"github.com/shadow-nexus/server/internal/v1/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Collection tags. Each maps to one file under the data directory.
const (
	colGlobal  = "global"
	colPrivate = "private"
	colGroups  = "groups"
	colGroupCh = "group_chats"
	colFiles   = "files"
	colUsers   = "users"
	colArchive = "archive"
)

var collectionFiles = map[string]string{
	colGlobal:  "global_chat.json",
	colPrivate: "private_chats.json",
	colGroups:  "groups.json",
	colGroupCh: "group_chats.json",
	colFiles:   "files.json",
	colUsers:   "users.json",
}

// GlobalCap bounds the in-memory global log. Evicted records move to the
// append-only archive file so the on-disk history stays unbounded.
const GlobalCap = 1000

const archiveFile = "global_chat.archive.jsonl"

// Store owns every persisted collection. Construct with Open, hydrate
// with LoadAll, and release with Close.
type Store struct {
	dir string

	mu       sync.RWMutex
	global   []protocol.Message
	private  map[string][]protocol.Message // key = protocol.PairKey.String()
	groupCh  map[string][]protocol.Message // key = group id
	groups   map[string]*Group
	files    map[string]*FileRecord
	users    map[string]*UserRecord
	archived []protocol.Message // evicted global records awaiting append

	dirtyMu sync.Mutex
	dirty   map[string]bool
	closed  bool
	flushCh chan string
	wg      sync.WaitGroup

	lastGroupMS int64
	groupSeq    int64
}

// Open creates the data directory if needed and starts the writer. Call
// LoadAll before serving traffic.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		private: make(map[string][]protocol.Message),
		groupCh: make(map[string][]protocol.Message),
		groups:  make(map[string]*Group),
		files:   make(map[string]*FileRecord),
		users:   make(map[string]*UserRecord),
		dirty:   make(map[string]bool),
		flushCh: make(chan string, len(collectionFiles)+1),
	}
	s.wg.Add(1)
	go s.writerLoop()
	return s, nil
}

// LoadAll rehydrates every collection. Missing files are empty
// collections; a corrupt file is an error so the operator can intervene
// rather than silently losing history.
func (s *Store) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadFile(colGlobal, &s.global); err != nil {
		return err
	}
	if len(s.global) > GlobalCap {
		s.global = s.global[len(s.global)-GlobalCap:]
	}

	var rawPrivate map[string][]protocol.Message
	if err := s.loadFile(colPrivate, &rawPrivate); err != nil {
		return err
	}
	for key, log := range rawPrivate {
		// Re-key legacy "a_b" entries to the canonical pair form.
		if pk, ok := protocol.ParsePairKey(key); ok {
			s.private[pk.String()] = log
		} else {
			s.private[key] = log
		}
	}

	if err := s.loadFile(colGroupCh, &s.groupCh); err != nil {
		return err
	}
	if s.groupCh == nil {
		s.groupCh = make(map[string][]protocol.Message)
	}
	if err := s.loadFile(colGroups, &s.groups); err != nil {
		return err
	}
	if s.groups == nil {
		s.groups = make(map[string]*Group)
	}
	if err := s.loadFile(colFiles, &s.files); err != nil {
		return err
	}
	if s.files == nil {
		s.files = make(map[string]*FileRecord)
	}
	if err := s.loadFile(colUsers, &s.users); err != nil {
		return err
	}
	if s.users == nil {
		s.users = make(map[string]*UserRecord)
	}
	return nil
}

func (s *Store) loadFile(tag string, out any) error {
	path := filepath.Join(s.dir, collectionFiles[tag])
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", collectionFiles[tag], err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", collectionFiles[tag], err)
	}
	return nil
}

// markDirty schedules a flush for the collection. At most one signal per
// tag is in flight, so repeated appends coalesce into one write.
func (s *Store) markDirty(tag string) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	if s.closed || s.dirty[tag] {
		return
	}
	s.dirty[tag] = true
	s.flushCh <- tag
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for tag := range s.flushCh {
		s.dirtyMu.Lock()
		delete(s.dirty, tag)
		s.dirtyMu.Unlock()
		s.flushOne(tag)
	}
}

// flushOne writes one collection. I/O errors are logged, never
// propagated: the in-memory state stays authoritative until the next
// successful flush.
func (s *Store) flushOne(tag string) {
	var err error
	if tag == colArchive {
		err = s.flushArchive()
	} else {
		err = s.flushCollection(tag)
	}
	if err != nil {
		metrics.PersistWrites.WithLabelValues(tag, "error").Inc()
		logging.Error(context.Background(), "persist failed",
			zap.String("collection", tag), zap.Error(err))
		return
	}
	metrics.PersistWrites.WithLabelValues(tag, "ok").Inc()
}

func (s *Store) flushCollection(tag string) error {
	s.mu.RLock()
	var v any
	switch tag {
	case colGlobal:
		v = s.global
	case colPrivate:
		v = s.private
	case colGroupCh:
		v = s.groupCh
	case colGroups:
		v = s.groups
	case colFiles:
		v = s.files
	case colUsers:
		v = s.users
	}
	data, err := json.MarshalIndent(v, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode %s: %w", tag, err)
	}

	path := filepath.Join(s.dir, collectionFiles[tag])
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tag, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", tag, err)
	}
	return nil
}

// flushArchive appends evicted global records as JSON Lines.
func (s *Store) flushArchive() error {
	s.mu.Lock()
	batch := s.archived
	s.archived = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	f, err := os.OpenFile(filepath.Join(s.dir, archiveFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	for _, m := range batch {
		line, err := m.Encode()
		if err != nil {
			return fmt.Errorf("encode archive record: %w", err)
		}
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("append archive: %w", err)
		}
	}
	return nil
}

// Close stops the writer and performs a final flush of every collection.
func (s *Store) Close() {
	s.dirtyMu.Lock()
	if s.closed {
		s.dirtyMu.Unlock()
		return
	}
	s.closed = true
	s.dirtyMu.Unlock()

	close(s.flushCh)
	s.wg.Wait()

	for tag := range collectionFiles {
		s.flushOne(tag)
	}
	s.flushOne(colArchive)
}
