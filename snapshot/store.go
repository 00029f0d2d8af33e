package snapshot

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"

	"github.com/itiky/listsync/model"
)

const kvKeyPrefix = "snapshot_"

// Store keeps the last durably saved id sequence per list,
// in memory and in the persisted side-channel so it survives a restart.
// Side-channel failures never reach the caller: the first failed write
// switches the Store to memory-only mode for the rest of the session.
type Store struct {
	sync.RWMutex
	snapshots  map[model.ListKey][]string
	kv         KV
	memoryOnly bool
	logger     *slog.Logger
}

// Get returns the list snapshot or nil if there is no baseline yet.
func (s *Store) Get(listKey model.ListKey) []string {
	s.RLock()
	ids, found := s.snapshots[listKey]
	memoryOnly := s.memoryOnly
	s.RUnlock()

	if found {
		return copyIds(ids)
	}
	if memoryOnly {
		return nil
	}

	ids = s.load(listKey)
	if len(ids) == 0 {
		return nil
	}

	s.Lock()
	// A concurrent Set wins over the persisted value
	if cur, found := s.snapshots[listKey]; found {
		ids = cur
	} else {
		s.snapshots[listKey] = ids
	}
	s.Unlock()

	return copyIds(ids)
}

// Set stores the canonical ids of the items as the list snapshot.
// An empty projection clears the snapshot.
func (s *Store) Set(listKey model.ListKey, items model.Items) {
	ids := items.Ids()
	if len(ids) == 0 {
		s.Clear(listKey)
		return
	}

	s.Lock()
	s.snapshots[listKey] = ids
	memoryOnly := s.memoryOnly
	s.Unlock()

	if memoryOnly {
		return
	}

	data, err := json.Marshal(ids)
	if err != nil {
		s.logger.Error("snapshot marshal failed", "listKey", listKey, "err", err)
		return
	}
	if err := s.kv.Set(kvKey(listKey), data); err != nil {
		s.degrade(listKey, err)
	}
}

// Clear removes the list snapshot (used when the list is deleted).
func (s *Store) Clear(listKey model.ListKey) {
	s.Lock()
	delete(s.snapshots, listKey)
	memoryOnly := s.memoryOnly
	s.Unlock()

	if memoryOnly {
		return
	}

	if err := s.kv.Remove(kvKey(listKey)); err != nil {
		s.logger.Warn("snapshot remove failed", "listKey", listKey, "err", err)
	}
}

// IsMemoryOnly reports whether the persisted side-channel was disabled.
func (s *Store) IsMemoryOnly() bool {
	s.RLock()
	defer s.RUnlock()

	return s.memoryOnly
}

// load reads the persisted snapshot, read failures are treated as "no baseline".
func (s *Store) load(listKey model.ListKey) []string {
	data, err := s.kv.Get(kvKey(listKey))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("snapshot load failed", "listKey", listKey, "err", err)
		}
		return nil
	}

	ids := make([]string, 0)
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn("snapshot decode failed: dropping", "listKey", listKey, "err", err)
		if err := s.kv.Remove(kvKey(listKey)); err != nil {
			s.logger.Warn("snapshot remove failed", "listKey", listKey, "err", err)
		}
		return nil
	}

	return ids
}

// degrade switches the Store to memory-only mode.
func (s *Store) degrade(listKey model.ListKey, err error) {
	s.Lock()
	defer s.Unlock()

	if !s.memoryOnly {
		s.logger.Warn("snapshot persist failed: continuing memory-only", "listKey", listKey, "err", err)
	}
	s.memoryOnly = true
}

func kvKey(listKey model.ListKey) string {
	return kvKeyPrefix + string(listKey)
}

func copyIds(ids []string) []string {
	idsCopy := make([]string, len(ids))
	copy(idsCopy, ids)

	return idsCopy
}

// NewStore creates a new Store object; nil kv means memory-only.
func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		snapshots:  make(map[model.ListKey][]string),
		kv:         kv,
		memoryOnly: kv == nil,
		logger:     logger.With("component", "snapshot"),
	}
}
