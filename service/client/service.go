package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itiky/listsync/model"
	"github.com/itiky/listsync/snapshot"
)

// Session is a single client session state (one per desktop tab / mobile app / extension).
// It owns the list cache, the Snapshot Store, the save Scheduler and the Echo Suppressor.
type Session struct {
	// Config
	diffOpts []model.DiffOption
	// Collaborators
	transport Transport
	snapshots *snapshot.Store
	scheduler *Scheduler
	echo      *EchoSuppressor
	notify    Notifier
	logger    *slog.Logger
	// State
	cacheMu     sync.RWMutex
	lists       map[model.ListKey]*model.List // cached list views
	order       []model.ListKey               // cached collection order (nil if not fetched)
	saveSeq     uint64                        // completed writes counter
	lastSaved   map[model.ListKey]uint64      // list last completed write (saveSeq)
	saveLocksMu sync.Mutex
	saveLocks   map[model.ListKey]*sync.Mutex // per list transport call serialization
	stopOnce    sync.Once
}

// SessionConfig keeps Session collaborators and settings.
type SessionConfig struct {
	Transport     Transport
	Snapshots     *snapshot.Store
	DebounceDelay time.Duration
	EchoGrace     time.Duration
	DiffOptions   []model.DiffOption
	// Optional save failure callback (logged if nil)
	Notifier Notifier
	Logger   *slog.Logger
}

// Echo returns the session EchoSuppressor.
func (s *Session) Echo() *EchoSuppressor {
	return s.echo
}

// Snapshots returns the session Snapshot Store.
func (s *Session) Snapshots() *snapshot.Store {
	return s.snapshots
}

// Scheduler returns the session save Scheduler.
func (s *Session) Scheduler() *Scheduler {
	return s.scheduler
}

// Edit updates the local list contents and schedules a debounced save.
// Only structural changes (insert / remove / move) are synced by a save,
// payload changes of an existing item are persisted with UpdateItem.
func (s *Session) Edit(listKey model.ListKey, items model.Items) error {
	s.cacheMu.Lock()
	list, found := s.lists[listKey]
	if !found {
		s.cacheMu.Unlock()
		return fmt.Errorf("list (%s): %w: fetch it first", listKey, ErrNotFound)
	}
	list.Items = items.Copy()
	s.cacheMu.Unlock()

	s.scheduler.Schedule(listKey, items)

	return nil
}

// Invalidate drops the cached view of the list.
func (s *Session) Invalidate(listKey model.ListKey) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.scheduler.HasUnsaved(listKey) {
		// Local edits win until they are saved
		return
	}
	delete(s.lists, listKey)
}

// InvalidateAll drops the cached collection and all list views without unsaved edits.
func (s *Session) InvalidateAll() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.order = nil
	for key := range s.lists {
		if !s.scheduler.HasUnsaved(key) {
			delete(s.lists, key)
		}
	}
}

// Forget removes every local trace of a deleted list.
func (s *Session) Forget(listKey model.ListKey) {
	s.cacheMu.Lock()
	delete(s.lists, listKey)
	s.cacheMu.Unlock()

	s.snapshots.Clear(listKey)
}

// RefreshList re-fetches a single list.
func (s *Session) RefreshList(ctx context.Context, listKey model.ListKey) error {
	s.Invalidate(listKey)
	_, err := s.fetchList(ctx, listKey)

	return err
}

// RefreshAll re-fetches the whole collection.
func (s *Session) RefreshAll(ctx context.Context) error {
	s.InvalidateAll()
	_, err := s.fetchLists(ctx)

	return err
}

// Close flushes pending saves and stops the session timers.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.scheduler.Flush(ctx)
		s.scheduler.Stop()
		s.echo.Close()
	})

	return err
}

// saveLock returns the list transport call lock.
func (s *Session) saveLock(listKey model.ListKey) *sync.Mutex {
	s.saveLocksMu.Lock()
	defer s.saveLocksMu.Unlock()

	lock, found := s.saveLocks[listKey]
	if !found {
		lock = &sync.Mutex{}
		s.saveLocks[listKey] = lock
	}

	return lock
}

// NewSession creates a new Session object.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%s: nil", "Transport")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Snapshots == nil {
		cfg.Snapshots = snapshot.NewStore(nil, cfg.Logger)
	}

	s := &Session{
		diffOpts:  cfg.DiffOptions,
		transport: cfg.Transport,
		snapshots: cfg.Snapshots,
		echo:      NewEchoSuppressor(cfg.EchoGrace),
		notify:    cfg.Notifier,
		logger:    cfg.Logger.With("component", "session"),
		lists:     make(map[model.ListKey]*model.List),
		lastSaved: make(map[model.ListKey]uint64),
		saveLocks: make(map[model.ListKey]*sync.Mutex),
	}
	if s.notify == nil {
		s.notify = func(listKey model.ListKey, err error) {
			s.logger.Error("save failed", "listKey", listKey, "err", err)
		}
	}

	scheduler, err := NewScheduler(cfg.DebounceDelay, s.saveList, s.notify)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	s.scheduler = scheduler

	return s, nil
}
