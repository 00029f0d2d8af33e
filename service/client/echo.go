package client

import (
	"sync"
	"time"

	"github.com/itiky/listsync/model"
)

const (
	DefaultEchoGrace = 5 * time.Second
	// echoSlack extends the record lifetime beyond the grace window before garbage collection.
	echoSlack = 1 * time.Second
)

type (
	// EchoSuppressor recognizes broadcast notifications caused by the session own saves.
	// A MarkSaved record satisfies at most one WasRecentlySaved check.
	EchoSuppressor struct {
		sync.Mutex
		grace   time.Duration
		now     func() time.Time
		records map[model.ListKey]*echoRecord
	}

	echoRecord struct {
		savedAt time.Time
		timer   *time.Timer
	}
)

// MarkSaved records a successful save of the list.
// The record is removed after the grace window (plus slack) even if never consumed.
func (e *EchoSuppressor) MarkSaved(listKey model.ListKey) {
	e.Lock()
	defer e.Unlock()

	if prev, found := e.records[listKey]; found {
		prev.timer.Stop()
	}

	rec := &echoRecord{savedAt: e.now()}
	rec.timer = time.AfterFunc(e.grace+echoSlack, func() {
		e.expire(listKey, rec)
	})
	e.records[listKey] = rec
}

// WasRecentlySaved checks and consumes a record within the grace window.
// Returns false without side effects otherwise.
func (e *EchoSuppressor) WasRecentlySaved(listKey model.ListKey) bool {
	e.Lock()
	defer e.Unlock()

	rec, found := e.records[listKey]
	if !found || e.now().Sub(rec.savedAt) >= e.grace {
		return false
	}

	rec.timer.Stop()
	delete(e.records, listKey)

	return true
}

// Len returns the number of live records.
func (e *EchoSuppressor) Len() int {
	e.Lock()
	defer e.Unlock()

	return len(e.records)
}

// Close stops all garbage collection timers.
func (e *EchoSuppressor) Close() {
	e.Lock()
	defer e.Unlock()

	for key, rec := range e.records {
		rec.timer.Stop()
		delete(e.records, key)
	}
}

// expire removes the record unless it was replaced by a later MarkSaved.
func (e *EchoSuppressor) expire(listKey model.ListKey, rec *echoRecord) {
	e.Lock()
	defer e.Unlock()

	if cur, found := e.records[listKey]; found && cur == rec {
		delete(e.records, listKey)
	}
}

type EchoOption func(e *EchoSuppressor)

// WithEchoClock overrides the wall clock used for the grace window check.
func WithEchoClock(now func() time.Time) EchoOption {
	return func(e *EchoSuppressor) {
		e.now = now
	}
}

// NewEchoSuppressor creates a new EchoSuppressor object; non-positive grace means DefaultEchoGrace.
func NewEchoSuppressor(grace time.Duration, opts ...EchoOption) *EchoSuppressor {
	if grace <= 0 {
		grace = DefaultEchoGrace
	}

	e := &EchoSuppressor{
		grace:   grace,
		now:     time.Now,
		records: make(map[model.ListKey]*echoRecord),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}
