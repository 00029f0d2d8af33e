package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itiky/listsync/model"
)

type (
	// SaveFunc persists the list items.
	SaveFunc func(ctx context.Context, listKey model.ListKey, items model.Items) error

	// Notifier is called on a failed save; the failure is not retried.
	Notifier func(listKey model.ListKey, err error)

	// Scheduler coalesces rapid successive edits of the same list into a single save.
	// Timers are kept per list: scheduling one list never delays or cancels another one.
	Scheduler struct {
		sync.Mutex
		// Config
		delay  time.Duration
		save   SaveFunc
		notify Notifier
		// State
		pending map[model.ListKey]*pendingSave
		running map[model.ListKey]int
		seq     uint64
		stopped bool
		// Per list save serialization
		runLocks map[model.ListKey]*sync.Mutex
		lastRun  map[model.ListKey]uint64
		//
		ctx      context.Context
		cancel   context.CancelFunc
		inFlight sync.WaitGroup
	}

	pendingSave struct {
		timer *time.Timer
		items model.Items
		gen   uint64
	}
)

// Schedule (re)arms the list timer: only the last call within the delay window triggers a save.
func (s *Scheduler) Schedule(listKey model.ListKey, items model.Items) {
	s.Lock()
	defer s.Unlock()

	if s.stopped {
		return
	}

	if p, found := s.pending[listKey]; found {
		p.timer.Stop()
	}
	s.seq++
	gen := s.seq

	p := &pendingSave{
		items: items.Copy(),
		gen:   gen,
	}
	p.timer = time.AfterFunc(s.delay, func() {
		s.fire(listKey, gen)
	})
	s.pending[listKey] = p
}

// Pending returns list keys with an armed timer.
func (s *Scheduler) Pending() []model.ListKey {
	s.Lock()
	defer s.Unlock()

	keys := make([]model.ListKey, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

// IsPending checks if the list has an armed timer.
func (s *Scheduler) IsPending(listKey model.ListKey) bool {
	s.Lock()
	defer s.Unlock()

	_, found := s.pending[listKey]

	return found
}

// HasUnsaved checks if the list has an armed timer or a save in progress.
func (s *Scheduler) HasUnsaved(listKey model.ListKey) bool {
	s.Lock()
	defer s.Unlock()

	_, found := s.pending[listKey]

	return found || s.running[listKey] > 0
}

// discard drops the list pending save without firing it.
func (s *Scheduler) discard(listKey model.ListKey) {
	s.Lock()
	defer s.Unlock()

	if p, found := s.pending[listKey]; found {
		p.timer.Stop()
		delete(s.pending, listKey)
	}
}

// Flush fires all pending saves immediately and waits for them.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.Lock()
	saves := make(map[model.ListKey]*pendingSave, len(s.pending))
	for key, p := range s.pending {
		p.timer.Stop()
		saves[key] = p
		s.running[key]++
	}
	s.pending = make(map[model.ListKey]*pendingSave)
	s.Unlock()

	var errs []error
	for key, p := range saves {
		if err := s.run(ctx, key, p.items, p.gen); err != nil {
			errs = append(errs, fmt.Errorf("list (%s): %w", key, err))
		}
		s.done(key)
	}

	return errors.Join(errs...)
}

// Stop cancels pending timers and waits for in-flight saves.
// Call Flush first to persist pending edits.
func (s *Scheduler) Stop() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
	s.Unlock()

	s.inFlight.Wait()
	s.cancel()
}

// fire is called by the list timer.
func (s *Scheduler) fire(listKey model.ListKey, gen uint64) {
	s.Lock()
	p, found := s.pending[listKey]
	if s.stopped || !found || p.gen != gen {
		// Superseded by a later Schedule / Flush / Stop
		s.Unlock()
		return
	}
	delete(s.pending, listKey)
	s.running[listKey]++
	s.inFlight.Add(1)
	s.Unlock()

	defer s.inFlight.Done()
	_ = s.run(s.ctx, listKey, p.items, p.gen)
	s.done(listKey)
}

// done releases the list running save counter.
func (s *Scheduler) done(listKey model.ListKey) {
	s.Lock()
	defer s.Unlock()

	if s.running[listKey]--; s.running[listKey] <= 0 {
		delete(s.running, listKey)
	}
}

// run calls the save and reports a failure.
// Saves of one list never overlap and a save older than the last started one is skipped.
func (s *Scheduler) run(ctx context.Context, listKey model.ListKey, items model.Items, gen uint64) error {
	s.Lock()
	lock, found := s.runLocks[listKey]
	if !found {
		lock = &sync.Mutex{}
		s.runLocks[listKey] = lock
	}
	s.Unlock()

	lock.Lock()
	defer lock.Unlock()

	s.Lock()
	if gen <= s.lastRun[listKey] {
		s.Unlock()
		return nil
	}
	s.lastRun[listKey] = gen
	s.Unlock()

	if err := s.save(ctx, listKey, items); err != nil {
		if s.notify != nil {
			s.notify(listKey, err)
		}
		return err
	}

	return nil
}

// NewScheduler creates a new Scheduler object.
func NewScheduler(delay time.Duration, save SaveFunc, notify Notifier) (*Scheduler, error) {
	if delay < 0 {
		return nil, fmt.Errorf("%s: must be GTE 0", "delay")
	}
	if save == nil {
		return nil, fmt.Errorf("%s: nil", "save")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		delay:    delay,
		save:     save,
		notify:   notify,
		pending:  make(map[model.ListKey]*pendingSave),
		running:  make(map[model.ListKey]int),
		runLocks: make(map[model.ListKey]*sync.Mutex),
		lastRun:  make(map[model.ListKey]uint64),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}
