package storage

import (
	"context"
	"sync"
	"time"

	"github.com/itiky/listsync/model"
)

// memoryBackend keeps account lists in memory.
type memoryBackend struct {
	sync.RWMutex
	accounts map[model.AccountId]map[model.ListKey]model.List
}

// view implements backend interface.
func (b *memoryBackend) view(ctx context.Context, accountId model.AccountId, fn func(set *ListSet) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.RLock()
	defer b.RUnlock()

	return fn(b.listSet(accountId))
}

// update implements backend interface.
func (b *memoryBackend) update(ctx context.Context, accountId model.AccountId, fn func(set *ListSet) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.Lock()
	defer b.Unlock()

	set := b.listSet(accountId)
	if err := fn(set); err != nil {
		return err
	}

	lists, found := b.accounts[accountId]
	if !found {
		lists = make(map[model.ListKey]model.List)
		b.accounts[accountId] = lists
	}
	for _, list := range set.Modified() {
		lists[list.Key] = copyList(*list)
	}
	for _, key := range set.Removed() {
		delete(lists, key)
	}

	return nil
}

// Close implements backend interface.
func (b *memoryBackend) Close() error {
	return nil
}

// listSet builds a ListSet from account list copies.
func (b *memoryBackend) listSet(accountId model.AccountId) *ListSet {
	stored := b.accounts[accountId]
	lists := make([]model.List, 0, len(stored))
	for _, list := range stored {
		lists = append(lists, copyList(list))
	}

	return newListSet(lists)
}

// NewMemoryStorage creates a new in-memory Storage object.
// now is optional (UTC wall clock by default).
func NewMemoryStorage(now func() time.Time) *Storage {
	return newStorage(&memoryBackend{
		accounts: make(map[model.AccountId]map[model.ListKey]model.List),
	}, now)
}
