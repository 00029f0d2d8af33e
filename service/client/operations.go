package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itiky/listsync/model"
)

// Lists returns the account lists (cached or fetched).
func (s *Session) Lists(ctx context.Context) ([]model.List, error) {
	if lists, ok := s.cachedLists(); ok {
		return lists, nil
	}

	return s.fetchLists(ctx)
}

// List returns a single list (cached or fetched).
func (s *Session) List(ctx context.Context, listKey model.ListKey) (model.List, error) {
	s.cacheMu.RLock()
	list, found := s.lists[listKey]
	s.cacheMu.RUnlock()
	if found {
		return copyList(*list), nil
	}

	return s.fetchList(ctx, listKey)
}

// fetchLists fetches and caches the whole collection.
func (s *Session) fetchLists(ctx context.Context) ([]model.List, error) {
	epoch := s.saveEpoch()

	opStart := time.Now()
	lists, err := s.transport.FetchLists(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching lists: %w", err)
	}
	monitor.Refetched(time.Since(opStart))

	s.cacheMu.Lock()
	s.order = make([]model.ListKey, 0, len(lists))
	for idx := range lists {
		s.order = append(s.order, lists[idx].Key)
		s.cacheFetched(lists[idx], epoch)
		lists[idx] = copyList(*s.lists[lists[idx].Key])
	}
	s.cacheMu.Unlock()

	s.logger.Debug("lists fetched", "count", len(lists), "dur", time.Since(opStart))

	return lists, nil
}

// fetchList fetches and caches a single list.
func (s *Session) fetchList(ctx context.Context, listKey model.ListKey) (model.List, error) {
	epoch := s.saveEpoch()

	opStart := time.Now()
	fetched, err := s.transport.FetchList(ctx, listKey)
	if err != nil {
		return model.List{}, fmt.Errorf("fetching list (%s): %w", listKey, err)
	}
	monitor.Refetched(time.Since(opStart))

	s.cacheMu.Lock()
	s.cacheFetched(fetched, epoch)
	list := copyList(*s.lists[listKey])
	s.cacheMu.Unlock()

	return list, nil
}

// UpdateItem persists payload changes of a single item.
func (s *Session) UpdateItem(ctx context.Context, listKey model.ListKey, itemId string, fields map[string]interface{}) (model.Item, error) {
	lock := s.saveLock(listKey)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.transport.UpdateItem(ctx, listKey, itemId, fields)
	if err != nil {
		return model.Item{}, fmt.Errorf("updating item (%s/%s): %w", listKey, itemId, err)
	}
	s.markEcho(listKey)

	s.cacheMu.Lock()
	s.markSaved(listKey)
	if list, found := s.lists[listKey]; found {
		for idx := range list.Items {
			if list.Items[idx].CanonicalId() == itemId {
				list.Items[idx] = item.Copy()
			}
		}
	}
	s.cacheMu.Unlock()

	return item, nil
}

// Delete removes the list remotely and locally.
func (s *Session) Delete(ctx context.Context, listKey model.ListKey) error {
	s.scheduler.discard(listKey)

	lock := s.saveLock(listKey)
	lock.Lock()
	defer lock.Unlock()

	if err := s.transport.DeleteList(ctx, listKey); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting list (%s): %w", listKey, err)
	}
	s.markEcho(listKey)

	s.cacheMu.RLock()
	wasMain := false
	if list, found := s.lists[listKey]; found {
		wasMain = list.IsMain
	}
	s.cacheMu.RUnlock()

	s.Forget(listKey)
	if wasMain {
		// The server promoted another main list
		s.InvalidateAll()
	}

	s.cacheMu.Lock()
	if s.order != nil {
		order := make([]model.ListKey, 0, len(s.order))
		for _, key := range s.order {
			if key != listKey {
				order = append(order, key)
			}
		}
		s.order = order
	}
	s.cacheMu.Unlock()

	return nil
}

// saveList is the Scheduler SaveFunc: sends a diff against the last saved snapshot or the full list.
// Transport calls are serialized per list so that a slower older save can not overwrite a newer snapshot.
func (s *Session) saveList(ctx context.Context, listKey model.ListKey, items model.Items) error {
	lock := s.saveLock(listKey)
	lock.Lock()
	defer lock.Unlock()

	payload := model.NewFullSavePayload(items)
	if diff := model.ComputeDiff(s.snapshots.Get(listKey), items, s.diffOpts...); diff != nil {
		if diff.IsEmpty() {
			s.logger.Debug("save skipped: no changes", "listKey", listKey)
			return nil
		}
		payload = model.NewDiffSavePayload(*diff)
	}

	opStart := time.Now()
	saved, err := s.transport.Save(ctx, listKey, payload)
	if err != nil && payload.IsDiff() && errors.Is(err, ErrConflict) {
		// The server contents moved away from our snapshot: replace them
		s.logger.Warn("diff rejected: falling back to full save", "listKey", listKey, "err", err)
		payload = model.NewFullSavePayload(items)
		saved, err = s.transport.Save(ctx, listKey, payload)
	}
	if err != nil {
		return fmt.Errorf("saving list (%s): %w", listKey, err)
	}
	opDur := time.Since(opStart)

	s.snapshots.Set(listKey, items)
	s.markEcho(listKey)

	s.cacheMu.Lock()
	s.markSaved(listKey)
	if list, found := s.lists[listKey]; found {
		list.UpdatedAt = saved.UpdatedAt
	}
	s.cacheMu.Unlock()

	s.logger.Debug("list saved", "listKey", listKey, "diff", payload.IsDiff(), "items", len(items), "dur", opDur)
	monitor.Saved(payload.IsDiff(), opDur)

	return nil
}

// cachedLists returns the cached collection in order.
func (s *Session) cachedLists() ([]model.List, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if s.order == nil {
		return nil, false
	}

	lists := make([]model.List, 0, len(s.order))
	for _, key := range s.order {
		list, found := s.lists[key]
		if !found {
			// A list view was invalidated: the collection must be refetched
			return nil, false
		}
		lists = append(lists, copyList(*list))
	}

	return lists, true
}

// markEcho records the write for the Echo Suppressor unless the server already
// excludes this session realtime connection from the broadcast (its echo never arrives).
// A write racing a reconnect carries the previous connection id: its echo is refetched once.
func (s *Session) markEcho(listKey model.ListKey) {
	if ct, ok := s.transport.(connectionTransport); ok && ct.ConnectionId() != "" {
		return
	}
	s.echo.MarkSaved(listKey)
}

// saveEpoch returns the session save sequence to be passed to cacheFetched after a fetch.
func (s *Session) saveEpoch() uint64 {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	return s.saveSeq
}

// markSaved records a completed write of the list.
// Must be called with cacheMu locked.
func (s *Session) markSaved(listKey model.ListKey) {
	s.saveSeq++
	s.lastSaved[listKey] = s.saveSeq
}

// cacheFetched caches a list fetched from durable storage and establishes its snapshot.
// epoch is the save sequence taken before the fetch: contents fetched before a
// completed local write are stale and do not replace the cached view or the snapshot.
// A list with unsaved local edits (pending or in progress) keeps the local items.
// Must be called with cacheMu locked.
func (s *Session) cacheFetched(fetched model.List, epoch uint64) {
	local, found := s.lists[fetched.Key]
	if s.lastSaved[fetched.Key] > epoch {
		if !found {
			list := copyList(fetched)
			s.lists[fetched.Key] = &list
		}
		return
	}

	s.snapshots.Set(fetched.Key, fetched.Items)

	list := copyList(fetched)
	if found && s.scheduler.HasUnsaved(fetched.Key) {
		list.Items = local.Items
	}
	s.lists[fetched.Key] = &list
}

func copyList(l model.List) model.List {
	l.Items = l.Items.Copy()
	if l.Year != nil {
		year := *l.Year
		l.Year = &year
	}

	return l
}
