package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itiky/listsync/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid input")
	// ErrConflict is returned when a diff does not match the stored list contents.
	ErrConflict = errors.New("conflict")
)

type (
	// Storage applies list writes atomically per account on top of a backend.
	// Storage is last-write-wins at the list level.
	Storage struct {
		backend backend
		now     func() time.Time
	}

	// backend runs fn against a consistent view of the account lists.
	// update commits ListSet modifications if fn succeeds.
	backend interface {
		view(ctx context.Context, accountId model.AccountId, fn func(set *ListSet) error) error
		update(ctx context.Context, accountId model.AccountId, fn func(set *ListSet) error) error
		Close() error
	}
)

// Lists returns all account lists ordered by SortOrder.
func (s *Storage) Lists(ctx context.Context, accountId model.AccountId) ([]model.List, error) {
	var lists []model.List
	err := s.backend.view(ctx, accountId, func(set *ListSet) error {
		sorted := set.Sorted()
		lists = make([]model.List, 0, len(sorted))
		for _, list := range sorted {
			lists = append(lists, copyList(*list))
		}
		return nil
	})

	return lists, err
}

// Get returns a single list.
func (s *Storage) Get(ctx context.Context, accountId model.AccountId, key model.ListKey) (model.List, error) {
	var list model.List
	err := s.backend.view(ctx, accountId, func(set *ListSet) error {
		l, err := set.Get(key)
		if err != nil {
			return err
		}
		list = copyList(*l)
		return nil
	})

	return list, err
}

// Create creates a new list; an empty key is generated.
// The first account list becomes the main list.
func (s *Storage) Create(ctx context.Context, accountId model.AccountId, req model.CreateListRequest) (model.List, error) {
	if err := req.Validate(); err != nil {
		return model.List{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	key := req.Key
	if key == "" {
		key = model.ListKey(uuid.New().String())
	}

	var created model.List
	err := s.backend.update(ctx, accountId, func(set *ListSet) error {
		if _, err := set.Get(key); err == nil {
			return fmt.Errorf("list (%s): %w", key, ErrAlreadyExists)
		}

		existing := set.Sorted()
		sortOrder := 0
		if len(existing) > 0 {
			sortOrder = existing[len(existing)-1].SortOrder + 1
		}

		now := s.now()
		items := req.Items.Copy()
		if items == nil {
			items = make(model.Items, 0)
		}
		list := &model.List{
			Key:       key,
			Name:      req.Name,
			Year:      req.Year,
			GroupId:   req.GroupId,
			SortOrder: sortOrder,
			Items:     items,
			CreatedAt: now,
			UpdatedAt: now,
		}
		set.Put(list)

		if req.IsMain || len(existing) == 0 {
			setMain(set, key)
		}

		created = copyList(*list)
		return nil
	})

	return created, err
}

// ReplaceItems replaces the list contents (full save).
func (s *Storage) ReplaceItems(ctx context.Context, accountId model.AccountId, key model.ListKey, items model.Items) (model.List, error) {
	return s.updateList(ctx, accountId, key, func(list *model.List) error {
		list.Items = items.Copy()
		if list.Items == nil {
			list.Items = make(model.Items, 0)
		}
		return nil
	})
}

// ApplyDiff applies an incremental update; ErrConflict is returned when the diff does not fit the stored contents.
func (s *Storage) ApplyDiff(ctx context.Context, accountId model.AccountId, key model.ListKey, diff model.Diff) (model.List, error) {
	return s.updateList(ctx, accountId, key, func(list *model.List) error {
		items, err := model.ApplyDiff(list.Items, diff)
		if err != nil {
			return fmt.Errorf("list (%s): %w: %v", key, ErrConflict, err)
		}
		list.Items = items
		return nil
	})
}

// Save applies a SavePayload: full replace or diff.
func (s *Storage) Save(ctx context.Context, accountId model.AccountId, key model.ListKey, payload model.SavePayload) (model.List, error) {
	if err := payload.Validate(); err != nil {
		return model.List{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if payload.IsDiff() {
		return s.ApplyDiff(ctx, accountId, key, *payload.Diff)
	}

	return s.ReplaceItems(ctx, accountId, key, payload.Full)
}

// UpdateMeta updates the list name / year / group.
func (s *Storage) UpdateMeta(ctx context.Context, accountId model.AccountId, key model.ListKey, patch model.ListPatch) (model.List, error) {
	if patch.Name != nil && *patch.Name == "" {
		return model.List{}, fmt.Errorf("%w: %s: empty", ErrInvalid, "name")
	}

	return s.updateList(ctx, accountId, key, func(list *model.List) error {
		if patch.Name != nil {
			list.Name = *patch.Name
		}
		if patch.Year != nil {
			year := *patch.Year
			list.Year = &year
		}
		if patch.GroupId != nil {
			list.GroupId = *patch.GroupId
		}
		return nil
	})
}

// UpdateItem merges payload fields into a single list item.
func (s *Storage) UpdateItem(ctx context.Context, accountId model.AccountId, key model.ListKey, itemId string, fields map[string]interface{}) (model.Item, error) {
	var updated model.Item
	_, err := s.updateList(ctx, accountId, key, func(list *model.List) error {
		for idx, item := range list.Items {
			if item.CanonicalId() != itemId {
				continue
			}
			list.Items[idx] = item.Merge(fields)
			updated = list.Items[idx].Copy()
			return nil
		}
		return fmt.Errorf("item (%s): %w", itemId, ErrNotFound)
	})

	return updated, err
}

// SetMain marks the list as the account main list (unmarking the previous one).
func (s *Storage) SetMain(ctx context.Context, accountId model.AccountId, key model.ListKey) (model.List, error) {
	var main model.List
	err := s.backend.update(ctx, accountId, func(set *ListSet) error {
		if _, err := set.Get(key); err != nil {
			return err
		}
		setMain(set, key)

		list, _ := set.Get(key)
		list.UpdatedAt = s.now()
		main = copyList(*list)
		return nil
	})

	return main, err
}

// Reorder sets the lists SortOrder following the order given.
// Lists not mentioned keep their relative order after the ordered ones.
func (s *Storage) Reorder(ctx context.Context, accountId model.AccountId, order []model.ListKey) ([]model.List, error) {
	if err := (model.ReorderListsRequest{Order: order}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var lists []model.List
	err := s.backend.update(ctx, accountId, func(set *ListSet) error {
		ordered := make(map[model.ListKey]bool, len(order))
		for _, key := range order {
			if _, err := set.Get(key); err != nil {
				return err
			}
			ordered[key] = true
		}

		rest := make([]model.ListKey, 0)
		for _, list := range set.Sorted() {
			if !ordered[list.Key] {
				rest = append(rest, list.Key)
			}
		}

		for sortOrder, key := range append(append([]model.ListKey{}, order...), rest...) {
			list, _ := set.Get(key)
			if list.SortOrder != sortOrder {
				list.SortOrder = sortOrder
				set.MarkModified(key)
			}
		}

		sorted := set.Sorted()
		lists = make([]model.List, 0, len(sorted))
		for _, list := range sorted {
			lists = append(lists, copyList(*list))
		}
		return nil
	})

	return lists, err
}

// Delete removes the list.
// Removing the main list promotes the first remaining one, which is returned (nil otherwise).
func (s *Storage) Delete(ctx context.Context, accountId model.AccountId, key model.ListKey) (*model.List, error) {
	var promoted *model.List
	err := s.backend.update(ctx, accountId, func(set *ListSet) error {
		list, err := set.Get(key)
		if err != nil {
			return err
		}
		wasMain := list.IsMain
		set.Remove(key)

		rest := set.Sorted()
		if !wasMain || len(rest) == 0 {
			return nil
		}
		setMain(set, rest[0].Key)
		rest[0].UpdatedAt = s.now()

		main := copyList(*rest[0])
		promoted = &main
		return nil
	})
	if err != nil {
		return nil, err
	}

	return promoted, nil
}

// Close closes the backend.
func (s *Storage) Close() error {
	return s.backend.Close()
}

// updateList runs fn against a single list bumping its UpdatedAt.
func (s *Storage) updateList(ctx context.Context, accountId model.AccountId, key model.ListKey, fn func(list *model.List) error) (model.List, error) {
	var updated model.List
	err := s.backend.update(ctx, accountId, func(set *ListSet) error {
		list, err := set.Get(key)
		if err != nil {
			return err
		}
		if err := fn(list); err != nil {
			return err
		}

		list.UpdatedAt = s.now()
		set.MarkModified(key)
		updated = copyList(*list)
		return nil
	})

	return updated, err
}

// setMain keeps exactly one main list in the set.
func setMain(set *ListSet, key model.ListKey) {
	for _, list := range set.Sorted() {
		isMain := list.Key == key
		if list.IsMain != isMain {
			list.IsMain = isMain
			set.MarkModified(list.Key)
		}
	}
}

// newStorage creates a Storage on top of the backend.
func newStorage(b backend, now func() time.Time) *Storage {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Storage{
		backend: b,
		now:     now,
	}
}
