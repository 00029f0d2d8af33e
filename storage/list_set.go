package storage

import (
	"fmt"
	"sort"

	"github.com/itiky/listsync/model"
)

// ListSet is a mutable view of one account lists used within a backend transaction.
// Modified lists are tracked so that backends only write what has changed.
type ListSet struct {
	lists   map[model.ListKey]*model.List
	dirty   map[model.ListKey]bool
	deleted map[model.ListKey]bool
}

// Get returns a list by key.
func (s *ListSet) Get(key model.ListKey) (*model.List, error) {
	list, found := s.lists[key]
	if !found {
		return nil, fmt.Errorf("list (%s): %w", key, ErrNotFound)
	}

	return list, nil
}

// Sorted returns lists ordered by SortOrder (key is the tiebreaker).
func (s *ListSet) Sorted() []*model.List {
	lists := make([]*model.List, 0, len(s.lists))
	for _, list := range s.lists {
		lists = append(lists, list)
	}

	sort.Slice(lists, func(i, j int) bool {
		if lists[i].SortOrder != lists[j].SortOrder {
			return lists[i].SortOrder < lists[j].SortOrder
		}
		return lists[i].Key < lists[j].Key
	})

	return lists
}

// Put adds or replaces a list marking it modified.
func (s *ListSet) Put(list *model.List) {
	s.lists[list.Key] = list
	s.dirty[list.Key] = true
	delete(s.deleted, list.Key)
}

// MarkModified marks an existing list as modified.
func (s *ListSet) MarkModified(key model.ListKey) {
	if _, found := s.lists[key]; found {
		s.dirty[key] = true
	}
}

// Remove deletes a list.
func (s *ListSet) Remove(key model.ListKey) {
	delete(s.lists, key)
	delete(s.dirty, key)
	s.deleted[key] = true
}

// Modified returns modified lists.
func (s *ListSet) Modified() []*model.List {
	lists := make([]*model.List, 0, len(s.dirty))
	for key := range s.dirty {
		lists = append(lists, s.lists[key])
	}

	return lists
}

// Removed returns deleted list keys.
func (s *ListSet) Removed() []model.ListKey {
	keys := make([]model.ListKey, 0, len(s.deleted))
	for key := range s.deleted {
		keys = append(keys, key)
	}

	return keys
}

// newListSet creates a ListSet from list copies.
func newListSet(lists []model.List) *ListSet {
	s := &ListSet{
		lists:   make(map[model.ListKey]*model.List, len(lists)),
		dirty:   make(map[model.ListKey]bool),
		deleted: make(map[model.ListKey]bool),
	}
	for idx := range lists {
		list := lists[idx]
		s.lists[list.Key] = &list
	}

	return s
}

// copyList returns a list copy safe to mutate.
func copyList(l model.List) model.List {
	l.Items = l.Items.Copy()
	if l.Year != nil {
		year := *l.Year
		l.Year = &year
	}

	return l
}
