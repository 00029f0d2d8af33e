package model

import (
	"github.com/goccy/go-json"
)

const (
	DefaultDiffMinThreshold      = 20
	DefaultDiffThresholdFraction = 0.5
)

type (
	// Diff describes how to upgrade a saved list snapshot to a new item sequence.
	// Positions are 1-based indexes in the new sequence.
	Diff struct {
		Added        []AddedItem   `json:"added"`
		Removed      []string      `json:"removed"`
		Updated      []UpdatedItem `json:"updated"`
		TotalChanges int           `json:"totalChanges"`
	}

	// AddedItem is a new item with its position.
	AddedItem struct {
		Item     Item
		Position int
	}

	// UpdatedItem is an existing item that moved to a new position.
	UpdatedItem struct {
		Id       string `json:"id"`
		Position int    `json:"position"`
	}

	// DiffOptions define when a diff is too large to be worth sending.
	DiffOptions struct {
		MinThreshold      int
		ThresholdFraction float64
	}

	DiffOption func(o *DiffOptions)
)

// WithDiffThreshold overrides the default threshold policy.
func WithDiffThreshold(minThreshold int, fraction float64) DiffOption {
	return func(o *DiffOptions) {
		o.MinThreshold = minThreshold
		o.ThresholdFraction = fraction
	}
}

// Threshold returns the max number of changes for a snapshot of the given length.
func (o DiffOptions) Threshold(snapshotLen int) int {
	threshold := int(float64(snapshotLen) * o.ThresholdFraction)
	if threshold < o.MinThreshold {
		return o.MinThreshold
	}

	return threshold
}

// IsEmpty checks if the diff carries no changes.
func (d Diff) IsEmpty() bool {
	return d.TotalChanges == 0
}

// ComputeDiff compares the saved snapshot (ordered ids) with the new item sequence.
// Returns nil if there is no baseline or too much has changed: the caller must fall back to a full save.
func ComputeDiff(oldIds []string, newItems Items, opts ...DiffOption) *Diff {
	if len(oldIds) == 0 {
		return nil
	}

	options := DiffOptions{
		MinThreshold:      DefaultDiffMinThreshold,
		ThresholdFraction: DefaultDiffThresholdFraction,
	}
	for _, opt := range opts {
		opt(&options)
	}

	oldIdxs := make(map[string]int, len(oldIds))
	for idx, id := range oldIds {
		if _, found := oldIdxs[id]; !found {
			oldIdxs[id] = idx
		}
	}

	newIds := make(map[string]struct{}, len(newItems))
	for _, item := range newItems {
		if id := item.CanonicalId(); id != "" {
			newIds[id] = struct{}{}
		}
	}

	diff := Diff{
		Added:   make([]AddedItem, 0),
		Removed: make([]string, 0),
		Updated: make([]UpdatedItem, 0),
	}

	for _, id := range oldIds {
		if _, found := newIds[id]; !found {
			diff.Removed = append(diff.Removed, id)
		}
	}

	for newIdx, item := range newItems {
		id := item.CanonicalId()
		if id == "" {
			continue
		}

		oldIdx, found := oldIdxs[id]
		if !found {
			diff.Added = append(diff.Added, AddedItem{
				Item:     item,
				Position: newIdx + 1,
			})
			continue
		}

		if oldIdx != newIdx {
			diff.Updated = append(diff.Updated, UpdatedItem{
				Id:       id,
				Position: newIdx + 1,
			})
		}
	}

	diff.TotalChanges = len(diff.Removed) + len(diff.Added) + len(diff.Updated)
	if diff.TotalChanges > options.Threshold(len(oldIds)) {
		return nil
	}

	return &diff
}

// MarshalJSON flattens the added item: payload fields alongside the position.
func (a AddedItem) MarshalJSON() ([]byte, error) {
	flat := a.Item.flatten()
	flat["position"] = a.Position

	return json.Marshal(flat)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *AddedItem) UnmarshalJSON(data []byte) error {
	var position struct {
		Position int `json:"position"`
	}
	if err := json.Unmarshal(data, &position); err != nil {
		return err
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	delete(item.Fields, "position")
	if len(item.Fields) == 0 {
		item.Fields = nil
	}

	a.Item, a.Position = item, position.Position

	return nil
}
