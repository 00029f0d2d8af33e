package model

import (
	"errors"
	"fmt"
)

// ErrDiffMismatch is returned when a Diff can not be applied to the current item sequence.
var ErrDiffMismatch = errors.New("diff does not match list contents")

// ApplyDiff upgrades the current item sequence to a new version using the Diff.
// Items that are neither removed nor moved keep their index; added and moved items take their positions.
// Any collision or gap means the Diff was computed against a different baseline.
func ApplyDiff(items Items, diff Diff) (Items, error) {
	if total := len(diff.Removed) + len(diff.Added) + len(diff.Updated); total != diff.TotalChanges {
		return nil, fmt.Errorf("%w: totalChanges: %d, expected %d", ErrDiffMismatch, diff.TotalChanges, total)
	}

	curIdxs := make(map[string]int, len(items))
	for idx, item := range items {
		if id := item.CanonicalId(); id != "" {
			curIdxs[id] = idx
		}
	}

	removed := make(map[string]bool, len(diff.Removed))
	for i, id := range diff.Removed {
		if _, found := curIdxs[id]; !found {
			return nil, fmt.Errorf("%w: removed[%d] (%s): not found", ErrDiffMismatch, i, id)
		}
		removed[id] = true
	}

	newLen := len(items) - len(diff.Removed) + len(diff.Added)
	if newLen < 0 {
		return nil, fmt.Errorf("%w: negative resulting length", ErrDiffMismatch)
	}
	result := make(Items, newLen)
	filled := make([]bool, newLen)

	place := func(position int, item Item, op string, opIdx int) error {
		idx := position - 1
		if idx < 0 || idx >= newLen {
			return fmt.Errorf("%w: %s[%d]: position %d: out of range [1, %d]", ErrDiffMismatch, op, opIdx, position, newLen)
		}
		if filled[idx] {
			return fmt.Errorf("%w: %s[%d]: position %d: already taken", ErrDiffMismatch, op, opIdx, position)
		}
		result[idx], filled[idx] = item, true

		return nil
	}

	moved := make(map[string]bool, len(diff.Updated))
	for i, upd := range diff.Updated {
		curIdx, found := curIdxs[upd.Id]
		if !found || removed[upd.Id] {
			return nil, fmt.Errorf("%w: updated[%d] (%s): not found", ErrDiffMismatch, i, upd.Id)
		}
		if err := place(upd.Position, items[curIdx], "updated", i); err != nil {
			return nil, err
		}
		moved[upd.Id] = true
	}

	for i, add := range diff.Added {
		id := add.Item.CanonicalId()
		if id == "" {
			return nil, fmt.Errorf("%w: added[%d]: empty id", ErrDiffMismatch, i)
		}
		if _, found := curIdxs[id]; found && !removed[id] {
			return nil, fmt.Errorf("%w: added[%d] (%s): already exists", ErrDiffMismatch, i, id)
		}
		if err := place(add.Position, add.Item, "added", i); err != nil {
			return nil, err
		}
	}

	// Unchanged items keep their index
	for idx, item := range items {
		id := item.CanonicalId()
		if removed[id] || moved[id] {
			continue
		}
		if err := place(idx+1, item, "kept", idx); err != nil {
			return nil, err
		}
	}

	for idx, ok := range filled {
		if !ok {
			return nil, fmt.Errorf("%w: position %d: not filled", ErrDiffMismatch, idx+1)
		}
	}

	return result, nil
}
