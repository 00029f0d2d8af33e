package model

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Save the list contents REST request: exactly one of Full / Diff is set.
type (
	SavePayload struct {
		// Full list replace
		Full Items
		// Incremental update against the last saved snapshot
		Diff *Diff
	}

	SaveResponse struct {
		// Saved list state (items are omitted for diff saves)
		List List `json:"list"`
	}
)

// NewFullSavePayload creates a full replace SavePayload.
func NewFullSavePayload(items Items) SavePayload {
	if items == nil {
		items = make(Items, 0)
	}

	return SavePayload{Full: items}
}

// NewDiffSavePayload creates an incremental SavePayload.
func NewDiffSavePayload(diff Diff) SavePayload {
	return SavePayload{Diff: &diff}
}

// IsDiff checks if the payload is an incremental update.
func (p SavePayload) IsDiff() bool {
	return p.Diff != nil
}

// MarshalJSON encodes the payload as either {"full": [...]} or {"diff": {...}}.
func (p SavePayload) MarshalJSON() ([]byte, error) {
	if p.Diff != nil {
		return json.Marshal(struct {
			Diff *Diff `json:"diff"`
		}{p.Diff})
	}

	full := p.Full
	if full == nil {
		full = make(Items, 0)
	}

	return json.Marshal(struct {
		Full Items `json:"full"`
	}{full})
}

// UnmarshalJSON implements json.Unmarshaler: an empty "full" array is a valid list clear.
func (p *SavePayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Full json.RawMessage `json:"full"`
		Diff *Diff           `json:"diff"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Full, p.Diff = nil, raw.Diff
	if len(raw.Full) > 0 && string(raw.Full) != "null" {
		full := make(Items, 0)
		if err := json.Unmarshal(raw.Full, &full); err != nil {
			return fmt.Errorf("%s: %w", "full", err)
		}
		p.Full = full
	}

	return nil
}

// Validate performs basic payload validation.
func (p SavePayload) Validate() error {
	if p.Diff != nil && p.Full != nil {
		return fmt.Errorf("%s / %s: mutually exclusive", "full", "diff")
	}
	if p.Diff == nil && p.Full == nil {
		return fmt.Errorf("%s / %s: one must be set", "full", "diff")
	}

	return nil
}

// Create a new list REST request.
type CreateListRequest struct {
	Key     ListKey `json:"key,omitempty"`
	Name    string  `json:"name"`
	Year    *int    `json:"year,omitempty"`
	GroupId string  `json:"groupId,omitempty"`
	IsMain  bool    `json:"isMain,omitempty"`
	Items   Items   `json:"items,omitempty"`
}

// Validate performs basic request validation.
func (r CreateListRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%s: empty", "name")
	}

	return nil
}

// Reorder the account lists REST request.
type ReorderListsRequest struct {
	// List keys in the new order
	Order []ListKey `json:"order"`
}

// Validate performs basic request validation.
func (r ReorderListsRequest) Validate() error {
	if len(r.Order) == 0 {
		return fmt.Errorf("%s: empty", "order")
	}

	seen := make(map[ListKey]bool, len(r.Order))
	for i, key := range r.Order {
		if key == "" {
			return fmt.Errorf("%s[%d]: empty", "order", i)
		}
		if seen[key] {
			return fmt.Errorf("%s[%d] (%s): duplicate", "order", i, key)
		}
		seen[key] = true
	}

	return nil
}

// ErrorResponse is the REST error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
