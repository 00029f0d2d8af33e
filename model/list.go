package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	itemIdField    = "id"
	itemAliasField = "_id"
)

type (
	// List is an ordered collection of items owned by one account.
	List struct {
		Key       ListKey   `json:"key"`
		Name      string    `json:"name"`
		Year      *int      `json:"year,omitempty"`
		IsMain    bool      `json:"isMain"`
		GroupId   string    `json:"groupId,omitempty"`
		SortOrder int       `json:"sortOrder"`
		Items     Items     `json:"items"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// ListPatch carries the list metadata fields to change (nil fields are kept).
	ListPatch struct {
		Name    *string `json:"name,omitempty"`
		Year    *int    `json:"year,omitempty"`
		GroupId *string `json:"groupId,omitempty"`
	}

	// Items is an ordered item sequence; the position of an item is its index.
	Items []Item

	// Item is an opaque record with a stable identifier.
	// Id is the canonical identifier, Alias is a legacy identifier tolerated for compatibility.
	Item struct {
		Id     string
		Alias  string
		Fields map[string]interface{}
	}
)

// String implements the stringer interface.
func (l List) String() string {
	str := strings.Builder{}
	str.WriteString(fmt.Sprintf("%s (%s):\n", l.Name, l.Key))
	str.WriteString(l.Items.String())

	return str.String()
}

// String implements the stringer interface.
func (items Items) String() string {
	str := strings.Builder{}
	for i, item := range items {
		str.WriteString(fmt.Sprintf("- [%d] %s\n", i, item.CanonicalId()))
	}

	return str.String()
}

// Ids projects items to their canonical ids dropping items without one.
func (items Items) Ids() []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id := item.CanonicalId(); id != "" {
			ids = append(ids, id)
		}
	}

	return ids
}

// Copy returns a deep enough copy for the caller to mutate the sequence and item fields maps.
func (items Items) Copy() Items {
	if items == nil {
		return nil
	}

	itemsCopy := make(Items, 0, len(items))
	for _, item := range items {
		itemsCopy = append(itemsCopy, item.Copy())
	}

	return itemsCopy
}

// NewItem creates an Item with the canonical id and payload fields.
func NewItem(id string, fields map[string]interface{}) Item {
	return Item{
		Id:     id,
		Fields: fields,
	}
}

// CanonicalId returns the item identifier: Id if set, Alias otherwise.
func (i Item) CanonicalId() string {
	if i.Id != "" {
		return i.Id
	}

	return i.Alias
}

// Copy returns the item with a copied fields map.
func (i Item) Copy() Item {
	itemCopy := Item{
		Id:    i.Id,
		Alias: i.Alias,
	}
	if i.Fields != nil {
		itemCopy.Fields = make(map[string]interface{}, len(i.Fields))
		for k, v := range i.Fields {
			itemCopy.Fields[k] = v
		}
	}

	return itemCopy
}

// Merge returns a copy of the item with fields overwritten by the patch values.
// Identifier fields in the patch are ignored.
func (i Item) Merge(patch map[string]interface{}) Item {
	merged := i.Copy()
	if merged.Fields == nil {
		merged.Fields = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		if k == itemIdField || k == itemAliasField {
			continue
		}
		merged.Fields[k] = v
	}

	return merged
}

// MarshalJSON flattens the item: identifiers and payload fields share one object.
func (i Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.flatten())
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Item) UnmarshalJSON(data []byte) error {
	fields := make(map[string]interface{})
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	id, err := idFieldValue(fields, itemIdField)
	if err != nil {
		return err
	}
	alias, err := idFieldValue(fields, itemAliasField)
	if err != nil {
		return err
	}
	delete(fields, itemIdField)
	delete(fields, itemAliasField)

	i.Id, i.Alias = id, alias
	i.Fields = nil
	if len(fields) > 0 {
		i.Fields = fields
	}

	return nil
}

// flatten builds a single map of identifiers and payload fields.
func (i Item) flatten() map[string]interface{} {
	flat := make(map[string]interface{}, len(i.Fields)+2)
	for k, v := range i.Fields {
		flat[k] = v
	}
	if i.Id != "" {
		flat[itemIdField] = i.Id
	}
	if i.Alias != "" {
		flat[itemAliasField] = i.Alias
	}

	return flat
}

// idFieldValue reads an identifier field accepting strings and numbers.
func idFieldValue(fields map[string]interface{}, name string) (string, error) {
	raw, found := fields[name]
	if !found || raw == nil {
		return "", nil
	}

	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%s: unsupported type %T", name, raw)
	}
}
