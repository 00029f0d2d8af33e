package model

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const (
	eventUpdatedAtField    = "updatedAt"
	eventListKeyField      = "listKey"
	eventConnectionIdField = "connectionId"
)

// Event is an ephemeral broadcast notification: {type, payload: {...fields, updatedAt}}.
type Event struct {
	Type    EventType              `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// NewEvent creates an Event stamping the payload with the generation timestamp.
// The input payload is copied.
func NewEvent(eventType EventType, payload map[string]interface{}, now time.Time) Event {
	p := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		p[k] = v
	}
	p[eventUpdatedAtField] = now.UTC().Format(time.RFC3339Nano)

	return Event{
		Type:    eventType,
		Payload: p,
	}
}

// ListEventPayload builds the common payload for list scoped events.
func ListEventPayload(listKey ListKey, fields map[string]interface{}) map[string]interface{} {
	p := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		p[k] = v
	}
	p[eventListKeyField] = string(listKey)

	return p
}

// ListKey returns the list key the event refers to (empty for account wide events without one).
func (e Event) ListKey() ListKey {
	if v, ok := e.Payload[eventListKeyField].(string); ok {
		return ListKey(v)
	}

	return ""
}

// UpdatedAt returns the event generation timestamp.
func (e Event) UpdatedAt() (time.Time, error) {
	v, ok := e.Payload[eventUpdatedAtField].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%s: missing", eventUpdatedAtField)
	}

	return time.Parse(time.RFC3339Nano, v)
}

// Marshal encodes the event to the wire format.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes and validates a wire event.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("json unmarshal: %w", err)
	}

	if e.Type == HelloEventType {
		return e, nil
	}
	if !e.Type.IsValid() {
		return Event{}, fmt.Errorf("%s (%s): unknown", "type", e.Type)
	}
	if e.Payload == nil {
		return Event{}, fmt.Errorf("%s: missing", "payload")
	}
	if !e.Type.IsAccountWide() && e.ListKey() == "" {
		return Event{}, fmt.Errorf("%s: %s: missing", e.Type, eventListKeyField)
	}

	return e, nil
}

// NewHelloEvent creates the handshake greeting carrying the connection id.
func NewHelloEvent(connId ConnectionId, now time.Time) Event {
	return NewEvent(HelloEventType, map[string]interface{}{
		eventConnectionIdField: string(connId),
	}, now)
}

// ConnectionId returns the connection id of a hello event.
func (e Event) ConnectionId() ConnectionId {
	if v, ok := e.Payload[eventConnectionIdField].(string); ok {
		return ConnectionId(v)
	}

	return ""
}
