package model

type (
	// AccountId identifies the owner of lists; all sessions of one account share a broadcast room.
	AccountId string

	// ListKey identifies a List within an account.
	ListKey string

	// ConnectionId identifies a single realtime connection (one per session).
	ConnectionId string
)

// ConnectionIdHeader carries the writer realtime connection id so that the change is not echoed back to it.
const ConnectionIdHeader = "X-Connection-Id"

type EventType string

const (
	ListUpdatedEventType         EventType = "list:updated"
	ListCreatedEventType         EventType = "list:created"
	ListDeletedEventType         EventType = "list:deleted"
	ListRenamedEventType         EventType = "list:renamed"
	MainListChangedEventType     EventType = "list:main-changed"
	ListReorderedEventType       EventType = "list:reordered"
	ItemMetadataUpdatedEventType EventType = "item:metadata-updated"

	// HelloEventType is sent once by the server right after the handshake, carrying the connection id.
	HelloEventType EventType = "hello"
)

// EventTypes lists the change notifications a dispatcher may emit.
var EventTypes = []EventType{
	ListUpdatedEventType,
	ListCreatedEventType,
	ListDeletedEventType,
	ListRenamedEventType,
	MainListChangedEventType,
	ListReorderedEventType,
	ItemMetadataUpdatedEventType,
}

// IsValid checks if the event type is a known change notification.
func (t EventType) IsValid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}

	return false
}

// IsAccountWide reports whether the event affects the account's list collection
// rather than the contents of a single list.
func (t EventType) IsAccountWide() bool {
	switch t {
	case ListCreatedEventType, ListDeletedEventType, ListReorderedEventType, MainListChangedEventType:
		return true
	}

	return false
}
