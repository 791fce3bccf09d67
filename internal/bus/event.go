package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds shared across packages.
const (
	KindConnectionChanged = "connection.status_changed"
	KindMessagesChanged   = "messages.changed"
	KindMessageStatus     = "message.status_changed"
	KindSendAck           = "message.send_ack"
	KindSendFailed        = "message.send_failed"
	KindTypingChanged     = "typing.changed"
	KindGroupsChanged     = "groups.changed"
	KindPresenceChanged   = "presence.changed"
)

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
