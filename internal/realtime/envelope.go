package realtime

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/msync/internal/model"
)

// Envelope types on the wire.
const (
	TypeChat        = "chat"
	TypeTyping      = "typing"
	TypePresence    = "presence"
	TypeReaction    = "reaction"
	TypeHeartbeat   = "heartbeat"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Chat actions carried in a chat envelope.
const (
	ActionNew     = "new"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Bus kinds for inbound events. Subscribe to "realtime." for all of them.
const (
	KindMessageNew     = "realtime.message.new"
	KindMessageUpdated = "realtime.message.updated"
	KindMessageDeleted = "realtime.message.deleted"
	KindTyping         = "realtime.typing"
	KindPresence       = "realtime.presence"
	KindReaction       = "realtime.reaction"
)

// Durable reports whether events of kind change stored messages and so
// must reach the sync engine. Typing and presence are ephemeral.
func Durable(kind string) bool {
	switch kind {
	case KindMessageNew, KindMessageUpdated, KindMessageDeleted:
		return true
	}
	return false
}

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ConversationID int64           `json:"conversationId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ChatPayload is the payload of a chat envelope.
type ChatPayload struct {
	Action  string        `json:"action"`
	Message model.Message `json:"message"`
}

// TypingPayload is the payload of a typing envelope.
type TypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// PresencePayload is the payload of a presence envelope.
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Event is published on the bus for every inbound envelope worth acting on.
type Event struct {
	Kind           string
	ConversationID int64
	Message        *model.Message
	Typing         *TypingPayload
	Presence       *PresencePayload
	Raw            json.RawMessage
	Timestamp      time.Time
}

// NewEnvelope builds an outbound envelope with a JSON-encoded payload.
func NewEnvelope(typ string, conversationID int64, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ConversationID: conversationID, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// decode turns a wire envelope into a bus event. ok is false for frames that
// carry nothing for subscribers (heartbeats, unknown types, bad payloads).
func decode(env Envelope) (evt Event, ok bool) {
	evt = Event{ConversationID: env.ConversationID, Raw: env.Payload, Timestamp: env.Timestamp}
	switch env.Type {
	case TypeChat:
		var p ChatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		switch p.Action {
		case ActionNew:
			evt.Kind = KindMessageNew
		case ActionUpdated:
			evt.Kind = KindMessageUpdated
		case ActionDeleted:
			evt.Kind = KindMessageDeleted
		default:
			return Event{}, false
		}
		if evt.ConversationID == 0 {
			evt.ConversationID = p.Message.GroupID
		}
		if p.Message.GroupID == 0 {
			p.Message.GroupID = evt.ConversationID
		}
		evt.Message = &p.Message
	case TypeTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		evt.Kind = KindTyping
		evt.Typing = &p
	case TypePresence:
		var p PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		evt.Kind = KindPresence
		evt.Presence = &p
	case TypeReaction:
		evt.Kind = KindReaction
	default:
		return Event{}, false
	}
	return evt, true
}
