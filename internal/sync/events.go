package sync

import "github.com/matheus3301/msync/internal/model"

// MessagesChanged carries the full ordered view of one conversation.
type MessagesChanged struct {
	GroupID  int64
	Messages []model.Message
}

// StatusChanged reports a delivery status change for one message.
type StatusChanged struct {
	GroupID     int64
	ID          int64
	ClientMsgID string
	Status      model.MessageStatus
	Error       string
	Retryable   bool
}

// SendAck is published once the server accepted a queued message.
type SendAck struct {
	GroupID     int64
	LocalID     int64
	ServerID    int64
	ClientMsgID string
}

// SendFailed is published when a queued message is marked failed.
// Permanent is set when the server rejected it outright.
type SendFailed struct {
	GroupID     int64
	LocalID     int64
	ClientMsgID string
	Error       string
	Permanent   bool
}

// TypingChanged carries the users currently typing in a group.
type TypingChanged struct {
	GroupID int64
	Users   []string
}

// GroupsChanged carries the refreshed group list.
type GroupsChanged struct {
	Groups []model.Group
}

// PresenceChanged relays a presence update from the transport.
type PresenceChanged struct {
	UserID string
	Status string
}
