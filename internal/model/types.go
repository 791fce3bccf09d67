package model

import (
	"sort"
	"time"
)

// MessageStatus is the delivery status shown next to a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// MessageType classifies message content. Only text is interpreted.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

// QueueState is the lifecycle state of an outgoing queue entry.
type QueueState string

const (
	QueuePending QueueState = "pending"
	QueueFailed  QueueState = "failed"
	QueueSent    QueueState = "sent"
)

// Group is a conversation with its list-view metadata.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	MemberCount int       `json:"memberCount"`
	LastMessage string    `json:"lastMessage,omitempty"`
	UnreadCount int       `json:"unreadCount"`
}

// Message is a single chat message. A negative ID marks a local message
// the server has not confirmed yet.
type Message struct {
	ID          int64         `json:"id"`
	GroupID     int64         `json:"groupId"`
	SenderID    string        `json:"senderId"`
	Content     string        `json:"content"`
	MessageType MessageType   `json:"messageType"`
	Status      MessageStatus `json:"status,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	EditedAt    *time.Time    `json:"editedAt,omitempty"`
	DeletedAt   *time.Time    `json:"deletedAt,omitempty"`
	ReplyToID   *int64        `json:"replyToId,omitempty"`
	ClientMsgID string        `json:"clientMsgId,omitempty"`
}

// IsLocal reports whether the message still carries a temporary id.
func (m Message) IsLocal() bool {
	return m.ID < 0
}

// PendingMessage is an outgoing message waiting in the durable queue.
type PendingMessage struct {
	Message    Message
	RetryCount int
	State      QueueState
	LastError  string
}

// Draft is what a caller hands to the queue.
type Draft struct {
	GroupID     int64
	SenderID    string
	Content     string
	MessageType MessageType
	ReplyToID   *int64
	ClientMsgID string
	CreatedAt   time.Time
}

// SortMessages orders messages by creation time, breaking ties by id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
