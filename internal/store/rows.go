package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/msync/internal/model"
)

type groupRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	CreatedBy   string `db:"created_by"`
	MemberCount int    `db:"member_count"`
	LastMessage string `db:"last_message"`
	UnreadCount int    `db:"unread_count"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

type messageRow struct {
	GroupID     int64         `db:"group_id"`
	ID          int64         `db:"id"`
	ClientMsgID string        `db:"client_msg_id"`
	SenderID    string        `db:"sender_id"`
	Content     string        `db:"content"`
	MessageType string        `db:"message_type"`
	Status      string        `db:"status"`
	ReplyToID   sql.NullInt64 `db:"reply_to_id"`
	CreatedAt   int64         `db:"created_at"`
	EditedAt    sql.NullInt64 `db:"edited_at"`
	DeletedAt   sql.NullInt64 `db:"deleted_at"`
}

type pendingRow struct {
	ID          int64         `db:"id"`
	ClientMsgID string        `db:"client_msg_id"`
	GroupID     int64         `db:"group_id"`
	SenderID    string        `db:"sender_id"`
	Content     string        `db:"content"`
	MessageType string        `db:"message_type"`
	ReplyToID   sql.NullInt64 `db:"reply_to_id"`
	Status      string        `db:"status"`
	RetryCount  int           `db:"retry_count"`
	LastError   string        `db:"last_error"`
	ServerID    sql.NullInt64 `db:"server_id"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (r groupRow) toModel() model.Group {
	return model.Group{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedBy:   r.CreatedBy,
		MemberCount: r.MemberCount,
		LastMessage: r.LastMessage,
		UnreadCount: r.UnreadCount,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

func toMessageRow(groupID int64, m model.Message) messageRow {
	status := m.Status
	if status == "" {
		status = model.StatusSent
	}
	mt := m.MessageType
	if mt == "" {
		mt = model.TypeText
	}
	return messageRow{
		GroupID:     groupID,
		ID:          m.ID,
		ClientMsgID: m.ClientMsgID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		MessageType: string(mt),
		Status:      string(status),
		ReplyToID:   nullID(m.ReplyToID),
		CreatedAt:   millis(m.CreatedAt),
		EditedAt:    nullMillis(m.EditedAt),
		DeletedAt:   nullMillis(m.DeletedAt),
	}
}

func (r messageRow) toModel() model.Message {
	return model.Message{
		ID:          r.ID,
		GroupID:     r.GroupID,
		SenderID:    r.SenderID,
		Content:     r.Content,
		MessageType: model.MessageType(r.MessageType),
		Status:      model.MessageStatus(r.Status),
		CreatedAt:   fromMillis(r.CreatedAt),
		EditedAt:    timePtr(r.EditedAt),
		DeletedAt:   timePtr(r.DeletedAt),
		ReplyToID:   idPtr(r.ReplyToID),
		ClientMsgID: r.ClientMsgID,
	}
}

func (r pendingRow) toModel() model.PendingMessage {
	status := model.StatusPending
	if r.Status == string(model.QueueFailed) {
		status = model.StatusFailed
	} else if r.Status == string(model.QueueSent) {
		status = model.StatusSent
	}
	return model.PendingMessage{
		Message: model.Message{
			ID:          r.ID,
			GroupID:     r.GroupID,
			SenderID:    r.SenderID,
			Content:     r.Content,
			MessageType: model.MessageType(r.MessageType),
			Status:      status,
			CreatedAt:   fromMillis(r.CreatedAt),
			ReplyToID:   idPtr(r.ReplyToID),
			ClientMsgID: r.ClientMsgID,
		},
		RetryCount: r.RetryCount,
		State:      model.QueueState(r.Status),
		LastError:  r.LastError,
	}
}
