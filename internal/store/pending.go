package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/msync/internal/idgen"
	"github.com/matheus3301/msync/internal/model"
)

const pendingColumns = `id, client_msg_id, group_id, sender_id, content, message_type, reply_to_id, status, retry_count, last_error, server_id, created_at, updated_at`

// QueueMessage durably enqueues an outgoing message with status pending and
// retry count 0. It returns the assigned temporary (negative) id once the
// row is committed. A missing correlation id is generated.
func (db *DB) QueueMessage(d *model.Draft) (int64, error) {
	if !db.Available() {
		return 0, ErrUnavailable
	}
	id, err := db.ids.NextTempID()
	if err != nil {
		return 0, err
	}
	if d.ClientMsgID == "" {
		d.ClientMsgID = idgen.NewCorrelationID()
	}
	if d.MessageType == "" {
		d.MessageType = model.TypeText
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	now := time.Now().UnixMilli()
	_, err = db.NamedExec(`
		INSERT INTO pending_messages (`+pendingColumns+`)
		VALUES (:id, :client_msg_id, :group_id, :sender_id, :content, :message_type, :reply_to_id, :status, :retry_count, :last_error, :server_id, :created_at, :updated_at)`,
		pendingRow{
			ID:          id,
			ClientMsgID: d.ClientMsgID,
			GroupID:     d.GroupID,
			SenderID:    d.SenderID,
			Content:     d.Content,
			MessageType: string(d.MessageType),
			ReplyToID:   nullID(d.ReplyToID),
			Status:      string(model.QueuePending),
			CreatedAt:   d.CreatedAt.UnixMilli(),
			UpdatedAt:   now,
		})
	if err != nil {
		return 0, fmt.Errorf("queue message: %w", err)
	}
	return id, nil
}

// GetPendingMessages returns entries still awaiting delivery, oldest first,
// so replay preserves send order.
func (db *DB) GetPendingMessages() ([]model.PendingMessage, error) {
	return db.selectPending(`WHERE status = 'pending' ORDER BY created_at ASC, id ASC`)
}

// LocalMessages returns a group's unconfirmed entries (pending or failed).
func (db *DB) LocalMessages(groupID int64) ([]model.PendingMessage, error) {
	return db.selectPending(`WHERE group_id = ? AND status IN ('pending', 'failed') ORDER BY created_at ASC, id ASC`, groupID)
}

// FailedMessages returns entries that exhausted their retries or were rejected.
func (db *DB) FailedMessages() ([]model.PendingMessage, error) {
	return db.selectPending(`WHERE status = 'failed' ORDER BY created_at ASC, id ASC`)
}

func (db *DB) selectPending(where string, args ...any) ([]model.PendingMessage, error) {
	if !db.Available() {
		return []model.PendingMessage{}, nil
	}
	var rows []pendingRow
	if err := db.Select(&rows, `SELECT `+pendingColumns+` FROM pending_messages `+where, args...); err != nil {
		return nil, err
	}
	out := make([]model.PendingMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// GetPendingMessage returns one queue entry by id, in any state.
func (db *DB) GetPendingMessage(id int64) (*model.PendingMessage, error) {
	if !db.Available() {
		return nil, ErrNotFound
	}
	var r pendingRow
	err := db.Get(&r, `SELECT `+pendingColumns+` FROM pending_messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pm := r.toModel()
	return &pm, nil
}

// MarkMessageSent records server acceptance. Calling it for an unknown or
// already terminal entry is a no-op.
func (db *DB) MarkMessageSent(id, serverID int64) error {
	if !db.Available() {
		return ErrUnavailable
	}
	_, err := db.Exec(`
		UPDATE pending_messages SET status = 'sent', server_id = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		serverID, time.Now().UnixMilli(), id)
	return err
}

// SettleEcho records that the server copy of an entry has been observed.
// Unlike MarkMessageSent it also settles failed entries, so a later retry
// cannot post the message a second time.
func (db *DB) SettleEcho(id, serverID int64) error {
	if !db.Available() {
		return ErrUnavailable
	}
	_, err := db.Exec(`
		UPDATE pending_messages SET status = 'sent', server_id = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'failed')`,
		serverID, time.Now().UnixMilli(), id)
	return err
}

// MarkMessageFailed moves a pending entry to failed. Calling it for an
// unknown or already terminal entry is a no-op.
func (db *DB) MarkMessageFailed(id int64, errMsg string) error {
	if !db.Available() {
		return ErrUnavailable
	}
	_, err := db.Exec(`
		UPDATE pending_messages SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		errMsg, time.Now().UnixMilli(), id)
	return err
}

// IncrementRetry bumps the retry counter of a pending entry and returns the new value.
func (db *DB) IncrementRetry(id int64, errMsg string) (int, error) {
	if !db.Available() {
		return 0, ErrUnavailable
	}
	tx, err := db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE pending_messages SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var count int
	if err := tx.Get(&count, `SELECT retry_count FROM pending_messages WHERE id = ?`, id); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// RequeueMessage puts a failed entry back in the queue with a fresh retry budget.
func (db *DB) RequeueMessage(id int64) error {
	if !db.Available() {
		return ErrUnavailable
	}
	res, err := db.Exec(`
		UPDATE pending_messages SET status = 'pending', retry_count = 0, last_error = '', updated_at = ?
		WHERE id = ? AND status = 'failed'`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePendingContent rewrites the body of an entry the server has not accepted yet.
func (db *DB) UpdatePendingContent(id int64, content string) error {
	if !db.Available() {
		return ErrUnavailable
	}
	res, err := db.Exec(`
		UPDATE pending_messages SET content = ?, updated_at = ?
		WHERE id = ? AND status != 'sent'`,
		content, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardMessage drops an unconfirmed entry from the queue and the cache.
func (db *DB) DiscardMessage(id int64) error {
	if !db.Available() {
		return ErrUnavailable
	}
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM pending_messages WHERE id = ? AND status != 'sent'`, id); err != nil {
		return fmt.Errorf("discard pending: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM cached_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("discard cached: %w", err)
	}
	return tx.Commit()
}

// PurgeSent removes delivered entries last touched before cutoff.
func (db *DB) PurgeSent(cutoff time.Time) (int64, error) {
	if !db.Available() {
		return 0, ErrUnavailable
	}
	res, err := db.Exec(`DELETE FROM pending_messages WHERE status = 'sent' AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
