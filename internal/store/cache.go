package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/matheus3301/msync/internal/model"
)

const messageColumns = `group_id, id, client_msg_id, sender_id, content, message_type, status, reply_to_id, created_at, edited_at, deleted_at`

const upsertMessageSQL = `
	INSERT INTO cached_messages (` + messageColumns + `)
	VALUES (:group_id, :id, :client_msg_id, :sender_id, :content, :message_type, :status, :reply_to_id, :created_at, :edited_at, :deleted_at)
	ON CONFLICT(group_id, id) DO UPDATE SET
		client_msg_id = excluded.client_msg_id,
		sender_id = excluded.sender_id,
		content = excluded.content,
		message_type = excluded.message_type,
		status = excluded.status,
		reply_to_id = excluded.reply_to_id,
		created_at = excluded.created_at,
		edited_at = excluded.edited_at,
		deleted_at = excluded.deleted_at`

// CacheMessages replaces the cached snapshot of a group. The delete and the
// inserts share one transaction, so readers see either the old or the new set.
func (db *DB) CacheMessages(groupID int64, msgs []model.Message) error {
	if !db.Available() {
		return ErrUnavailable
	}
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM cached_messages WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	for _, m := range msgs {
		if _, err := tx.NamedExec(upsertMessageSQL, toMessageRow(groupID, m)); err != nil {
			return fmt.Errorf("cache message %d: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache: %w", err)
	}
	return nil
}

// GetCachedMessages returns a group's cached messages in ascending creation
// order. An unknown group or an unavailable store yields an empty slice.
func (db *DB) GetCachedMessages(groupID int64) ([]model.Message, error) {
	if !db.Available() {
		return []model.Message{}, nil
	}
	var rows []messageRow
	if err := db.Select(&rows, `
		SELECT `+messageColumns+`
		FROM cached_messages
		WHERE group_id = ?
		ORDER BY created_at ASC, id ASC`, groupID); err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toModel())
	}
	return msgs, nil
}

// UpsertCachedMessage inserts or updates one cached message (idempotent on group + id).
func (db *DB) UpsertCachedMessage(m model.Message) error {
	if !db.Available() {
		return ErrUnavailable
	}
	_, err := db.NamedExec(upsertMessageSQL, toMessageRow(m.GroupID, m))
	return err
}

// ReplaceCachedMessage swaps a message for another, typically an optimistic
// local entry for its server-confirmed version.
func (db *DB) ReplaceCachedMessage(groupID, oldID int64, m model.Message) error {
	if !db.Available() {
		return ErrUnavailable
	}
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := replaceInTx(tx, groupID, oldID, m); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceInTx(tx *sqlx.Tx, groupID, oldID int64, m model.Message) error {
	if _, err := tx.Exec(`DELETE FROM cached_messages WHERE group_id = ? AND id = ?`, groupID, oldID); err != nil {
		return fmt.Errorf("remove cached %d: %w", oldID, err)
	}
	if _, err := tx.NamedExec(upsertMessageSQL, toMessageRow(groupID, m)); err != nil {
		return fmt.Errorf("insert cached %d: %w", m.ID, err)
	}
	return nil
}

// RemoveCachedMessage deletes one cached message. Missing rows are not an error.
func (db *DB) RemoveCachedMessage(groupID, id int64) error {
	if !db.Available() {
		return ErrUnavailable
	}
	_, err := db.Exec(`DELETE FROM cached_messages WHERE group_id = ? AND id = ?`, groupID, id)
	return err
}
