package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/msync/internal/model"
)

// UpsertGroups stores the server's group list. Local unread counters are
// replaced by the server's values.
func (db *DB) UpsertGroups(groups []model.Group) error {
	if !db.Available() {
		return ErrUnavailable
	}
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, g := range groups {
		if _, err := tx.NamedExec(`
			INSERT INTO chat_groups (id, name, description, created_by, member_count, last_message, unread_count, created_at, updated_at)
			VALUES (:id, :name, :description, :created_by, :member_count, :last_message, :unread_count, :created_at, :updated_at)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				created_by = excluded.created_by,
				member_count = excluded.member_count,
				last_message = CASE WHEN excluded.last_message != '' THEN excluded.last_message ELSE chat_groups.last_message END,
				unread_count = excluded.unread_count,
				created_at = excluded.created_at,
				updated_at = MAX(chat_groups.updated_at, excluded.updated_at)`,
			groupRow{
				ID:          g.ID,
				Name:        g.Name,
				Description: g.Description,
				CreatedBy:   g.CreatedBy,
				MemberCount: g.MemberCount,
				LastMessage: g.LastMessage,
				UnreadCount: g.UnreadCount,
				CreatedAt:   millis(g.CreatedAt),
				UpdatedAt:   millis(g.UpdatedAt),
			}); err != nil {
			return fmt.Errorf("upsert group %d: %w", g.ID, err)
		}
	}
	return tx.Commit()
}

// ListGroups returns cached groups, most recently active first.
func (db *DB) ListGroups() ([]model.Group, error) {
	if !db.Available() {
		return nil, nil
	}
	var rows []groupRow
	if err := db.Select(&rows, `
		SELECT id, name, description, created_by, member_count, last_message, unread_count, created_at, updated_at
		FROM chat_groups ORDER BY updated_at DESC, id ASC`); err != nil {
		return nil, err
	}
	groups := make([]model.Group, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, r.toModel())
	}
	return groups, nil
}

// TouchGroup records activity in a group: preview text, activity time and
// an unread delta (0 to leave the counter alone, negative values reset it).
func (db *DB) TouchGroup(groupID int64, preview string, at time.Time, unreadDelta int) error {
	if !db.Available() {
		return ErrUnavailable
	}
	_, err := db.Exec(`
		INSERT INTO chat_groups (id, last_message, unread_count, updated_at)
		VALUES (?, ?, MAX(?, 0), ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message = CASE WHEN excluded.updated_at >= chat_groups.updated_at THEN excluded.last_message ELSE chat_groups.last_message END,
			unread_count = CASE WHEN ? < 0 THEN 0 ELSE chat_groups.unread_count + ? END,
			updated_at = MAX(chat_groups.updated_at, excluded.updated_at)`,
		groupID, preview, unreadDelta, millis(at), unreadDelta, unreadDelta)
	return err
}

// MarkGroupRead clears the unread counter of a known group.
func (db *DB) MarkGroupRead(groupID int64) error {
	if !db.Available() {
		return ErrUnavailable
	}
	_, err := db.Exec(`UPDATE chat_groups SET unread_count = 0 WHERE id = ?`, groupID)
	return err
}
