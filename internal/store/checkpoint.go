package store

import (
	"database/sql"
	"errors"
	"time"
)

// SetCheckpoint stores a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	if !db.Available() {
		return ErrUnavailable
	}
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetCheckpoint returns a stored checkpoint, or "" when unset.
func (db *DB) GetCheckpoint(key string) (string, error) {
	if !db.Available() {
		return "", nil
	}
	var value string
	err := db.Get(&value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
