package store

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/matheus3301/msync/internal/idgen"
	_ "github.com/mattn/go-sqlite3"
)

// ErrUnavailable is returned by writes when the store was never opened.
// Reads on an unavailable store return empty results instead.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database holding cached history and the outgoing queue.
// A nil *DB is valid and behaves as an empty, read-only store.
type DB struct {
	*sqlx.DB
	ids *idgen.Generator
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	ids, err := idgen.New(1)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{DB: db, ids: ids}, nil
}

// Available reports whether the store can serve reads and writes.
func (db *DB) Available() bool {
	return db != nil && db.DB != nil
}

// Close closes the database. Safe on an unavailable store.
func (db *DB) Close() error {
	if !db.Available() {
		return nil
	}
	return db.DB.Close()
}
