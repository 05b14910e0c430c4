// Package usage keeps an append-only SQLite log of provider token usage
// and finished exchanges, and aggregates it into reports.
package usage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = []string{
	`CREATE TABLE rounds (
		id              TEXT PRIMARY KEY,
		at              INTEGER NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		round           INTEGER NOT NULL,
		model           TEXT NOT NULL,
		protocol        TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		outcome         TEXT NOT NULL
	);
	CREATE INDEX rounds_at ON rounds(at);
	CREATE INDEX rounds_conversation ON rounds(conversation_id);`,

	`CREATE TABLE exchanges (
		id              TEXT PRIMARY KEY,
		at              INTEGER NOT NULL,
		conversation_id TEXT NOT NULL,
		user_input      TEXT NOT NULL,
		response        TEXT NOT NULL,
		messages        TEXT NOT NULL
	);
	CREATE INDEX exchanges_conversation ON exchanges(conversation_id, at);`,
}

// Store is safe for concurrent use; SQLite serializes the writers.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at path and brings
// its schema up to date.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// stamp fills an empty id with a UUIDv7 and a zero time with now.
func stamp(id *string, at *time.Time) error {
	if *id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		*id = u.String()
	}
	if at.IsZero() {
		*at = time.Now()
	}
	return nil
}
