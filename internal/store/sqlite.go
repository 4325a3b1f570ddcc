// Package store persists message processing state in a local SQLite
// database: per-folder UID cursors, per-message processing records, period
// markers for scheduled reports, and an audit log of replied moves.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Cursor returns the last processed UID for a folder, 0 when the folder has
// never been polled.
func (s *SQLiteStore) Cursor(ctx context.Context, folder string) (uint32, error) {
	var lastUID uint32
	err := s.db.GetContext(ctx, &lastUID,
		"SELECT COALESCE(MAX(last_uid), 0) FROM folder_state WHERE folder = ?", folder,
	)
	if err != nil {
		return 0, fmt.Errorf("reading cursor for %s: %w", folder, err)
	}
	return lastUID, nil
}

// SetCursor records the highest observed UID for a folder. The cursor never
// moves backwards.
func (s *SQLiteStore) SetCursor(ctx context.Context, folder string, uid uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder_state (folder, last_uid, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET
			last_uid = MAX(last_uid, excluded.last_uid),
			updated_at = excluded.updated_at`,
		folder, uid, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting cursor for %s: %w", folder, err)
	}
	return nil
}
