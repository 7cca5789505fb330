package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps room blobs in a local SQLite database, one row per room.
// Suitable for single-server deployments that need state to survive restarts
// without external infrastructure.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// rooms table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
		name text not null primary key,
		state blob not null,
		updated_at text not null
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Load retrieves the blob for a room, or (nil, nil) if no row exists.
func (s *SQLiteStore) Load(ctx context.Context, room string) ([]byte, error) {
	var blob []byte
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT state FROM rooms WHERE name = ?`,
		room,
	).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite load %q: %w", room, err)
	}
	return blob, nil
}

// Save upserts the blob for a room.
func (s *SQLiteStore) Save(ctx context.Context, room string, blob []byte) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rooms(name, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		room, blob, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("sqlite save %q: %w", room, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
