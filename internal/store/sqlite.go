package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_ids (
	context_key   TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
)`

// SQLiteStore keeps ids in a SQLite database. Useful when many contexts share
// one client, e.g. one per project.
type SQLiteStore struct {
	db *sql.DB
}

func sqlitePath(home string) string {
	return filepath.Join(home, "mobile.db")
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM session_ids WHERE context_key = ?`, key,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, key, id string) error {
	if id == "" {
		return fmt.Errorf("missing session id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_ids (context_key, session_id, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(context_key) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at_ms = excluded.updated_at_ms`,
		key, id, time.Now().UnixMilli(),
	)
	return err
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_ids WHERE context_key = ?`, key)
	return err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
