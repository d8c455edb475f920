// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package errlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// schema is the error log table.
const schema = `
CREATE TABLE IF NOT EXISTS errors (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	message    TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	context    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_errors_created ON errors(created_at);
CREATE INDEX IF NOT EXISTS idx_errors_kind ON errors(kind);
`

// ErrStoreClosed is returned by operations on a closed Store.
var ErrStoreClosed = errors.New("error store is closed")

// Store persists entries in SQLite so they survive restarts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path.
// Use ":memory:" for a throwaway store.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create error store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open error store: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert writes one entry. Re-inserting an existing ID replaces it.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	var ctxJSON string
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		ctxJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO errors (id, kind, severity, message, detail, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), string(e.Severity), e.Message, e.Detail(), ctxJSON, e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert error entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first, optionally filtered by kind.
func (s *Store) Recent(ctx context.Context, limit int, kind Kind) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = DefaultCapacity
	}

	query := `SELECT id, kind, severity, message, detail, context, created_at FROM errors`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query error entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			kindStr, sevStr   string
			detail, ctxJSON   string
			createdAtUnixMsec int64
		)
		if err := rows.Scan(&e.ID, &kindStr, &sevStr, &e.Message, &detail, &ctxJSON, &createdAtUnixMsec); err != nil {
			return nil, fmt.Errorf("failed to scan error entry: %w", err)
		}
		e.Kind = Kind(kindStr)
		e.Severity = Severity(sevStr)
		e.Timestamp = time.UnixMilli(createdAtUnixMsec).UTC()
		if detail != "" {
			e.Err = errors.New(detail)
		}
		if ctxJSON != "" {
			if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
				return nil, fmt.Errorf("failed to decode context for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM errors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count error entries: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep entries and returns how many
// rows were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM errors WHERE id NOT IN (
			SELECT id FROM errors ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune error entries: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
