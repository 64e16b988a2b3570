// Package store is the SQLite persistence layer: a content-addressed
// cache of embedding vectors, and snapshots of finished refinement runs
// for later export and inspection.
package store

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.taxo/taxo.db"

// Store wraps the SQLite database. Safe for concurrent readers; the
// vector cache tolerates racing writers because identical text embeds to
// identical vectors.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
// Pass ":memory:" for throwaway databases.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ExpandPath(DefaultDBPath)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty db
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS vectors (
		content_hash TEXT PRIMARY KEY,
		model        TEXT NOT NULL,
		dimensions   INTEGER NOT NULL,
		vector       BLOB NOT NULL,
		created_at   TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id             TEXT PRIMARY KEY,
		started_at     TEXT NOT NULL,
		finished_at    TEXT NOT NULL,
		items          INTEGER NOT NULL,
		oracle_calls   INTEGER NOT NULL,
		final_clusters INTEGER NOT NULL,
		report_json    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS clusters (
		run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		id           TEXT NOT NULL,
		label        TEXT NOT NULL,
		description  TEXT NOT NULL,
		size         INTEGER NOT NULL,
		depth        INTEGER NOT NULL,
		status       TEXT NOT NULL,
		review_count INTEGER NOT NULL,
		PRIMARY KEY (run_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		item_id    TEXT NOT NULL,
		text       TEXT NOT NULL,
		cluster_id TEXT NOT NULL,
		PRIMARY KEY (run_id, item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_cluster ON assignments(run_id, cluster_id)`,
}

// migrate applies the schema. Every statement is idempotent, so reopening
// an existing database is a no-op.
func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %.40q: %w", stmt, err)
		}
	}
	return nil
}

// HashText computes the cache key for one text under one embedding model.
// The model name is part of the key: the same text embedded by two models
// yields two cache entries.
func HashText(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
