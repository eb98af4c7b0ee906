// Package tokenstore persists PseudonymMapping records: the sole reversal
// source for a pseudonymized record. It uses the writer/reader connection
// split pattern for SQLite — a single serialized writer connection and a
// pooled reader connection — so concurrent repersonalization reads never
// block the pseudonymize write path.
package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistence layer for pseudonym mappings.
type Store struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	closeOnce sync.Once
}

// Open creates or opens the mapping database at path, creating its parent
// directory if needed, and ensures the schema is present.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tokenstore: create directory %s: %w", dir, err)
	}

	writerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("tokenstore: ping writer: %w", err)
	}

	readerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=query_only(ON)"
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("tokenstore: open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)
	reader.SetConnMaxLifetime(0)
	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("tokenstore: ping reader: %w", err)
	}

	s := &Store{writer: writer, reader: reader, path: path}
	if _, err := s.writer.Exec(schemaMappings); err != nil {
		s.Close()
		return nil, fmt.Errorf("tokenstore: create schema: %w", err)
	}
	return s, nil
}

// Close closes both connections. Safe to call more than once.
func (s *Store) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		if err := s.writer.Close(); err != nil {
			firstErr = err
		}
		if err := s.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// Path returns the filesystem path of the database.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies both connections are alive.
func (s *Store) Ping() error {
	if err := s.writer.Ping(); err != nil {
		return fmt.Errorf("tokenstore: writer ping: %w", err)
	}
	if err := s.reader.Ping(); err != nil {
		return fmt.Errorf("tokenstore: reader ping: %w", err)
	}
	return nil
}

// Stats are the aggregate totals reported on GET /stats.
type Stats struct {
	Total       int64
	Quarantined int64
	Durable     int64
}

// Stats returns row-count aggregates over the mapping table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.reader.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(quarantined), 0),
		       COALESCE(SUM(durable), 0)
		FROM pseudonym_mappings`)
	if err := row.Scan(&st.Total, &st.Quarantined, &st.Durable); err != nil {
		return Stats{}, fmt.Errorf("tokenstore: stats: %w", err)
	}
	return st, nil
}

const schemaMappings = `
CREATE TABLE IF NOT EXISTS pseudonym_mappings (
    pseudonym_id TEXT PRIMARY KEY,
    field_transforms TEXT NOT NULL,
    created_at TEXT NOT NULL,
    ttl_seconds INTEGER NOT NULL DEFAULT 0,
    expires_at TEXT NOT NULL,
    durable INTEGER NOT NULL DEFAULT 1,
    quarantined INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_mappings_created ON pseudonym_mappings(created_at);
CREATE INDEX IF NOT EXISTS idx_mappings_expires ON pseudonym_mappings(expires_at);
`
