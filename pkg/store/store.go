// Package store provides durable relational storage for users, sources and
// everything crawled on their behalf, over an embedded sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Store wraps the database handle. All multi-statement writes go through
// explicit transactions; reads rely on sqlite's snapshot guarantees.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// The scheduler, merger and HTTP handlers share this handle; a single
	// connection serializes writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM Version").Scan(&version)
	switch {
	case err == nil:
		if version != schemaVersion {
			return s.upgradeTables(ctx, version)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return s.createTables(ctx)
	default:
		// Most likely "no such table" on a fresh database.
		return s.createTables(ctx)
	}
}

func (s *Store) createTables(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`CREATE TABLE Version (
				version INTEGER,
				PRIMARY KEY(version)
			) WITHOUT ROWID`,
			`CREATE TABLE User (
				username TEXT,
				password TEXT NOT NULL,
				salt TEXT NOT NULL,
				token TEXT,
				PRIMARY KEY(username)
			) WITHOUT ROWID`,
			`CREATE TABLE Source (
				owner TEXT,
				key TEXT,
				values_json TEXT,
				task_json TEXT,
				due INTEGER NOT NULL,
				FOREIGN KEY(owner) REFERENCES User(username) ON DELETE CASCADE,
				PRIMARY KEY(owner, key)
			) WITHOUT ROWID`,
			`CREATE TABLE Author (
				owner TEXT,
				source TEXT,
				path TEXT,
				full_name TEXT NOT NULL,
				id TEXT,
				first_name TEXT,
				last_name TEXT,
				extra_json TEXT,
				FOREIGN KEY(owner) REFERENCES User(username) ON DELETE CASCADE,
				PRIMARY KEY(owner, source, path)
			) WITHOUT ROWID`,
			`CREATE TABLE Publication (
				owner TEXT,
				source TEXT,
				path TEXT,
				by_self INTEGER NOT NULL,
				name TEXT NOT NULL,
				id TEXT,
				year INTEGER,
				ref TEXT,
				extra_json TEXT,
				FOREIGN KEY(owner) REFERENCES User(username) ON DELETE CASCADE,
				PRIMARY KEY(owner, source, path)
			) WITHOUT ROWID`,
			`CREATE TABLE PublicationAuthors (
				owner TEXT,
				source TEXT,
				pub_path TEXT,
				author_path TEXT,
				FOREIGN KEY(owner) REFERENCES User(username) ON DELETE CASCADE,
				FOREIGN KEY(owner, source, pub_path) REFERENCES Publication(owner, source, path),
				FOREIGN KEY(owner, source, author_path) REFERENCES Author(owner, source, path),
				PRIMARY KEY(owner, source, pub_path, author_path)
			) WITHOUT ROWID`,
			`CREATE TABLE Cites (
				owner TEXT,
				source TEXT,
				pub_path TEXT,
				cited_by TEXT,
				FOREIGN KEY(owner) REFERENCES User(username) ON DELETE CASCADE,
				FOREIGN KEY(owner, source, pub_path) REFERENCES Publication(owner, source, path),
				FOREIGN KEY(owner, source, cited_by) REFERENCES Publication(owner, source, path),
				PRIMARY KEY(owner, source, pub_path, cited_by)
			) WITHOUT ROWID`,
			`CREATE TABLE Merge (
				owner TEXT,
				source_a TEXT,
				source_b TEXT,
				pub_a TEXT,
				pub_b TEXT,
				similarity REAL NOT NULL,
				FOREIGN KEY(owner) REFERENCES User(username) ON DELETE CASCADE,
				PRIMARY KEY(owner, source_a, source_b, pub_a, pub_b)
			) WITHOUT ROWID`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create tables: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO Version VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

func (s *Store) upgradeTables(ctx context.Context, from int) error {
	return fmt.Errorf("no upgrade path from schema version %d", from)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
