package kvstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS seqflow_kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// SQLiteOpener is a durable Opener backed by a single SQLite database. All
// namespaces share one table keyed by (namespace, key).
type SQLiteOpener struct {
	db *sql.DB
}

// NewSQLiteOpener opens (creating if necessary) the database at filePath.
// Use ":memory:" for an in-memory database.
func NewSQLiteOpener(filePath string) (*SQLiteOpener, error) {
	if filePath == "" {
		return nil, fmt.Errorf("sqlite: file path is required")
	}
	db, err := sql.Open("sqlite3", filePath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases coherent and sidesteps
	// SQLITE_BUSY on concurrent writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	return &SQLiteOpener{db: db}, nil
}

func (o *SQLiteOpener) Open(namespace string) (Store, error) {
	if namespace == "" {
		return nil, fmt.Errorf("sqlite: namespace is required")
	}
	return &sqliteStore{db: o.db, namespace: namespace}, nil
}

func (o *SQLiteOpener) Close() error { return o.db.Close() }

type sqliteStore struct {
	db        *sql.DB
	namespace string
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM seqflow_kv WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %q: %w", key, err)
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seqflow_kv (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		s.namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM seqflow_kv WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	)
	if err != nil {
		return fmt.Errorf("sqlite: delete %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Drop(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM seqflow_kv WHERE namespace = ?`, s.namespace,
	)
	if err != nil {
		return fmt.Errorf("sqlite: drop namespace %q: %w", s.namespace, err)
	}
	return nil
}
