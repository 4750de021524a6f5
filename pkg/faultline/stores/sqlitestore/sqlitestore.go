// Package sqlitestore provides a Store backed by a SQLite key-value
// table. It is the durable store of choice when the host already ships
// SQLite or needs crash-safe persistence across many keys.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/faultline-io/faultline-go/pkg/faultline"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Store is a SQLite-backed faultline.Store. Safe for concurrent use.
type Store struct {
	pool *sqlitex.Pool
}

// Open creates or opens the database at path. Use ":memory:" for an
// in-memory database in tests. Call Close when done.
func Open(path string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 1,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", path, err)
	}
	return &Store{pool: pool}, nil
}

// Get implements faultline.Store.
func (s *Store) Get(key string) (string, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return "", fmt.Errorf("sqlitestore: acquiring connection: %w", err)
	}
	defer s.pool.Put(conn)

	var value string
	found := false
	err = sqlitex.Execute(conn, `SELECT value FROM kv WHERE key = ?;`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("sqlitestore: reading %q: %w", key, err)
	}
	if !found {
		return "", faultline.ErrNotFound
	}
	return value, nil
}

// Set implements faultline.Store. A full database maps to
// faultline.ErrQuotaExceeded.
func (s *Store) Set(key, value string) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("sqlitestore: acquiring connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value;`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		if code := sqlite.ErrCode(err); code == sqlite.ResultFull || code == sqlite.ResultIOErrWrite {
			return faultline.ErrQuotaExceeded
		}
		return fmt.Errorf("sqlitestore: writing %q: %w", key, err)
	}
	return nil
}

// Delete implements faultline.Store.
func (s *Store) Delete(key string) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("sqlitestore: acquiring connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM kv WHERE key = ?;`,
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return fmt.Errorf("sqlitestore: deleting %q: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sqlitestore: closing pool: %w", err)
	}
	return nil
}
