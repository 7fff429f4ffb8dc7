// Package store is the Strategy Store: transactional CRUD plus the
// state-transition gate that owns every lifecycle invariant in the engine.
// It is grounded on the nofx raw-SQL strategy store (CREATE TABLE IF NOT
// EXISTS + explicit indexes) but backed by modernc.org/sqlite, a pure-Go
// driver, so the whole module stays cgo-free.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"
)

// Store wraps a single SQLite database handle. SQLite permits many readers
// but a single writer; mutating calls serialize through a dedicated
// single-connection pool so "database is locked" never surfaces to callers.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open creates (if absent) and opens the database at path, applies schema,
// and returns a ready Store.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent workers;
	// readers share it too since reads here are cheap and infrequent relative
	// to the worker-pool scan cadence.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{logger: logger.Named("store"), db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// either standalone or inside an open transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx runs fn inside a serializable transaction, committing on success
// and rolling back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
