// Package database provides the shared PostgreSQL pool and the
// transaction scope used by the money-moving engines.
//
// Every money-touching operation (approve, assign DSP, confirm delivery,
// cancel, admin resolution, cashout request/approve/reject) must commit its
// wallet mutations, ledger entries, hold release, and status transition
// together or not at all. The engines run such operations through a
// TxRunner; the SQL implementation opens one transaction and carries it in
// the context so every store touched inside the closure joins it.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DBTX is the subset of *sql.DB and *sql.Tx the stores use.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to PostgreSQL and configures the pool.
func Open(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

type txKey struct{}

// From returns the active transaction from ctx, or db when none is open.
// Postgres stores call this so their statements join an enclosing
// TxRunner scope automatically.
func From(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// TxRunner executes a function inside one atomic unit.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLRunner is the production TxRunner backed by *sql.DB.
type SQLRunner struct {
	DB *sql.DB
}

// RunInTx opens a serializable transaction, stores it in the context, and
// commits iff fn returns nil. A transaction already present in ctx is
// reused, so nested scopes collapse into the outermost one.
func (r SQLRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// MemoryRunner is the TxRunner for in-memory stores (development mode).
// It provides the transaction hook without rollback. Engines order
// guard checks and balance-limited debits ahead of their other
// mutations, which keeps the common failure modes from leaving partial
// state; only SQLRunner gives a hard atomicity guarantee.
type MemoryRunner struct{}

func (MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
