// Package postgres contains PostgreSQL implementations of repository interfaces.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository"
)

// PgxPool is a minimal abstraction over a Postgres connection pool,
// used by repositories. It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SELECT and returns a rows iterator.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// BeginTx starts a transaction with the provided options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close shuts down the pool and frees resources.
	Close()
}

// DB wraps pgxpool.Pool to satisfy repository constructors and allow testing.
type DB struct{ Pool PgxPool }

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// Store is the Postgres-backed repository.Store.
type Store struct {
	*ServiceRepo
	*WorkspaceRepo
	*LinkRepo
	*KeyRepo
	*StatsRepo
}

var _ repository.Store = (*Store)(nil)

// NewStore wires every repository over db.
func NewStore(db *DB) *Store {
	return &Store{
		ServiceRepo:   NewServiceRepo(db),
		WorkspaceRepo: NewWorkspaceRepo(db),
		LinkRepo:      NewLinkRepo(db),
		KeyRepo:       NewKeyRepo(db),
		StatsRepo:     NewStatsRepo(db),
	}
}

// inTx runs fn inside a transaction, committing on success and rolling back on error.
func inTx(ctx context.Context, db *DB, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			if isLockConflict(err) {
				err = errs.Unavailable(err)
			}
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(tx)
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool { return pgCode(err) == "23505" }

// isForeignKeyViolation reports whether a referenced row is missing.
func isForeignKeyViolation(err error) bool { return pgCode(err) == "23503" }

func isCheckViolation(err error) bool { return pgCode(err) == "23514" }

// isLockConflict reports a deadlock or serialization abort; the transaction can be retried.
func isLockConflict(err error) bool {
	switch pgCode(err) {
	case "40P01", "40001":
		return true
	}
	return false
}

func pgCode(err error) string {
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		return pg.Code
	}
	return ""
}

// table maps an entity kind to its table name.
func table(kind model.Kind) (string, error) {
	switch kind {
	case model.KindService:
		return "services", nil
	case model.KindWorkspace:
		return "workspaces", nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
}

// StatsRepo answers aggregate queries.
type StatsRepo struct{ db *DB }

// NewStatsRepo constructs a stats repository.
func NewStatsRepo(db *DB) *StatsRepo { return &StatsRepo{db: db} }

// MaxVersion returns the highest version stored for kind.
func (r *StatsRepo) MaxVersion(ctx context.Context, kind model.Kind) (int64, error) {
	t, err := table(kind)
	if err != nil {
		return 0, err
	}
	var v int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(version),0) FROM `+t).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// Count returns the number of rows stored for kind.
func (r *StatsRepo) Count(ctx context.Context, kind model.Kind) (int64, error) {
	t, err := table(kind)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+t).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Ping checks the database is reachable.
func (r *StatsRepo) Ping(ctx context.Context) error { return r.db.Pool.Ping(ctx) }
