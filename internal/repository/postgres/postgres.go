// Package postgres implements the cart store and catalog lookups on pgx.
//
// Every cart mutation runs in one transaction that first takes the cart's
// row lock with SELECT ... FOR UPDATE. lock_timeout and statement_timeout are
// set per transaction so a slow lock holder cannot block writers longer than
// the advisory lock budget.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/cartengine/internal/domain"
)

// Postgres error codes handled explicitly.
const (
	pgUniqueViolation   = "23505"
	pgLockNotAvailable  = "55P03"
	pgQueryCanceled     = "57014"
	pgDeadlockDetected  = "40P01"
	pgSerializationFail = "40001"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.CartStore and domain.Catalog.
type Store struct {
	pool             *pgxpool.Pool
	lockTimeout      time.Duration
	statementTimeout time.Duration
}

// Compile-time checks.
var (
	_ domain.CartStore = (*Store)(nil)
	_ domain.Catalog   = (*Store)(nil)
)

// New creates a store. lockTimeout bounds row lock waits and
// statementTimeout bounds each statement inside a cart transaction.
func New(pool *pgxpool.Pool, lockTimeout, statementTimeout time.Duration) *Store {
	return &Store{
		pool:             pool,
		lockTimeout:      lockTimeout,
		statementTimeout: statementTimeout,
	}
}

// InTx implements domain.CartStore.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.CartTx) error) (err error) {
	const op = "postgres.in_tx"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := s.setTimeouts(ctx, tx); err != nil {
		return mapError(op, err)
	}

	if err := fn(ctx, &cartTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(op, err)
	}
	return nil
}

func (s *Store) setTimeouts(ctx context.Context, tx pgx.Tx) error {
	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", durationSetting(s.lockTimeout)); err != nil {
			return err
		}
	}
	if s.statementTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", durationSetting(s.statementTimeout)); err != nil {
			return err
		}
	}
	return nil
}

func durationSetting(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// mapError converts driver errors into domain errors. Domain errors pass
// through untouched.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return &domain.Error{Code: domain.ECONFLICT, Op: op, Message: "Resource already exists", Err: err}
		case pgLockNotAvailable, pgQueryCanceled, pgDeadlockDetected, pgSerializationFail:
			return &domain.Error{
				Code:    domain.EBUSY,
				Kind:    domain.KindLockTimeout,
				Op:      op,
				Message: domain.ErrLockTimeout.Message,
				Err:     err,
			}
		}
	}
	return domain.Internal(err, op, "database error")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
