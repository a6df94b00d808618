package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dukerupert/cartengine/internal/domain"
)

// DBTX is the subset of pgx used by PostgresStore. *pgxpool.Pool and pgx.Tx
// both satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps records in the idempotency_keys table. The primary key
// on key makes Insert the atomic race point between duplicate requests.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertIdempotencyKey = `
INSERT INTO idempotency_keys (key, cart_id, endpoint, request_hash, status, owner, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO NOTHING`

func (s *PostgresStore) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	tag, err := s.db.Exec(ctx, insertIdempotencyKey,
		rec.Key, rec.CartID, rec.Endpoint, rec.RequestHash, string(rec.Status), rec.Owner, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateKey
	}
	return nil
}

const getIdempotencyKey = `
SELECT key, cart_id, endpoint, request_hash, status, COALESCE(http_status, 0), response_body, owner, created_at, expires_at
FROM idempotency_keys
WHERE key = $1`

func (s *PostgresStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		rec    domain.IdempotencyRecord
		status string
	)
	err := s.db.QueryRow(ctx, getIdempotencyKey, key).Scan(
		&rec.Key, &rec.CartID, &rec.Endpoint, &rec.RequestHash, &status,
		&rec.HTTPStatus, &rec.ResponseBody, &rec.Owner, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	return &rec, nil
}

const reclaimIdempotencyKey = `
UPDATE idempotency_keys
SET cart_id = $2, endpoint = $3, request_hash = $4, status = $5, http_status = NULL,
    response_body = NULL, owner = $6, created_at = $7, expires_at = $8
WHERE key = $1 AND status = $9 AND owner = $10 AND created_at = $11`

func (s *PostgresStore) Reclaim(ctx context.Context, prev, next *domain.IdempotencyRecord) (bool, error) {
	tag, err := s.db.Exec(ctx, reclaimIdempotencyKey,
		next.Key, next.CartID, next.Endpoint, next.RequestHash, string(next.Status), next.Owner, next.CreatedAt, next.ExpiresAt,
		string(prev.Status), prev.Owner, prev.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const completeIdempotencyKey = `
UPDATE idempotency_keys
SET status = 'COMPLETED', http_status = $3, response_body = $4
WHERE key = $1 AND owner = $2 AND status = 'IN_PROGRESS'`

func (s *PostgresStore) Complete(ctx context.Context, key, owner string, httpStatus int, body []byte) error {
	tag, err := s.db.Exec(ctx, completeIdempotencyKey, key, owner, httpStatus, body)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

const failIdempotencyKey = `
UPDATE idempotency_keys
SET status = 'FAILED'
WHERE key = $1 AND owner = $2 AND status = 'IN_PROGRESS'`

func (s *PostgresStore) Fail(ctx context.Context, key, owner string) error {
	tag, err := s.db.Exec(ctx, failIdempotencyKey, key, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

const deleteExpiredIdempotencyKeys = `
DELETE FROM idempotency_keys
WHERE key IN (
    SELECT key FROM idempotency_keys
    WHERE expires_at <= $1
    ORDER BY expires_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)`

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.db.Exec(ctx, deleteExpiredIdempotencyKeys, now, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
