// Package jobs holds the periodic maintenance jobs run by the worker.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Job type constants for cleanup jobs
const (
	JobTypePurgeIdempotencyKeys = "cleanup:idempotency_keys"
	JobTypeDeleteExpiredCarts   = "cleanup:expired_carts"
)

// CleanupJobTypes lists every cleanup job in run order.
var CleanupJobTypes = []string{JobTypePurgeIdempotencyKeys, JobTypeDeleteExpiredCarts}

// KeyPurger deletes expired idempotency records.
type KeyPurger interface {
	Purge(ctx context.Context, limit int) (int64, error)
}

// ExpiredCartDeleter deletes expired carts together with their items.
type ExpiredCartDeleter interface {
	DeleteExpiredCarts(ctx context.Context, now time.Time, limit int) (int64, error)
}

// SweepRecorder counts deleted rows per table.
type SweepRecorder interface {
	Swept(table string, n int64)
}

// CleanupConfig tunes batching.
type CleanupConfig struct {
	// BatchSize is the row limit per delete statement.
	BatchSize int
	// MaxBatches bounds the work of one run so a large backlog drains over
	// several runs instead of holding the worker.
	MaxBatches int
}

// Cleanup deletes expired idempotency records and expired carts in batches.
type Cleanup struct {
	keys    KeyPurger
	carts   ExpiredCartDeleter
	metrics SweepRecorder
	cfg     CleanupConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewCleanup creates the cleanup jobs. keys and carts may be nil to skip
// their job; metrics may be nil.
func NewCleanup(keys KeyPurger, carts ExpiredCartDeleter, metrics SweepRecorder, cfg CleanupConfig, logger *slog.Logger) *Cleanup {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleanup{
		keys:    keys,
		carts:   carts,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CleanupResult holds the result of a cleanup operation
type CleanupResult struct {
	IdempotencyKeysDeleted int64 `json:"idempotency_keys_deleted"`
	CartsDeleted           int64 `json:"carts_deleted"`
}

// Process runs one cleanup job by type.
func (c *Cleanup) Process(ctx context.Context, jobType string) (*CleanupResult, error) {
	result := &CleanupResult{}
	switch jobType {
	case JobTypePurgeIdempotencyKeys:
		if c.keys == nil {
			return result, nil
		}
		n, err := c.drain(ctx, "idempotency_keys", c.keys.Purge)
		result.IdempotencyKeysDeleted = n
		if err != nil {
			return result, fmt.Errorf("failed to purge idempotency keys: %w", err)
		}

	case JobTypeDeleteExpiredCarts:
		if c.carts == nil {
			return result, nil
		}
		now := c.now()
		n, err := c.drain(ctx, "carts", func(ctx context.Context, limit int) (int64, error) {
			return c.carts.DeleteExpiredCarts(ctx, now, limit)
		})
		result.CartsDeleted = n
		if err != nil {
			return result, fmt.Errorf("failed to delete expired carts: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown cleanup job type: %s", jobType)
	}
	return result, nil
}

// Run adapts Process to the worker's processor signature.
func (c *Cleanup) Run(ctx context.Context, jobType string) error {
	result, err := c.Process(ctx, jobType)
	if result != nil && (result.IdempotencyKeysDeleted > 0 || result.CartsDeleted > 0) {
		c.logger.Info("cleanup finished",
			"job_type", jobType,
			"idempotency_keys_deleted", result.IdempotencyKeysDeleted,
			"carts_deleted", result.CartsDeleted,
		)
	}
	return err
}

// drain deletes batches until one comes back short or MaxBatches is hit.
func (c *Cleanup) drain(ctx context.Context, table string, del func(ctx context.Context, limit int) (int64, error)) (int64, error) {
	var total int64
	for i := 0; i < c.cfg.MaxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := del(ctx, c.cfg.BatchSize)
		total += n
		if c.metrics != nil {
			c.metrics.Swept(table, n)
		}
		if err != nil {
			return total, err
		}
		if n < int64(c.cfg.BatchSize) {
			break
		}
	}
	return total, nil
}

// IsCleanupJob checks if a job type is a cleanup job
func IsCleanupJob(jobType string) bool {
	switch jobType {
	case JobTypePurgeIdempotencyKeys, JobTypeDeleteExpiredCarts:
		return true
	}
	return false
}
