package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/cartengine/internal/domain"
)

// HeaderKey is the request header carrying the idempotency key.
const HeaderKey = "Idempotency-Key"

// maxKeyLength bounds client-supplied keys.
const maxKeyLength = 255

// Outcome of Begin.
type Outcome int

const (
	// Fresh means the caller owns the key and must run the mutation, then
	// call Complete or Fail.
	Fresh Outcome = iota
	// Replay means a previous request with the same key and body succeeded;
	// its response must be returned as is.
	Replay
)

func (o Outcome) String() string {
	if o == Replay {
		return "replay"
	}
	return "fresh"
}

// Response is a stored HTTP response.
type Response struct {
	Status int
	Body   []byte
}

// Ticket identifies the caller's claim on a key.
type Ticket struct {
	Key   string
	Owner string
}

// Caller identifies who presents a key: the cart the request resolved to
// and the authenticated user. Either may be empty.
type Caller struct {
	CartID string
	UserID string
}

// Scope is recorded with a new key: the cart when one resolved, else the
// user. An empty scope means the request creates an anonymous cart.
func (c Caller) Scope() string {
	if c.CartID != "" {
		return c.CartID
	}
	return c.UserID
}

// owns reports whether a record scoped to scope may be answered for c.
// Records created without a cart match any caller, since the retry of a
// create may already present the token the first attempt issued.
func (c Caller) owns(scope string) bool {
	return scope == "" || scope == c.CartID || scope == c.UserID
}

// Decision is the result of Begin.
type Decision struct {
	Outcome  Outcome
	Response *Response
	Ticket   Ticket
}

// Config tunes the guard.
type Config struct {
	// TTL is how long records are kept. It must exceed the longest
	// plausible client retry window.
	TTL time.Duration
	// StaleAfter is when an IN_PROGRESS record is considered abandoned.
	StaleAfter time.Duration
	// PollTimeout bounds how long Begin waits on an in-flight duplicate.
	PollTimeout time.Duration
	// PollInterval is the wait between polls.
	PollInterval time.Duration
	// InstanceID marks records created by this process.
	InstanceID string
}

// Observer receives Begin outcomes: fresh, replay, conflict, in_progress,
// reclaimed.
type Observer interface {
	IdempotencyOutcome(outcome string)
}

// Guard implements the begin/complete/fail protocol over a Store.
type Guard struct {
	store    Store
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewGuard creates a guard. observer may be nil.
func NewGuard(store Store, cfg Config, observer Observer, logger *slog.Logger) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Guard{
		store:    store,
		cfg:      cfg,
		observer: observer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// RequestHash digests what makes two requests the same logical write. The
// caller's cart is left out so a retry that learned the token issued by its
// first attempt still matches; Begin checks ownership separately.
func RequestHash(endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateKey checks a client-supplied key.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyLength {
		return domain.Invalid("idempotency.validate", fmt.Sprintf("Idempotency-Key must be 1-%d characters", maxKeyLength))
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return domain.Invalid("idempotency.validate", "Idempotency-Key must be printable ASCII without spaces")
		}
	}
	return nil
}

// Begin claims key for a request, or reports how to answer it without
// running the mutation. A key recorded for another cart or user conflicts
// even when the body matches.
func (g *Guard) Begin(ctx context.Context, key string, caller Caller, endpoint, requestHash string) (*Decision, error) {
	const op = "idempotency.begin"

	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	deadline := g.now().Add(g.cfg.PollTimeout)
	for {
		now := g.now()
		next := &domain.IdempotencyRecord{
			Key:         key,
			CartID:      caller.Scope(),
			Endpoint:    endpoint,
			RequestHash: requestHash,
			Status:      domain.IdempotencyInProgress,
			Owner:       g.newOwner(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.cfg.TTL),
		}

		err := g.store.Insert(ctx, next)
		if err == nil {
			g.observe("fresh")
			return fresh(next), nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, domain.Internal(err, op, "failed to record idempotency key")
		}

		prev, err := g.store.Get(ctx, key)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to read idempotency key")
		}
		if prev == nil {
			continue
		}

		switch {
		case prev.IsExpired(now):
			if d, err := g.reclaim(ctx, prev, next, "expired"); d != nil || err != nil {
				return d, err
			}
			continue

		case prev.RequestHash != requestHash, !caller.owns(prev.CartID):
			g.observe("conflict")
			return nil, domain.ErrIdempotencyKeyConflict.WithOp(op)

		case prev.Status == domain.IdempotencyCompleted:
			g.observe("replay")
			return &Decision{
				Outcome:  Replay,
				Response: &Response{Status: prev.HTTPStatus, Body: prev.ResponseBody},
				Ticket:   Ticket{Key: key, Owner: prev.Owner},
			}, nil

		case prev.Status == domain.IdempotencyFailed:
			if d, err := g.reclaim(ctx, prev, next, "failed"); d != nil || err != nil {
				return d, err
			}
			continue

		case now.Sub(prev.CreatedAt) >= g.cfg.StaleAfter:
			if d, err := g.reclaim(ctx, prev, next, "stale"); d != nil || err != nil {
				return d, err
			}
			continue
		}

		if !now.Before(deadline) {
			g.observe("in_progress")
			return nil, domain.ErrIdempotencyInProgress.WithOp(op)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

func (g *Guard) reclaim(ctx context.Context, prev, next *domain.IdempotencyRecord, reason string) (*Decision, error) {
	ok, err := g.store.Reclaim(ctx, prev, next)
	if err != nil {
		return nil, domain.Internal(err, "idempotency.reclaim", "failed to reclaim idempotency key")
	}
	if !ok {
		return nil, nil
	}
	g.logger.Info("reclaimed idempotency key",
		"key", next.Key,
		"reason", reason,
		"previous_status", prev.Status,
		"previous_owner", prev.Owner,
	)
	g.observe("reclaimed")
	return fresh(next), nil
}

// Complete stores the response for replay.
func (g *Guard) Complete(ctx context.Context, t Ticket, httpStatus int, body []byte) error {
	if err := g.store.Complete(ctx, t.Key, t.Owner, httpStatus, body); err != nil {
		return fmt.Errorf("complete idempotency key %s: %w", t.Key, err)
	}
	return nil
}

// Fail releases the key so a retry re-executes the mutation.
func (g *Guard) Fail(ctx context.Context, t Ticket) error {
	if err := g.store.Fail(ctx, t.Key, t.Owner); err != nil {
		return fmt.Errorf("fail idempotency key %s: %w", t.Key, err)
	}
	return nil
}

// Purge deletes up to limit expired records.
func (g *Guard) Purge(ctx context.Context, limit int) (int64, error) {
	return g.store.DeleteExpired(ctx, g.now(), limit)
}

func (g *Guard) newOwner() string {
	if g.cfg.InstanceID == "" {
		return uuid.NewString()
	}
	return g.cfg.InstanceID + "/" + uuid.NewString()
}

func (g *Guard) observe(outcome string) {
	if g.observer != nil {
		g.observer.IdempotencyOutcome(outcome)
	}
}

func fresh(rec *domain.IdempotencyRecord) *Decision {
	return &Decision{Outcome: Fresh, Ticket: Ticket{Key: rec.Key, Owner: rec.Owner}}
}
