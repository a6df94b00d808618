package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/cartengine/internal/domain"
)

// CachedAssignments is an OptionAssignmentLookup that keeps assignments in
// Redis for a short TTL. Quantities feed availability decisions, so the TTL
// stays in the seconds-to-minutes range. Cache failures fall through to the
// source.
type CachedAssignments struct {
	source domain.OptionAssignmentLookup
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
	sfg    singleflight.Group // Prevents cache stampede

	// LoadTimeout bounds a shared source load, which outlives any single
	// caller's context.
	LoadTimeout time.Duration
}

const defaultLoadTimeout = 5 * time.Second

// NewCachedAssignments wraps source with a Redis cache.
func NewCachedAssignments(source domain.OptionAssignmentLookup, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedAssignments {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedAssignments{
		source:      source,
		client:      client,
		ttl:         ttl,
		logger:      logger,
		LoadTimeout: defaultLoadTimeout,
	}
}

// OptionAssignments implements domain.OptionAssignmentLookup.
func (c *CachedAssignments) OptionAssignments(ctx context.Context, ids []string) (map[string]*domain.OptionAssignment, error) {
	ids = domain.NormalizeAssignmentIDs(ids)
	out := make(map[string]*domain.OptionAssignment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	missing := c.readCache(ctx, ids, out)
	if len(missing) == 0 {
		return out, nil
	}

	// The load is shared by every caller waiting on the same key, so it
	// runs detached from ctx and each caller stops waiting on its own ctx.
	ch := c.sfg.DoChan(strings.Join(missing, ","), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.LoadTimeout)
		defer cancel()

		found, err := c.source.OptionAssignments(loadCtx, missing)
		if err != nil {
			return nil, err
		}
		c.writeCache(loadCtx, found)
		return found, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		for id, a := range res.Val.(map[string]*domain.OptionAssignment) {
			out[id] = a
		}
		return out, nil
	}
}

// Invalidate drops cached entries, e.g. after a catalog edit.
func (c *CachedAssignments) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (c *CachedAssignments) readCache(ctx context.Context, ids []string, out map[string]*domain.OptionAssignment) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("assignment cache read failed", "error", err)
		return ids
	}

	var missing []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		var a domain.OptionAssignment
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			missing = append(missing, ids[i])
			continue
		}
		out[ids[i]] = &a
	}
	return missing
}

func (c *CachedAssignments) writeCache(ctx context.Context, found map[string]*domain.OptionAssignment) {
	if len(found) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for id, a := range found {
		data, err := json.Marshal(a)
		if err != nil {
			continue
		}
		jitter := time.Duration(rand.Int63n(int64(c.ttl/5) + 1))
		pipe.Set(ctx, cacheKey(id), data, c.ttl+jitter)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("assignment cache write failed", "error", err)
	}
}

func cacheKey(id string) string {
	return fmt.Sprintf("cart-engine:assignment:%s", id)
}

// catalog pairs a product lookup with a (possibly cached) assignment lookup.
type catalog struct {
	domain.ProductLookup
	domain.OptionAssignmentLookup
}

// NewCatalog serves products from products and option assignments from
// assignments, typically a CachedAssignments over the same store.
func NewCatalog(products domain.ProductLookup, assignments domain.OptionAssignmentLookup) domain.Catalog {
	return catalog{ProductLookup: products, OptionAssignmentLookup: assignments}
}
