package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.IdempotencyRecord)}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return ErrDuplicateKey
	}
	s.records[rec.Key] = *rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return &rec, nil
}

func (s *MemoryStore) Reclaim(ctx context.Context, prev, next *domain.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[prev.Key]
	if !ok || cur.Status != prev.Status || cur.Owner != prev.Owner || !cur.CreatedAt.Equal(prev.CreatedAt) {
		return false, nil
	}
	s.records[prev.Key] = *next
	return true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, owner string, httpStatus int, body []byte) error {
	return s.finish(key, owner, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdempotencyCompleted
		rec.HTTPStatus = httpStatus
		rec.ResponseBody = append([]byte(nil), body...)
	})
}

func (s *MemoryStore) Fail(ctx context.Context, key, owner string) error {
	return s.finish(key, owner, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdempotencyFailed
	})
}

func (s *MemoryStore) finish(key, owner string, apply func(*domain.IdempotencyRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.Owner != owner || rec.Status != domain.IdempotencyInProgress {
		return ErrNotOwner
	}
	apply(&rec)
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []domain.IdempotencyRecord
	for _, rec := range s.records {
		if rec.IsExpired(now) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(s.records, rec.Key)
	}
	return int64(len(expired)), nil
}
