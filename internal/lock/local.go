package lock

import (
	"context"
	"sync"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
)

// LocalLocker is an in-process advisory locker for single-process
// deployments. Entries are reference counted and dropped when unused.
type LocalLocker struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a locker whose Acquire waits at most timeout.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{timeout: timeout, entries: make(map[string]*localEntry)}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	e := l.ref(key)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return &localLease{locker: l, key: key, entry: e}, nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	case <-timer.C:
		l.unref(key, e)
		return nil, domain.ErrLockTimeout.WithOp("lock.acquire")
	}
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// held reports the number of keys with waiters or holders.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type localLease struct {
	locker *LocalLocker
	key    string
	entry  *localEntry
	once   sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		<-l.entry.ch
		l.locker.unref(l.key, l.entry)
	})
	return nil
}
