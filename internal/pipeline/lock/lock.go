// Package lock guards the single-active-run invariant.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"userpipe/pkg/platform/sentinel"
)

// RunLockKey is the key every pipeline run contends on.
const RunLockKey = "pipeline:run-lock"

// ErrLeaseLost reports that a lease expired and another holder took the key.
var ErrLeaseLost = errors.New("lock lease lost")

// Lease is a held lock. Refresh extends it to ttl from now and fails with
// ErrLeaseLost once someone else holds the key. Release is idempotent.
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// LocalLocker is an in-process lock for single-instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

func NewLocal() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]localEntry),
		clock: time.Now,
	}
}

// Acquire takes key for ttl. It fails with sentinel.ErrLocked when another
// holder's lease has not expired.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if entry, ok := l.held[key]; ok && (entry.expiresAt.IsZero() || now.Before(entry.expiresAt)) {
		return nil, sentinel.ErrLocked
	}
	entry := localEntry{token: uuid.NewString()}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	l.held[key] = entry
	return &localLease{locker: l, key: key, token: entry.token}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

// Refresh keeps an expired entry alive as long as nobody else took the key.
func (le *localLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()
	entry, ok := le.locker.held[le.key]
	if !ok || entry.token != le.token {
		return ErrLeaseLost
	}
	entry.expiresAt = time.Time{}
	if ttl > 0 {
		entry.expiresAt = le.locker.clock().Add(ttl)
	}
	le.locker.held[le.key] = entry
	return nil
}

func (le *localLease) Release(context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()
	if entry, ok := le.locker.held[le.key]; ok && entry.token == le.token {
		delete(le.locker.held, le.key)
	}
	return nil
}
