package store

import (
	"context"
	"sync"
	"time"

	"userpipe/internal/pipeline"
)

// InMemoryStore is a thread-safe destination used by tests and dry runs.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
	now  func() time.Time
}

// NewInMemory constructs an empty in-memory user store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		rows: make(map[string]Row),
		now:  time.Now,
	}
}

func (s *InMemoryStore) EnsureSchema(context.Context) error {
	return nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, record pipeline.CanonicalRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.rows[record.Username]
	row := Row{CanonicalRecord: record, CreatedAt: now, UpdatedAt: now}
	if ok {
		row.CreatedAt = existing.CreatedAt
	}
	s.rows[record.Username] = row
	return !ok, nil
}

func (s *InMemoryStore) FindByKey(ctx context.Context, username string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[username]
	if !ok {
		return nil, nil
	}
	return []Row{row}, nil
}

func (s *InMemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

// Overwrite replaces a stored row without going through Upsert. It simulates
// out-of-band edits to the destination.
func (s *InMemoryStore) Overwrite(record pipeline.CanonicalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.rows[record.Username] = Row{CanonicalRecord: record, CreatedAt: now, UpdatedAt: now}
}
