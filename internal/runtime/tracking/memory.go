package tracking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and the channel transport.
// Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	entities map[string]*Entity
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]*Entity)}
}

// Insert creates the entity, returning ErrAlreadyExists on a duplicate id.
func (s *MemoryStore) Insert(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[e.ID]; ok {
		return ErrAlreadyExists
	}

	stored := e.clone()
	stored.withDefaults(time.Now().UTC())
	s.entities[e.ID] = stored
	return nil
}

// Upsert creates or replaces the entity keyed by id.
func (s *MemoryStore) Upsert(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := e.clone()
	if prev, ok := s.entities[e.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	stored.withDefaults(now)
	stored.UpdatedAt = now
	s.entities[e.ID] = stored
	return nil
}

// Get returns a copy of the entity or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// MarkProcessed moves the entity to processed; repeating is a no-op.
func (s *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status == StatusProcessed {
		return nil
	}
	e.Status = StatusProcessed
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed moves the entity to failed_max_retries with the cause.
func (s *MemoryStore) MarkFailed(ctx context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusFailedMaxRetries
	e.LastError = lastError
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Claim performs the guarded attempt-count increment.
func (s *MemoryStore) Claim(ctx context.Context, id string, observedAttempts int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status.Terminal() {
		return ErrNoWork
	}
	if e.AttemptCount != observedAttempts {
		return ErrConflict
	}

	now = now.UTC()
	e.AttemptCount++
	e.LastAttemptAt = &now
	e.UpdatedAt = now
	return nil
}

// ListCandidates returns scanner candidates ordered oldest first.
func (s *MemoryStore) ListCandidates(ctx context.Context, entityType string, maxAttempts int, stuckBefore time.Time, limit int) ([]*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entity
	for _, e := range s.entities {
		if e.Status.Terminal() {
			continue
		}
		if entityType != "" && e.Type != entityType {
			continue
		}
		if e.AttemptCount >= maxAttempts {
			continue
		}
		if e.LastAttemptAt == nil && !e.CreatedAt.Before(stuckBefore) {
			continue
		}
		out = append(out, e.clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Types returns the distinct entity types, sorted.
func (s *MemoryStore) Types(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, e := range s.entities {
		seen[e.Type] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = make(map[string]*Entity)
	return nil
}

func (e *Entity) clone() *Entity {
	c := *e
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if e.Envelope != nil {
		c.Envelope = append([]byte(nil), e.Envelope...)
	}
	return &c
}
