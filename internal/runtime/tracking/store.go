package tracking

import (
	"context"
	"time"
)

// Store persists trackable entities. Implementations must make every write
// idempotent: repeating MarkProcessed, Upsert, or Insert-of-a-duplicate leaves
// the store as after one application.
type Store interface {
	// Insert creates the entity and returns ErrAlreadyExists when the id is
	// already present (the unique-key insert contract).
	Insert(ctx context.Context, e *Entity) error

	// Upsert creates or replaces the entity keyed by its deterministic id.
	Upsert(ctx context.Context, e *Entity) error

	// Get returns the entity or ErrNotFound.
	Get(ctx context.Context, id string) (*Entity, error)

	// MarkProcessed moves the entity to its processed terminal state.
	// Repeating the transition is a no-op.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed moves the entity to failed_max_retries and records the
	// cause. Only the stuck-document scanner calls this.
	MarkFailed(ctx context.Context, id, lastError string) error

	// Claim performs the scanner's atomic conditional update: increment
	// attempt_count and set last_attempt_at, guarded on the attempt count the
	// caller observed. Returns ErrConflict when another claimer won,
	// ErrNoWork when the entity is already terminal.
	Claim(ctx context.Context, id string, observedAttempts int, now time.Time) error

	// ListCandidates returns non-terminal entities below the attempt ceiling
	// that are either stuck (never attempted and created before stuckBefore)
	// or riding the retry ladder (attempted at least once). An empty
	// entityType matches all types.
	ListCandidates(ctx context.Context, entityType string, maxAttempts int, stuckBefore time.Time, limit int) ([]*Entity, error)

	// Types returns the distinct entity types present in the store.
	Types(ctx context.Context) ([]string, error)

	Close() error
}
