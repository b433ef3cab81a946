// Package tracking persists the lifecycle of trackable work units. Every
// entity carries a content-derived id and moves from pending to exactly one
// terminal state; the stores enforce the idempotent write contracts the rest
// of the runtime builds on.
package tracking

import (
	"errors"
	"fmt"
	"time"
)

// Status is the closed set of entity lifecycle states.
type Status string

const (
	// StatusPending marks work that has been published but not finished.
	StatusPending Status = "pending"

	// StatusProcessed marks work the owning stage completed.
	StatusProcessed Status = "processed"

	// StatusFailedMaxRetries marks work the stuck-document scanner gave up
	// on. Only the scanner sets this.
	StatusFailedMaxRetries Status = "failed_max_retries"
)

// Terminal reports whether the status ends the entity's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailedMaxRetries
}

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailedMaxRetries:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no entity exists for the given id.
	ErrNotFound = errors.New("tracking: entity not found")

	// ErrAlreadyExists is returned by Insert when the content-derived id is
	// already present. The idempotency layer treats it as success.
	ErrAlreadyExists = errors.New("tracking: entity already exists")

	// ErrConflict is returned by Claim when another claimer won the guarded
	// update first.
	ErrConflict = errors.New("tracking: concurrent claim conflict")

	// ErrNoWork is returned by Claim when the entity is already terminal and
	// needs no further attempts.
	ErrNoWork = errors.New("tracking: entity needs no work")
)

// Entity is one trackable unit of work.
type Entity struct {
	// ID is the content-derived identifier (32 lowercase hex chars).
	ID string

	// Type names the entity kind, e.g. "archive" or "chunk".
	Type string

	Status Status

	// AttemptCount is incremented only by the stuck-document scanner's
	// claim; in-process retries do not touch it.
	AttemptCount int

	// LastAttemptAt is nil until the scanner claims the entity once.
	LastAttemptAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Topic is the original routing key the entity was published to.
	Topic string

	// Envelope holds the original wire bytes verbatim, for republishing.
	Envelope []byte

	// LastError records the most recent failure cause.
	LastError string
}

// Validate checks the fields every store requires before a write.
func (e *Entity) Validate() error {
	if e == nil {
		return fmt.Errorf("tracking: entity is required")
	}
	if e.ID == "" {
		return fmt.Errorf("tracking: entity id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("tracking: entity type is required")
	}
	if e.Status != "" && !e.Status.Valid() {
		return fmt.Errorf("tracking: unknown status %q", e.Status)
	}
	return nil
}

// withDefaults fills zero fields for a fresh insert.
func (e *Entity) withDefaults(now time.Time) {
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
}
