// Package idempotency makes redelivery harmless. Every write contract here
// assumes content-derived ids: replaying the same logical unit collides with
// the first application instead of duplicating its effects. No entity type may
// rely on bus-level deduplication instead.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/docflow/internal/runtime/envelope"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	"github.com/drblury/docflow/internal/runtime/tracking"
)

// InsertOnce is the unique-key insert contract: a duplicate id means the work
// was already recorded, which is success. Returns true when this call created
// the entity.
func InsertOnce(ctx context.Context, store tracking.Store, e *tracking.Entity) (bool, error) {
	if store == nil {
		return false, errspkg.ErrTrackerRequired
	}

	err := store.Insert(ctx, e)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, tracking.ErrAlreadyExists) {
		return false, nil
	}
	return false, err
}

// RunOnce is the check-before-write contract: when the entity is already
// terminal, fn is not invoked at all. This is the guard in front of expensive
// side effects. Returns true when fn ran.
func RunOnce(ctx context.Context, store tracking.Store, id string, fn func(ctx context.Context) error) (bool, error) {
	if store == nil {
		return false, errspkg.ErrTrackerRequired
	}
	if fn == nil {
		return false, errspkg.ErrHandlerRequired
	}

	e, err := store.Get(ctx, id)
	if err != nil && !errors.Is(err, tracking.ErrNotFound) {
		return false, err
	}
	if e != nil && e.Status.Terminal() {
		return false, nil
	}

	return true, fn(ctx)
}

// KeyFunc extracts the tracking id from an envelope. The default is the
// envelope id itself, which is content-derived for trackable work.
type KeyFunc func(e *envelope.Event) string

// Guard is the subscriber-side idempotency check: before a handler runs, the
// guard asks the tracking store whether the entity is already terminal and, if
// so, has the delivery acked without invoking the handler.
type Guard struct {
	store   tracking.Store
	keyFunc KeyFunc
	skips   *prometheus.CounterVec
}

// NewGuard builds a guard over the store. A nil keyFunc uses the envelope id.
func NewGuard(store tracking.Store, keyFunc KeyFunc) (*Guard, error) {
	if store == nil {
		return nil, errspkg.ErrTrackerRequired
	}
	if keyFunc == nil {
		keyFunc = func(e *envelope.Event) string { return e.ID }
	}

	skips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Name:      "idempotent_skips_total",
			Help:      "Deliveries acked without invoking the handler because the entity was already terminal",
		},
		[]string{"event_type"},
	)
	if err := prometheus.DefaultRegisterer.Register(skips); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("docflow: registering idempotency metrics: %w", err)
		}
		skips = already.ExistingCollector.(*prometheus.CounterVec)
	}

	return &Guard{store: store, keyFunc: keyFunc, skips: skips}, nil
}

// AlreadyDone reports whether the entity behind e is already terminal. A
// missing entity is not an error: the entity may be fire-and-forget work the
// store never sees.
func (g *Guard) AlreadyDone(ctx context.Context, e *envelope.Event) (bool, error) {
	if e == nil {
		return false, errspkg.ErrEventRequired
	}

	id := g.keyFunc(e)
	if id == "" {
		return false, nil
	}

	entity, err := g.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if entity.Status.Terminal() {
		g.skips.WithLabelValues(e.Type).Inc()
		return true, nil
	}
	return false, nil
}

// Check wraps AlreadyDone into the error-classification vocabulary: a
// terminal entity yields envelope.ErrSkip, which the acknowledgment policy
// turns into an ack without side effects.
func (g *Guard) Check(ctx context.Context, e *envelope.Event) error {
	done, err := g.AlreadyDone(ctx, e)
	if err != nil {
		return envelope.Transient(err)
	}
	if done {
		return fmt.Errorf("%w: %s %s already terminal", envelope.ErrSkip, e.Type, e.ID)
	}
	return nil
}
