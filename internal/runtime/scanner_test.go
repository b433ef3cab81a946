package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/docflow/internal/runtime/config"
	trackingpkg "github.com/drblury/docflow/internal/runtime/tracking"
)

func newTestScanner(t *testing.T, conf *configpkg.Config) (*StuckScanner, *trackingpkg.MemoryStore, *testPublisher) {
	t.Helper()

	store := trackingpkg.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	pub := &testPublisher{}
	if conf == nil {
		conf = &configpkg.Config{}
	}

	sc, err := NewStandaloneScanner(store, pub, conf, newTestLogger())
	require.NoError(t, err)
	return sc, store, pub
}

func stuckEntity(id, entityType, topic string, attempts int, lastAttempt *time.Time, createdAt time.Time) *trackingpkg.Entity {
	return &trackingpkg.Entity{
		ID:            id,
		Type:          entityType,
		Status:        trackingpkg.StatusPending,
		AttemptCount:  attempts,
		LastAttemptAt: lastAttempt,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
		Topic:         topic,
		Envelope:      []byte(`{"type":"ArchiveIngested","version":"1.0","id":"` + id + `","timestamp":"2026-08-20T10:00:00Z","data":{"archive_id":"a1"}}`),
	}
}

func TestStuckScanner_ScanOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("republishes entity past its backoff window", func(t *testing.T) {
		sc, store, pub := newTestScanner(t, nil)

		last := now.Add(-15 * time.Minute)
		e := stuckEntity("doc-1", "archive", "docs.parse", 2, &last, now.Add(-time.Hour))
		require.NoError(t, store.Upsert(ctx, e))

		report, err := sc.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Examined)
		assert.Equal(t, 1, report.Republished)
		assert.Equal(t, 0, report.Skipped)

		msgs := pub.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "docs.parse", msgs[0].topic)
		assert.Equal(t, e.Envelope, []byte(msgs[0].msg.Payload))
		assert.Equal(t, "doc-1", msgs[0].msg.UUID)

		got, err := store.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.AttemptCount)
	})

	t.Run("skips entity still inside its backoff window", func(t *testing.T) {
		sc, store, pub := newTestScanner(t, nil)

		// attempt_count=2 means a 10 minute delay at the 5 minute base.
		last := now.Add(-5 * time.Minute)
		require.NoError(t, store.Upsert(ctx, stuckEntity("doc-2", "archive", "docs.parse", 2, &last, now.Add(-time.Hour))))

		report, err := sc.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Examined)
		assert.Equal(t, 0, report.Republished)
		assert.Equal(t, 1, report.Skipped)
		assert.Empty(t, pub.Messages())

		got, err := store.Get(ctx, "doc-2")
		require.NoError(t, err)
		assert.Equal(t, 2, got.AttemptCount)
	})

	t.Run("never-attempted entity needs the stuck threshold", func(t *testing.T) {
		sc, store, pub := newTestScanner(t, nil)

		require.NoError(t, store.Upsert(ctx, stuckEntity("fresh", "archive", "docs.parse", 0, nil, now.Add(-time.Hour))))
		require.NoError(t, store.Upsert(ctx, stuckEntity("stale", "archive", "docs.parse", 0, nil, now.Add(-25*time.Hour))))

		report, err := sc.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Examined)
		assert.Equal(t, 1, report.Republished)

		msgs := pub.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "stale", msgs[0].msg.UUID)
	})

	t.Run("exhausted entity is marked failed instead of republished", func(t *testing.T) {
		sc, store, pub := newTestScanner(t, nil)

		last := now.Add(-2 * time.Hour)
		require.NoError(t, store.Upsert(ctx, stuckEntity("doc-3", "archive", "docs.parse", 2, &last, now.Add(-3*time.Hour))))
		// Default ceiling is 3: the claim takes attempt_count to 3.
		got, err := store.Get(ctx, "doc-3")
		require.NoError(t, err)
		require.Equal(t, 2, got.AttemptCount)

		report, err := sc.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Republished)
		assert.Equal(t, 1, report.Exhausted)
		assert.Empty(t, pub.Messages())

		got, err = store.Get(ctx, "doc-3")
		require.NoError(t, err)
		assert.Equal(t, trackingpkg.StatusFailedMaxRetries, got.Status)
		assert.NotEmpty(t, got.LastError)
	})

	t.Run("terminal entity never becomes a candidate again", func(t *testing.T) {
		sc, store, _ := newTestScanner(t, nil)

		last := now.Add(-2 * time.Hour)
		e := stuckEntity("doc-4", "archive", "docs.parse", 2, &last, now.Add(-3*time.Hour))
		require.NoError(t, store.Upsert(ctx, e))
		require.NoError(t, store.MarkProcessed(ctx, "doc-4"))

		report, err := sc.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Examined)
	})

	t.Run("per-type attempt ceiling", func(t *testing.T) {
		conf := &configpkg.Config{
			MaxRetriesByType: map[string]int{"chunk": 5},
		}
		sc, store, pub := newTestScanner(t, conf)

		last := now.Add(-2 * time.Hour)
		// attempt_count 3 exceeds the default ceiling but not the chunk one.
		require.NoError(t, store.Upsert(ctx, stuckEntity("chunk-1", "chunk", "docs.chunk", 3, &last, now.Add(-3*time.Hour))))

		report, err := sc.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Republished)
		assert.Equal(t, 0, report.Exhausted)
		require.Len(t, pub.Messages(), 1)
	})

	t.Run("lost claim counts as raced", func(t *testing.T) {
		sc, store, pub := newTestScanner(t, nil)

		last := now.Add(-2 * time.Hour)
		require.NoError(t, store.Upsert(ctx, stuckEntity("doc-5", "archive", "docs.parse", 0, &last, now.Add(-3*time.Hour))))

		// A competing scanner claims the entity between the candidate query
		// and this scanner's claim.
		sc.tracker = racingStore{Store: store, winner: store}

		report, err := sc.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Raced)
		assert.Equal(t, 0, report.Republished)
		assert.Empty(t, pub.Messages())
	})

	t.Run("empty store", func(t *testing.T) {
		sc, _, _ := newTestScanner(t, nil)

		report, err := sc.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, ScanReport{}, report)
	})
}

// racingStore lets another claim win right before each Claim call.
type racingStore struct {
	trackingpkg.Store
	winner trackingpkg.Store
}

func (r racingStore) Claim(ctx context.Context, id string, observedAttempts int, now time.Time) error {
	_ = r.winner.Claim(ctx, id, observedAttempts, now)
	return r.Store.Claim(ctx, id, observedAttempts, now)
}

func TestStuckScanner_PublishFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	store := trackingpkg.NewMemoryStore()
	defer store.Close()

	pub := &testPublisher{err: assert.AnError}
	sc, err := NewStandaloneScanner(store, pub, &configpkg.Config{}, newTestLogger())
	require.NoError(t, err)

	last := now.Add(-2 * time.Hour)
	require.NoError(t, store.Upsert(ctx, stuckEntity("doc-6", "archive", "docs.parse", 0, &last, now.Add(-3*time.Hour))))

	report, err := sc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Republished)

	// The claim advanced the counter; the next eligible pass tries again.
	got, err := store.Get(ctx, "doc-6")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, trackingpkg.StatusPending, got.Status)
}

func TestNewStandaloneScanner_Validation(t *testing.T) {
	store := trackingpkg.NewMemoryStore()
	defer store.Close()
	pub := &testPublisher{}
	conf := &configpkg.Config{}
	log := newTestLogger()

	_, err := NewStandaloneScanner(nil, pub, conf, log)
	assert.Error(t, err)

	_, err = NewStandaloneScanner(store, nil, conf, log)
	assert.Error(t, err)

	_, err = NewStandaloneScanner(store, pub, nil, log)
	assert.Error(t, err)

	_, err = NewStandaloneScanner(store, pub, conf, nil)
	assert.Error(t, err)
}

func TestScanReport_String(t *testing.T) {
	r := ScanReport{Examined: 5, Republished: 2, Exhausted: 1, Skipped: 1, Raced: 1}
	assert.Equal(t, "examined=5 republished=2 exhausted=1 skipped=1 raced=1", r.String())
}
