package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	configpkg "github.com/drblury/docflow/internal/runtime/config"
	envelopepkg "github.com/drblury/docflow/internal/runtime/envelope"
	trackingpkg "github.com/drblury/docflow/internal/runtime/tracking"
)

// End-to-end over the in-memory channel transport: a tracked archive fails
// twice with a transient error, succeeds on the third in-process attempt,
// emits exactly one JSONParsed event, and never touches the failed topic.
func TestEnvelopePipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := trackingpkg.NewMemoryStore()
	conf := &configpkg.Config{
		PubSubSystem:           "channel",
		RetryBackoffBase:       time.Millisecond,
		RetryBackoffCap:        time.Millisecond,
		StartupRequeueDisabled: true,
	}

	svc := NewService(conf, newTestLogger(), ctx, ServiceDependencies{Tracker: tracker})

	var attempts, parsed, failures atomic.Int32

	err := RegisterEnvelopeHandler(svc, EnvelopeHandlerRegistration{
		Stage:        "parsing",
		ConsumeTopic: "docs.parse",
		EventType:    "ArchiveIngested",
		Schema:       []byte(archiveSchema),
		EntityType:   "archive",
		Handler: func(ctx context.Context, evt *envelopepkg.Event) error {
			if attempts.Add(1) < 3 {
				return envelopepkg.Transient(errors.New("connection reset"))
			}
			out, err := envelopepkg.NewDeterministic("JSONParsed", "1.0",
				map[string]string{"archive_id": "a1"}, "a1")
			if err != nil {
				return err
			}
			return svc.PublishEnvelope(ctx, "docs.parsed", out)
		},
	})
	if err != nil {
		t.Fatalf("registering parsing handler: %v", err)
	}

	err = RegisterEnvelopeHandler(svc, EnvelopeHandlerRegistration{
		Stage:        "json-sink",
		ConsumeTopic: "docs.parsed",
		EventType:    "JSONParsed",
		Schema:       []byte(archiveSchema),
		Handler: func(ctx context.Context, evt *envelopepkg.Event) error {
			parsed.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("registering sink handler: %v", err)
	}

	err = RegisterEnvelopeHandler(svc, EnvelopeHandlerRegistration{
		Stage:        "failure-sink",
		ConsumeTopic: "docs.parse.failed",
		EventType:    "ParsingFailed",
		Handler: func(ctx context.Context, evt *envelopepkg.Event) error {
			failures.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("registering failure handler: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	evt, err := envelopepkg.NewDeterministic("ArchiveIngested", "1.0",
		map[string]string{"archive_id": "a1"}, "a1")
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	if err := svc.PublishTracked(ctx, "docs.parse", "archive", evt); err != nil {
		t.Fatalf("publishing tracked event: %v", err)
	}

	waitFor(t, "archive processed", func() bool {
		entity, err := tracker.Get(ctx, evt.ID)
		return err == nil && entity.Status == trackingpkg.StatusProcessed
	})
	waitFor(t, "parsed event consumed", func() bool {
		return parsed.Load() == 1
	})

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("service stopped with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after cancel")
	}

	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 handler attempts, got %d", got)
	}
	if got := failures.Load(); got != 0 {
		t.Fatalf("expected no failure events, got %d", got)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-tick.C:
		}
	}
}
