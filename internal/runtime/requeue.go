package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/docflow/internal/runtime/config"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	trackingpkg "github.com/drblury/docflow/internal/runtime/tracking"
)

var (
	requeueRepublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docflow",
		Subsystem: "startup_requeue",
		Name:      "republished_total",
		Help:      "Entities republished by the startup requeue pass",
	})
	requeueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docflow",
		Subsystem: "startup_requeue",
		Name:      "errors_total",
		Help:      "Errors encountered by the startup requeue pass",
	})
)

func init() {
	for _, c := range []prometheus.Collector{requeueRepublished, requeueErrors} {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
}

// runStartupRequeue republishes unfinished tracked work left over from a
// previous run, once, at boot. It deliberately leaves attempt_count and
// last_attempt_at alone: those belong to the stuck scanner, and duplicate
// injections are harmless under idempotent delivery. Strictly non-fatal.
func (s *Service) runStartupRequeue(ctx context.Context) {
	if s.tracker == nil || s.Conf.StartupRequeueDisabled {
		return
	}

	republished, err := RequeuePending(ctx, s.tracker, s.publisher, s.Conf, s.Logger)
	if err != nil {
		requeueErrors.Inc()
		s.Logger.Error("Startup requeue pass failed", err, loggingpkg.LogFields{
			"republished": republished,
		})
		return
	}

	s.Logger.Info("Startup requeue pass complete", loggingpkg.LogFields{
		"republished": republished,
	})
}

// RequeuePending walks the stuck candidates of every tracked entity type and
// republishes their original envelope bytes. Publish failures are logged and
// counted, never fatal; the pass keeps going.
func RequeuePending(ctx context.Context, tracker trackingpkg.Store, publisher message.Publisher, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (int, error) {
	types, err := tracker.Types(ctx)
	if err != nil {
		return 0, fmt.Errorf("docflow: listing entity types: %w", err)
	}

	stuckBefore := time.Now().UTC().Add(-conf.GetStuckThreshold())
	republished := 0

	for _, entityType := range types {
		candidates, err := tracker.ListCandidates(ctx, entityType, conf.MaxAttemptsFor(entityType), stuckBefore, defaultScanBatchSize)
		if err != nil {
			return republished, fmt.Errorf("docflow: listing candidates for %s: %w", entityType, err)
		}

		for _, e := range candidates {
			if e.Topic == "" || len(e.Envelope) == 0 {
				continue
			}

			msg := message.NewMessage(e.ID, e.Envelope)
			msg.SetContext(ctx)
			if err := publisher.Publish(e.Topic, msg); err != nil {
				requeueErrors.Inc()
				logger.Error("Failed to requeue entity", err, loggingpkg.LogFields{
					"entity_id":   e.ID,
					"entity_type": e.Type,
					"topic":       e.Topic,
				})
				continue
			}

			requeueRepublished.Inc()
			republished++
		}
	}

	return republished, nil
}
