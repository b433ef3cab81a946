package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/docflow/internal/runtime/config"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	retrypkg "github.com/drblury/docflow/internal/runtime/retry"
	trackingpkg "github.com/drblury/docflow/internal/runtime/tracking"
)

// defaultScanBatchSize caps how many candidates one pass pulls per entity type.
const defaultScanBatchSize = 500

// ScanReport summarizes one scanner pass.
type ScanReport struct {
	// Examined counts candidates the pass looked at.
	Examined int

	// Republished counts entities whose envelope went back on the bus.
	Republished int

	// Exhausted counts entities marked failed_max_retries this pass.
	Exhausted int

	// Skipped counts candidates still inside their backoff window, or whose
	// entity turned terminal between query and claim.
	Skipped int

	// Raced counts claims lost to a concurrent scanner instance.
	Raced int
}

func (r ScanReport) String() string {
	return fmt.Sprintf("examined=%d republished=%d exhausted=%d skipped=%d raced=%d",
		r.Examined, r.Republished, r.Exhausted, r.Skipped, r.Raced)
}

// StuckScanner periodically republishes tracked entities that stopped making
// progress. Each pass walks the non-terminal entities per type, waits out the
// backoff ladder, claims each eligible entity with an atomic guarded update,
// and either republishes its original envelope bytes verbatim or, once the
// attempt ceiling is reached, marks it failed_max_retries. This is the only
// component that sets failed_max_retries.
type StuckScanner struct {
	tracker   trackingpkg.Store
	publisher message.Publisher
	conf      *configpkg.Config
	logger    loggingpkg.ServiceLogger

	backoff   retrypkg.Policy
	batchSize int

	lastPass *prometheus.GaugeVec
	passes   prometheus.Counter
}

// NewStuckScanner builds a scanner over the service's tracking store and
// publisher.
func NewStuckScanner(s *Service) (*StuckScanner, error) {
	if s == nil {
		return nil, errspkg.ErrServiceRequired
	}
	return NewStandaloneScanner(s.tracker, s.publisher, s.Conf, s.Logger)
}

// NewStandaloneScanner builds a scanner from its bare collaborators, for
// running outside a Service (a dedicated scanner process pointed at the same
// store and transport).
func NewStandaloneScanner(tracker trackingpkg.Store, publisher message.Publisher, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (*StuckScanner, error) {
	if tracker == nil {
		return nil, errspkg.ErrTrackerRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	sc := &StuckScanner{
		tracker:   tracker,
		publisher: publisher,
		conf:      conf,
		logger:    logger,
		backoff: retrypkg.Policy{
			Base: conf.GetScannerBackoffBase(),
			Cap:  conf.GetScannerBackoffCap(),
		},
		batchSize: defaultScanBatchSize,
		lastPass: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "docflow",
				Subsystem: "scanner",
				Name:      "last_pass",
				Help:      "Result counts of the most recent scanner pass",
			},
			[]string{"result"},
		),
		passes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docflow",
				Subsystem: "scanner",
				Name:      "passes_total",
				Help:      "Total number of completed scanner passes",
			},
		),
	}

	if err := sc.registerMetrics(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *StuckScanner) registerMetrics() error {
	if err := prometheus.DefaultRegisterer.Register(sc.lastPass); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("docflow: registering scanner metrics: %w", err)
		}
		sc.lastPass = already.ExistingCollector.(*prometheus.GaugeVec)
	}
	if err := prometheus.DefaultRegisterer.Register(sc.passes); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("docflow: registering scanner metrics: %w", err)
		}
		sc.passes = already.ExistingCollector.(prometheus.Counter)
	}
	return nil
}

// Run executes passes on the configured interval until ctx is cancelled. The
// first pass runs immediately.
func (sc *StuckScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(sc.conf.GetScanInterval())
	defer ticker.Stop()

	for {
		report, err := sc.ScanOnce(ctx)
		if err != nil {
			sc.logger.Error("Scanner pass failed", err, loggingpkg.LogFields{"report": report.String()})
		} else {
			sc.logger.Info("Scanner pass complete", loggingpkg.LogFields{"report": report.String()})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce executes a single pass over every tracked entity type.
func (sc *StuckScanner) ScanOnce(ctx context.Context) (ScanReport, error) {
	var report ScanReport

	types, err := sc.tracker.Types(ctx)
	if err != nil {
		return report, fmt.Errorf("docflow: listing entity types: %w", err)
	}

	now := time.Now().UTC()
	stuckBefore := now.Add(-sc.conf.GetStuckThreshold())

	for _, entityType := range types {
		if err := sc.scanType(ctx, entityType, now, stuckBefore, &report); err != nil {
			sc.recordPass(report)
			return report, err
		}
	}

	sc.recordPass(report)
	return report, nil
}

func (sc *StuckScanner) scanType(ctx context.Context, entityType string, now, stuckBefore time.Time, report *ScanReport) error {
	maxAttempts := sc.conf.MaxAttemptsFor(entityType)

	candidates, err := sc.tracker.ListCandidates(ctx, entityType, maxAttempts, stuckBefore, sc.batchSize)
	if err != nil {
		return fmt.Errorf("docflow: listing candidates for %s: %w", entityType, err)
	}

	for _, e := range candidates {
		report.Examined++

		if e.LastAttemptAt != nil {
			nextEligible := e.LastAttemptAt.Add(sc.backoff.Delay(e.AttemptCount))
			if now.Before(nextEligible) {
				report.Skipped++
				continue
			}
		}

		if err := sc.tracker.Claim(ctx, e.ID, e.AttemptCount, now); err != nil {
			switch {
			case errors.Is(err, trackingpkg.ErrConflict):
				report.Raced++
			case errors.Is(err, trackingpkg.ErrNoWork), errors.Is(err, trackingpkg.ErrNotFound):
				report.Skipped++
			default:
				sc.logger.Error("Failed to claim entity", err, loggingpkg.LogFields{
					"entity_id":   e.ID,
					"entity_type": e.Type,
				})
			}
			continue
		}

		claimedAttempts := e.AttemptCount + 1
		if claimedAttempts >= maxAttempts {
			sc.markExhausted(ctx, e, claimedAttempts)
			report.Exhausted++
			continue
		}

		if sc.republish(ctx, e) {
			report.Republished++
		}
	}

	return nil
}

// markExhausted records the terminal failure once the retry budget is spent.
func (sc *StuckScanner) markExhausted(ctx context.Context, e *trackingpkg.Entity, attempts int) {
	lastError := e.LastError
	if lastError == "" {
		lastError = fmt.Sprintf("retry budget exhausted after %d attempts", attempts)
	}

	if err := sc.tracker.MarkFailed(ctx, e.ID, lastError); err != nil {
		sc.logger.Error("Failed to mark entity failed", err, loggingpkg.LogFields{
			"entity_id":   e.ID,
			"entity_type": e.Type,
		})
		return
	}

	sc.logger.Info("Entity failed after max retries", loggingpkg.LogFields{
		"entity_id":   e.ID,
		"entity_type": e.Type,
		"attempts":    attempts,
	})
}

// republish puts the entity's original envelope bytes back on its original
// topic, byte for byte.
func (sc *StuckScanner) republish(ctx context.Context, e *trackingpkg.Entity) bool {
	if e.Topic == "" || len(e.Envelope) == 0 {
		sc.logger.Error("Entity cannot be republished", fmt.Errorf("missing topic or envelope"), loggingpkg.LogFields{
			"entity_id":   e.ID,
			"entity_type": e.Type,
		})
		return false
	}

	msg := message.NewMessage(e.ID, e.Envelope)
	msg.SetContext(ctx)
	if err := sc.publisher.Publish(e.Topic, msg); err != nil {
		// The claim already advanced the attempt counter; the next eligible
		// pass picks the entity up again.
		sc.logger.Error("Failed to republish entity", err, loggingpkg.LogFields{
			"entity_id":   e.ID,
			"entity_type": e.Type,
			"topic":       e.Topic,
		})
		return false
	}

	sc.logger.Debug("Republished stuck entity", loggingpkg.LogFields{
		"entity_id":   e.ID,
		"entity_type": e.Type,
		"topic":       e.Topic,
		"attempts":    e.AttemptCount + 1,
	})
	return true
}

func (sc *StuckScanner) recordPass(report ScanReport) {
	sc.lastPass.WithLabelValues("examined").Set(float64(report.Examined))
	sc.lastPass.WithLabelValues("republished").Set(float64(report.Republished))
	sc.lastPass.WithLabelValues("exhausted").Set(float64(report.Exhausted))
	sc.lastPass.WithLabelValues("skipped").Set(float64(report.Skipped))
	sc.lastPass.WithLabelValues("raced").Set(float64(report.Raced))
	sc.passes.Inc()
}
