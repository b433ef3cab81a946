package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	envelopepkg "github.com/drblury/docflow/internal/runtime/envelope"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	idempotencypkg "github.com/drblury/docflow/internal/runtime/idempotency"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	retrypkg "github.com/drblury/docflow/internal/runtime/retry"
	trackingpkg "github.com/drblury/docflow/internal/runtime/tracking"
	transportpkg "github.com/drblury/docflow/internal/runtime/transport"
)

// EnvelopeHandler is the callback signature for envelope handlers. The event
// has already passed structural and schema validation, and the idempotency
// guard, before the handler runs. Return nil to acknowledge; classify
// failures at the call site:
//   - envelope.Transient(err): retried in-process, then redelivered by the bus
//   - envelope.RetryAfter(d, err): retried after the requested delay
//   - envelope.Permanent(err): the *Failed event is emitted, then the message is dropped
//   - envelope.ErrMalformed: dropped with a log line, never retried
//   - envelope.ErrSkip: acknowledged without effects
//   - unclassified errors are treated as transient and logged as a classification bug
type EnvelopeHandler func(ctx context.Context, evt *envelopepkg.Event) error

// EnvelopeHandlerRegistration configures a schema-validated envelope handler.
type EnvelopeHandlerRegistration struct {
	// Name uniquely identifies the handler. Defaults to "envelope-<topic>".
	Name string

	// Stage names the pipeline stage, e.g. "parsing". Retry exhaustion and
	// permanent failures emit a <Stage>Failed event.
	Stage string

	// ConsumeTopic is the routing key the handler subscribes to.
	ConsumeTopic string

	// EventType and Version name the schema the consumed payloads must
	// satisfy. Version defaults to envelope.DefaultVersion.
	EventType string
	Version   string

	// Schema optionally registers the payload schema at registration time.
	// Leave nil when the type was registered on the service beforehand.
	Schema []byte

	// EntityType is the tracking entity type for trackable work. Empty means
	// fire-and-forget: no idempotency guard, no processed transition.
	EntityType string

	// MaxAttempts overrides the in-process attempt budget for this handler.
	MaxAttempts int

	// Handler processes validated envelopes.
	Handler EnvelopeHandler
}

// envelopeRoute records a registration for topology validation.
type envelopeRoute struct {
	name         string
	stage        string
	consumeTopic string
	eventType    string
	version      string
}

// RegisterSchema binds a payload schema to (eventType, version) on the
// service registry.
func (s *Service) RegisterSchema(eventType, version string, schemaJSON []byte) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return s.schemaRegistry.Register(eventType, version, schemaJSON)
}

// PublishEnvelope validates evt against the schema registry and publishes its
// wire form to topic. The caller gets the validation error; an invalid
// envelope never reaches the bus.
func (s *Service) PublishEnvelope(ctx context.Context, topic string, evt *envelopepkg.Event) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if s.publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := s.envelopeMessage(evt)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return s.publisher.Publish(topic, msg)
}

// PublishTracked records the entity in the tracking store and then publishes
// the envelope. The insert is idempotent: republishing the same
// content-derived id is not an error. This is the producer side of the
// delivery guarantee — the entity exists in the store before the message can
// possibly be consumed.
func (s *Service) PublishTracked(ctx context.Context, topic, entityType string, evt *envelopepkg.Event) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if s.tracker == nil {
		return errspkg.ErrTrackerRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := s.envelopeMessage(evt)
	if err != nil {
		return err
	}

	entity := &trackingpkg.Entity{
		ID:       evt.ID,
		Type:     entityType,
		Topic:    topic,
		Envelope: msg.Payload,
	}
	if _, err := idempotencypkg.InsertOnce(ctx, s.tracker, entity); err != nil {
		return fmt.Errorf("docflow: recording tracked entity: %w", err)
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}
	return s.publisher.Publish(topic, msg)
}

// envelopeMessage validates the event and builds its transport message.
func (s *Service) envelopeMessage(evt *envelopepkg.Event) (*message.Message, error) {
	if evt == nil {
		return nil, errspkg.ErrEventRequired
	}
	if err := s.schemaRegistry.Validate(evt); err != nil {
		return nil, err
	}

	wire, err := evt.Marshal()
	if err != nil {
		return nil, err
	}
	return message.NewMessage(evt.ID, wire), nil
}

// RegisterEnvelopeHandler wires a schema-validated, idempotent, retrying
// handler onto the service router. The stage's <Stage>Failed type is
// registered against the shared failure-payload schema unless a custom one
// was registered first.
func RegisterEnvelopeHandler(s *Service, reg EnvelopeHandlerRegistration) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if reg.ConsumeTopic == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if reg.EventType == "" {
		return errspkg.ErrConsumeMessageTypeRequired
	}
	if reg.Name == "" {
		reg.Name = fmt.Sprintf("envelope-%s", reg.ConsumeTopic)
	}
	if reg.Version == "" {
		reg.Version = envelopepkg.DefaultVersion
	}
	if reg.Stage == "" {
		reg.Stage = reg.ConsumeTopic
	}

	if len(reg.Schema) > 0 {
		if err := s.schemaRegistry.Register(reg.EventType, reg.Version, reg.Schema); err != nil {
			return err
		}
	}
	if err := s.schemaRegistry.RegisterFailure(envelopepkg.StageFailedType(reg.Stage)); err != nil {
		return err
	}

	executor := s.envelopeExecutor(reg.MaxAttempts)

	var guard *idempotencypkg.Guard
	if reg.EntityType != "" {
		if s.tracker == nil {
			return errspkg.ErrTrackerRequired
		}
		var err error
		guard, err = idempotencypkg.NewGuard(s.tracker, nil)
		if err != nil {
			return err
		}
	}

	stats := newHandlerStats(reg.Name, reg.ConsumeTopic, "", s.getResourceTracker())
	handler := wrapNoPublishHandlerWithStats(s.wrapEnvelopeHandler(reg, executor, guard), stats, s.getErrorClassifier())

	s.router.AddNoPublisherHandler(
		reg.Name,
		reg.ConsumeTopic,
		s.subscriber,
		handler,
	)

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, &HandlerInfo{
		Name:         reg.Name,
		ConsumeQueue: reg.ConsumeTopic,
		PublishQueue: "",
		Stats:        stats,
	})
	s.handlersMu.Unlock()

	s.envelopeRoutesMu.Lock()
	s.envelopeRoutes = append(s.envelopeRoutes, envelopeRoute{
		name:         reg.Name,
		stage:        reg.Stage,
		consumeTopic: reg.ConsumeTopic,
		eventType:    reg.EventType,
		version:      reg.Version,
	})
	s.envelopeRoutesMu.Unlock()

	return nil
}

func wrapNoPublishHandlerWithStats(handler message.NoPublishHandlerFunc, stats *HandlerStats, classifier ErrorClassifier) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		invocation := stats.onMessageStart(msg)
		start := time.Now()
		err := handler(msg)
		duration := time.Since(start)

		stats.onMessageFinish(invocation, duration, err, classifier)

		return err
	}
}

// Handlers returns the registered handler descriptors.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return append([]*HandlerInfo(nil), s.handlers...)
}

// envelopeExecutor builds the in-process retry executor for a handler,
// honoring the per-handler override and the configured policy.
func (s *Service) envelopeExecutor(maxAttempts int) *retrypkg.Executor {
	policy := retrypkg.Policy{
		MaxAttempts: s.Conf.GetRetryMaxAttempts(),
		Base:        s.Conf.GetRetryBackoffBase(),
		Cap:         s.Conf.GetRetryBackoffCap(),
	}
	if maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}
	return retrypkg.NewExecutor(policy)
}

// wrapEnvelopeHandler implements the delivery acknowledgment policy around a
// handler: validate, guard, retry in-process, then decide ack / requeue /
// drop per the error classification.
func (s *Service) wrapEnvelopeHandler(reg EnvelopeHandlerRegistration, executor *retrypkg.Executor, guard *idempotencypkg.Guard) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		evt, err := s.schemaRegistry.ValidateWire(msg.Payload)
		if err != nil {
			// Malformed or schema-rejected input: requeueing cannot fix it.
			// Drop with a log line and a metric, before any callback runs.
			s.Logger.Error("Dropping invalid envelope", err, loggingpkg.LogFields{
				"handler":      reg.Name,
				"topic":        reg.ConsumeTopic,
				"message_uuid": msg.UUID,
			})
			s.recordEnvelopeDrop(reg.ConsumeTopic, "malformed")
			return nil
		}

		if guard != nil {
			done, guardErr := guard.AlreadyDone(ctx, evt)
			if guardErr != nil {
				// Store unavailable: requeue rather than risk a duplicate effect.
				return envelopepkg.Transient(guardErr)
			}
			if done {
				s.Logger.Debug("Skipping already-terminal entity", loggingpkg.LogFields{
					"handler":  reg.Name,
					"event_id": evt.ID,
					"type":     evt.Type,
				})
				return nil
			}
		}

		err = executor.Execute(ctx, func(ctx context.Context) error {
			return reg.Handler(ctx, evt)
		})
		return s.handleDeliveryOutcome(ctx, reg, executor, evt, err)
	}
}

// handleDeliveryOutcome maps the executor result to an acknowledgment
// decision. Every error kind has an explicit branch; nothing falls through to
// a blanket retry-everything or drop-everything.
func (s *Service) handleDeliveryOutcome(ctx context.Context, reg EnvelopeHandlerRegistration, executor *retrypkg.Executor, evt *envelopepkg.Event, err error) error {
	if err == nil {
		s.markEntityProcessed(ctx, reg, evt)
		return nil
	}

	if exhausted, ok := retrypkg.IsExhausted(err); ok {
		// Every in-process attempt failed. Emit the durable *Failed event,
		// then re-raise so the bus redelivers the original later.
		if !envelopepkg.IsClassified(exhausted.Err) {
			s.Logger.Error("Unclassified handler error treated as transient", exhausted.Err, loggingpkg.LogFields{
				"handler":  reg.Name,
				"event_id": evt.ID,
			})
		}
		s.publishFailureEvent(ctx, reg, evt, exhausted.Err, exhausted.Attempts)
		return err
	}

	outcome, _ := envelopepkg.ClassifyError(err)
	switch outcome {
	case envelopepkg.OutcomeSkip:
		s.Logger.Debug("Skipping envelope", loggingpkg.LogFields{
			"handler":  reg.Name,
			"event_id": evt.ID,
			"reason":   err.Error(),
		})
		return nil

	case envelopepkg.OutcomeDrop:
		if errors.Is(err, envelopepkg.ErrPermanent) {
			// Permanent business failure: one *Failed event, then drop.
			s.publishFailureEvent(ctx, reg, evt, err, 1)
			return nil
		}
		// Malformed per the handler's own parsing: drop without a failure
		// event, same as subscriber-side validation.
		s.Logger.Error("Dropping malformed envelope", err, loggingpkg.LogFields{
			"handler":  reg.Name,
			"event_id": evt.ID,
		})
		s.recordEnvelopeDrop(reg.ConsumeTopic, "malformed")
		return nil

	default:
		// Context cancellation and anything else the executor surfaced
		// directly: nack and let bus redelivery take over.
		return err
	}
}

// markEntityProcessed records the terminal success transition for trackable
// work. Repeating the transition (a redelivered duplicate) is a no-op.
func (s *Service) markEntityProcessed(ctx context.Context, reg EnvelopeHandlerRegistration, evt *envelopepkg.Event) {
	if reg.EntityType == "" || s.tracker == nil {
		return
	}
	if err := s.tracker.MarkProcessed(ctx, evt.ID); err != nil && !errors.Is(err, trackingpkg.ErrNotFound) {
		s.Logger.Error("Failed to mark entity processed", err, loggingpkg.LogFields{
			"handler":  reg.Name,
			"event_id": evt.ID,
		})
	}
}

// publishFailureEvent emits exactly one <Stage>Failed envelope to the
// stage's failed topic, carrying the original payload and the failure
// context in message metadata.
func (s *Service) publishFailureEvent(ctx context.Context, reg EnvelopeHandlerRegistration, evt *envelopepkg.Event, cause error, retryCount int) {
	failedAt := envelopepkg.Now()
	failure, err := envelopepkg.NewFailureEvent(evt, reg.Stage, cause, retryCount, failedAt)
	if err != nil {
		s.Logger.Error("Failed to build failure event", err, loggingpkg.LogFields{
			"handler":  reg.Name,
			"event_id": evt.ID,
		})
		return
	}

	wire, err := failure.Marshal()
	if err != nil {
		s.Logger.Error("Failed to marshal failure event", err, loggingpkg.LogFields{
			"handler":  reg.Name,
			"event_id": evt.ID,
		})
		return
	}

	failedTopic := envelopepkg.FailedTopic(reg.ConsumeTopic)
	msg := message.NewMessage(failure.ID, wire)
	msg.Metadata.Set(envelopepkg.MetadataOriginalTopic, reg.ConsumeTopic)
	msg.Metadata.Set(envelopepkg.MetadataStage, reg.Stage)
	msg.Metadata.Set(envelopepkg.MetadataErrorMessage, cause.Error())
	msg.Metadata.Set(envelopepkg.MetadataErrorType, envelopepkg.ErrorClass(cause))
	msg.Metadata.Set(envelopepkg.MetadataRetryCount, strconv.Itoa(retryCount))
	msg.Metadata.Set(envelopepkg.MetadataFailedAt, envelopepkg.FormatTime(failedAt))
	if ctx != nil {
		msg.SetContext(ctx)
	}

	s.Logger.Info("Publishing failure event", loggingpkg.LogFields{
		"handler":     reg.Name,
		"event_id":    evt.ID,
		"failure_id":  failure.ID,
		"topic":       failedTopic,
		"error_type":  envelopepkg.ErrorClass(cause),
		"retry_count": retryCount,
	})

	if err := s.publisher.Publish(failedTopic, msg); err != nil {
		s.Logger.Error("Failed to publish failure event", err, loggingpkg.LogFields{
			"handler": reg.Name,
			"topic":   failedTopic,
		})
		return
	}

	if s.failedMetrics != nil {
		s.failedMetrics.RecordMessageFailed(reg.ConsumeTopic, reg.Name, retryCount, time.Since(evt.Timestamp))
	}
}

func (s *Service) recordEnvelopeDrop(topic, reason string) {
	if s.failedMetrics != nil {
		s.failedMetrics.RecordMessageDropped(topic, reason)
	}
}

// ValidateTopology cross-checks the registered envelope handlers against the
// schema registry, so schema drift is a startup-time error rather than a
// production surprise.
func (s *Service) ValidateTopology() error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}

	s.envelopeRoutesMu.RLock()
	routes := append([]envelopeRoute(nil), s.envelopeRoutes...)
	s.envelopeRoutesMu.RUnlock()

	var errs []error
	for _, r := range routes {
		if !s.schemaRegistry.Registered(r.eventType, r.version) {
			errs = append(errs, fmt.Errorf("handler %s consumes %s/%s on %s but no such schema is registered",
				r.name, r.eventType, r.version, r.consumeTopic))
		}
		failType := envelopepkg.StageFailedType(r.stage)
		if !s.schemaRegistry.Registered(failType, envelopepkg.DefaultVersion) {
			errs = append(errs, fmt.Errorf("handler %s has no failure schema for %s", r.name, failType))
		}
	}
	return errors.Join(errs...)
}

// GetTransportCapabilities returns the capabilities of the configured transport.
func (s *Service) GetTransportCapabilities() transportpkg.Capabilities {
	if s == nil || s.Conf == nil {
		return transportpkg.Capabilities{}
	}
	return transportpkg.GetCapabilities(s.Conf.PubSubSystem)
}
