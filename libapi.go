package docflow

import (
	"time"

	runtimepkg "github.com/drblury/docflow/internal/runtime"
	configpkg "github.com/drblury/docflow/internal/runtime/config"
	envelopepkg "github.com/drblury/docflow/internal/runtime/envelope"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/docflow/internal/runtime/handlers"
	idempotencypkg "github.com/drblury/docflow/internal/runtime/idempotency"
	idspkg "github.com/drblury/docflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/docflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/docflow/internal/runtime/metadata"
	retrypkg "github.com/drblury/docflow/internal/runtime/retry"
	schemapkg "github.com/drblury/docflow/internal/runtime/schema"
	trackingpkg "github.com/drblury/docflow/internal/runtime/tracking"
	transportpkg "github.com/drblury/docflow/internal/runtime/transport"
	newtransport "github.com/drblury/docflow/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ProtoValidator      = runtimepkg.ProtoValidator
	OutboxStore         = runtimepkg.OutboxStore
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	MessageHandlerRegistration                = runtimepkg.MessageHandlerRegistration
	JSONHandlerRegistration[T any, O any]     = handlerpkg.JSONHandlerRegistration[T, O]
	JSONMessageContext[T any]                 = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]                  = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]          = handlerpkg.JSONMessageHandler[T, O]
	ProtoHandlerRegistration[T proto.Message] = handlerpkg.ProtoHandlerRegistration[T]
	ProtoHandlerOption                        = handlerpkg.ProtoHandlerOption
	ProtoMessageContext[T proto.Message]      = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                        = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message]      = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                        = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Producer = runtimepkg.Producer

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	UnprocessableEventError = runtimepkg.UnprocessableEventError

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Failed-queue metrics
	FailedQueueMetrics    = runtimepkg.FailedQueueMetrics
	FailedTopicMetrics    = runtimepkg.FailedTopicMetrics
	FailedMetricsSnapshot = runtimepkg.FailedMetricsSnapshot

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Envelope types
	Event           = envelopepkg.Event
	ValidationError = envelopepkg.ValidationError
	FailurePayload  = envelopepkg.FailurePayload
	RetryAfterError = envelopepkg.RetryAfterError
	Outcome         = envelopepkg.Outcome

	// Schema registry
	SchemaRegistry = schemapkg.Registry

	// Entity tracking
	Entity        = trackingpkg.Entity
	EntityStatus  = trackingpkg.Status
	TrackingStore = trackingpkg.Store
	MemoryStore   = trackingpkg.MemoryStore
	SQLiteStore   = trackingpkg.SQLiteStore
	PostgresStore = trackingpkg.PostgresStore

	// In-process retry
	RetryPolicy    = retrypkg.Policy
	RetryExecutor  = retrypkg.Executor
	ExhaustedError = retrypkg.ExhaustedError

	// Idempotency
	IdempotencyGuard   = idempotencypkg.Guard
	IdempotencyKeyFunc = idempotencypkg.KeyFunc

	// Envelope handlers
	EnvelopeHandler             = runtimepkg.EnvelopeHandler
	EnvelopeHandlerRegistration = runtimepkg.EnvelopeHandlerRegistration

	// Stuck-document scanner
	StuckScanner = runtimepkg.StuckScanner
	ScanReport   = runtimepkg.ScanReport

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	// Modular transport types (new package structure)
	TransportBuilder         = newtransport.Builder
	TransportConfig          = newtransport.Config
	TransportRegistry        = newtransport.Registry
	TransportCapabilities    = newtransport.Capabilities
	TransportFailedStore     = newtransport.FailedStore
	TransportFailedEntry     = newtransport.FailedEntry
	TransportQueueIntrospect = newtransport.QueueIntrospector
	TransportDelayedPub      = newtransport.DelayedPublisher
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	RegisterMessageHandler  = runtimepkg.RegisterMessageHandler
	WithPublishMessageTypes = handlerpkg.WithPublishMessageTypes

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	ProtoValidateMiddleware = runtimepkg.ProtoValidateMiddleware
	OutboxMiddleware        = runtimepkg.OutboxMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	FailedQueueMiddleware   = runtimepkg.FailedQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	// Failed-queue metrics
	NewFailedQueueMetrics = runtimepkg.NewFailedQueueMetrics

	// Envelope constructors and helpers
	NewEvent              = envelopepkg.New
	NewDeterministicEvent = envelopepkg.NewDeterministic
	ParseEnvelope         = envelopepkg.Parse
	NewFailureEvent       = envelopepkg.NewFailureEvent
	DecodeFailure         = envelopepkg.DecodeFailure
	FailedTopic           = envelopepkg.FailedTopic
	OriginalTopic         = envelopepkg.OriginalTopic
	IsFailedTopic         = envelopepkg.IsFailedTopic
	StageFailedType       = envelopepkg.StageFailedType

	// Error classification
	Transient     = envelopepkg.Transient
	Permanent     = envelopepkg.Permanent
	RetryAfter    = envelopepkg.RetryAfter
	ClassifyError = envelopepkg.ClassifyError
	IsClassified  = envelopepkg.IsClassified
	IsTransient   = envelopepkg.IsTransient
	IsPermanent   = envelopepkg.IsPermanent
	ErrorClass    = envelopepkg.ErrorClass

	ErrTransient = envelopepkg.ErrTransient
	ErrPermanent = envelopepkg.ErrPermanent
	ErrMalformed = envelopepkg.ErrMalformed
	ErrSkip      = envelopepkg.ErrSkip

	// Schema registry
	NewSchemaRegistry = schemapkg.NewRegistry

	// Entity tracking
	NewMemoryStore         = trackingpkg.NewMemoryStore
	NewSQLiteStore         = trackingpkg.NewSQLiteStore
	NewSQLiteStoreFromDB   = trackingpkg.NewSQLiteStoreFromDB
	NewPostgresStore       = trackingpkg.NewPostgresStore
	NewPostgresStoreFromDB = trackingpkg.NewPostgresStoreFromDB

	ErrEntityNotFound = trackingpkg.ErrNotFound
	ErrEntityExists   = trackingpkg.ErrAlreadyExists
	ErrClaimConflict  = trackingpkg.ErrConflict
	ErrNoWork         = trackingpkg.ErrNoWork

	// In-process retry
	NewRetryExecutor   = retrypkg.NewExecutor
	DefaultRetryPolicy = retrypkg.DefaultPolicy
	IsExhausted        = retrypkg.IsExhausted

	// Idempotency
	InsertOnce          = idempotencypkg.InsertOnce
	RunOnce             = idempotencypkg.RunOnce
	NewIdempotencyGuard = idempotencypkg.NewGuard

	// Envelope handler registration
	RegisterEnvelopeHandler = runtimepkg.RegisterEnvelopeHandler

	// Stuck-document scanner and startup requeue
	NewStuckScanner      = runtimepkg.NewStuckScanner
	NewStandaloneScanner = runtimepkg.NewStandaloneScanner
	RequeuePending       = runtimepkg.RequeuePending

	// Transport capabilities
	GetCapabilities = transportpkg.GetCapabilities

	// Modular transport registry (new package structure)
	// Use RegisterTransport and BuildTransport to work with the modular transport packages.
	// Import individual transports via: _ "github.com/drblury/docflow/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired             = errspkg.ErrServiceRequired
	ErrHandlerRequired             = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired        = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired         = errspkg.ErrHandlerNameRequired
	ErrConsumeMessageTypeRequired  = errspkg.ErrConsumeMessageTypeRequired
	ErrConsumeMessagePointerNeeded = errspkg.ErrConsumeMessagePointerNeeded
	ErrPublisherRequired           = errspkg.ErrPublisherRequired
	ErrTopicRequired               = errspkg.ErrTopicRequired
	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrEventPayloadRequired        = errspkg.ErrEventPayloadRequired
	ErrEventRequired               = errspkg.ErrEventRequired
	ErrSchemaRequired              = errspkg.ErrSchemaRequired
	ErrTrackerRequired             = errspkg.ErrTrackerRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID  = idspkg.CreateULID
	DeriveID    = idspkg.DeriveID
	IsDerivedID = idspkg.IsDerivedID
)

// Entity status values.
const (
	StatusPending          = trackingpkg.StatusPending
	StatusProcessed        = trackingpkg.StatusProcessed
	StatusFailedMaxRetries = trackingpkg.StatusFailedMaxRetries
)

// Acknowledgment outcomes.
const (
	OutcomeAck          = envelopepkg.OutcomeAck
	OutcomeRequeue      = envelopepkg.OutcomeRequeue
	OutcomeRequeueAfter = envelopepkg.OutcomeRequeueAfter
	OutcomeDrop         = envelopepkg.OutcomeDrop
	OutcomeSkip         = envelopepkg.OutcomeSkip
)

// DefaultVersion is the schema version assigned when a producer does not
// specify one.
const DefaultVersion = envelopepkg.DefaultVersion

// FailureSchemaJSON is the shared payload schema for <Stage>Failed events.
const FailureSchemaJSON = schemapkg.FailureSchemaJSON

// Reliability metadata keys carried on transport messages.
const (
	MetadataOriginalTopic = envelopepkg.MetadataOriginalTopic
	MetadataStage         = envelopepkg.MetadataStage
	MetadataErrorMessage  = envelopepkg.MetadataErrorMessage
	MetadataErrorType     = envelopepkg.MetadataErrorType
	MetadataRetryCount    = envelopepkg.MetadataRetryCount
	MetadataFailedAt      = envelopepkg.MetadataFailedAt
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyEventSchema   = handlerpkg.MetadataKeyEventSchema
	MetadataKeyQueueDepth    = handlerpkg.MetadataKeyQueueDepth
	MetadataKeyEnqueuedAt    = handlerpkg.MetadataKeyEnqueuedAt
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID        = handlerpkg.MetadataKeySpanID

	// MetadataKeyDelay is used by SQLite and PostgreSQL transports for delayed message processing.
	// Set to a duration string like "30s", "5m", "1h".
	MetadataKeyDelay = "docflow_delay"
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func RegisterJSONHandler[T any, O any](svc *Service, cfg JSONHandlerRegistration[T, O]) error {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}

func RegisterProtoHandler[T proto.Message](svc *Service, cfg ProtoHandlerRegistration[T]) error {
	return runtimepkg.RegisterProtoHandler(svc, cfg)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// WithDelay returns a Metadata with the docflow_delay key set for delayed message processing.
// This is a convenience wrapper for SQLite and PostgreSQL transports' delayed message feature.
// Example: docflow.NewMetadata().Merge(docflow.WithDelay(30 * time.Second))
func WithDelay(delay time.Duration) Metadata {
	return Metadata{MetadataKeyDelay: delay.String()}
}
