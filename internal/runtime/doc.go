/*
Package runtime provides the core event processing infrastructure for docflow.

# Architecture Overview

The runtime package implements a message-driven architecture built on top of
Watermill. It provides schema-validated envelope handlers plus typed handlers
for Protocol Buffers and JSON messages, along with a middleware chain for
cross-cutting concerns.

# Package Structure

The runtime package is organized into the following components:

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - Message router (Watermill)
  - Publisher and subscriber connections
  - Schema registry and tracking store
  - Middleware chain
  - HTTP servers for metrics and WebUI
  - Proto message registry for validation

## Envelope Delivery (envelope_api.go)

RegisterEnvelopeHandler wraps a handler in the delivery acknowledgment policy:
parse and schema-validate the envelope, consult the idempotency guard, retry
transient failures in-process with exponential backoff, and on exhaustion emit
a durable <Stage>Failed event before nacking for bus-level redelivery.
PublishEnvelope and PublishTracked are the producer-side entry points; the
latter records the tracked entity before the message can possibly be consumed.

## Reliability Processes (scanner.go, requeue.go)

The StuckScanner periodically republishes tracked entities that stopped making
progress, claiming each candidate with an atomic guarded update so concurrent
scanner instances cannot double-claim. The startup requeue pass republishes
unfinished work once at boot without touching retry bookkeeping.

## Handler Registration (registration*.go)

Handler registration files provide typed wrappers for message handlers:
  - registration.go: Raw Watermill handlers and base registration logic
  - registration_json.go: Typed JSON message handlers
  - registration_proto.go: Typed Protocol Buffer message handlers

## Middleware (middleware.go)

The middleware system provides composable message processing stages:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - ProtoValidate: Schema validation for protobuf messages
  - Outbox: Transactional outbox pattern support
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics collection
  - Retry: Exponential backoff retry logic
  - FailedQueue: Failed-queue forwarding for unprocessable messages
  - Recoverer: Panic recovery

## Stats & Monitoring (models.go, resources.go, failed_metrics.go)

Extended metrics collection for handler performance:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling
  - Backlog estimation
  - Failed-queue counters and snapshots

## Publishing (publisher.go)

Utilities for emitting proto-based events with proper metadata.

## WebUI (webui.go)

HTTP API for introspecting handler state, statistics, and failed queues.

# Sub-packages

  - config/: Service configuration with validation
  - envelope/: Wire format, failure events, and error classification
  - errors/: Sentinel errors and error types
  - handlers/: Message context types and handler building
  - idempotency/: Insert-once, run-once, and guard contracts over tracking
  - ids/: ULID generation and content-derived ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - retry/: In-process retry executor with exponential backoff
  - schema/: JSON schema registry for envelope payloads
  - tracking/: Entity tracking stores (memory, SQLite, PostgreSQL)
  - transport/: Pub/sub transport implementations (Kafka, RabbitMQ, AWS, NATS, etc.)

# Usage Example

	cfg := &docflow.Config{
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc := docflow.NewService(cfg, logger, ctx, docflow.ServiceDependencies{})
	svc.RegisterSchema("ArchiveIngested", "1.0", archiveSchema)

	docflow.RegisterEnvelopeHandler(svc, docflow.EnvelopeHandlerRegistration{
		Stage:        "parsing",
		ConsumeTopic: "docs.parse",
		EventType:    "ArchiveIngested",
		EntityType:   "archive",
		Handler:      parseArchive,
	})

	svc.Start(ctx)
*/
package runtime
