// Package docflow is a small layer on top of Watermill that wires routers,
// publishers, subscribers, and middleware for schema-validated document
// pipelines. It reads the target transport (Kafka, RabbitMQ, AWS SNS/SQS,
// NATS, HTTP, I/O, SQLite, PostgreSQL, or Go Channels) from Config, bootstraps
// the Watermill router, and registers the default middleware chain for
// correlation IDs, logging, validation, tracing, retries, and failed-queue
// forwarding.
//
// Every message on the bus rides in a small versioned JSON envelope whose
// payload is validated against a registered JSON schema on both publish and
// consume. Trackable work is recorded in a tracking store with a
// content-derived id before its message is published, which makes redelivery
// and replay idempotent: the same logical unit always collides with its first
// application instead of duplicating effects.
//
// Service hosts the router and exposes typed helpers: RegisterEnvelopeHandler
// wires schema validation, the idempotency guard, in-process retry with
// exponential backoff, and failure-event emission around a plain handler
// function, while Service.PublishEnvelope and Service.PublishTracked let
// producers emit validated envelopes without touching low-level Watermill
// APIs. A minimal setup therefore involves filling Config, creating a Service,
// registering schemas and handlers, and calling Start; see README.md for a
// copy/paste quick start snippet.
//
// # Transports
//
// DocFlow supports 9 message transports out of the box:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats: High-performance messaging
//   - http: Request/response messaging
//   - io: File-based persistence
//   - sqlite: Embedded persistent queue with delayed messages and a durable failed-message store
//   - postgres: Production-ready PostgreSQL queue with SKIP LOCKED and a durable failed-message store
//
// # Reliability
//
// When a handler exhausts its in-process retry budget, the service emits a
// durable <Stage>Failed event to the stage's .failed topic and nacks the
// original for bus-level redelivery. The stuck-document scanner periodically
// republishes tracked entities that stopped making progress, with its own
// backoff ladder and per-type attempt ceiling; entities that exhaust the
// ceiling are marked failed_max_retries and surface in the failed-queue
// operator console (cmd/manage_failed_queues).
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, structured
// logging, protobuf validation, outbox persistence, OpenTelemetry tracing,
// Prometheus metrics, retry with exponential backoff, failed-queue forwarding,
// and panic recovery. Custom middleware can be added via
// ServiceDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around handler execution.
//
// When you need more control, ServiceDependencies exposes well-scoped hooks:
// bring your own tracking Store, OutboxStore, middleware registrations, or even
// an entire TransportFactory to plug in custom brokers. The README organises
// these knobs by topic so you can dive into the exact setting you want to
// adjust without rereading the whole guide.
package docflow
