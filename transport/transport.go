// Package transport defines the core interfaces and types for docflow transports.
// Each transport implementation (kafka, rabbitmq, aws, etc.) should be in its own
// sub-package and register itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// FailedStore is implemented by transports that keep a durable store of
// messages whose processing permanently failed. The failed-queue operator
// console runs against this interface.
type FailedStore interface {
	// FailedQueueCounts returns the number of entries per failed queue,
	// keyed by "<original topic>.failed".
	FailedQueueCounts() (map[string]int64, error)

	// FailedCount returns the number of entries in one failed queue.
	FailedCount(queue string) (int64, error)

	// ListFailed returns entries of a failed queue without consuming them,
	// newest first. A limit of 0 means no limit.
	ListFailed(queue string, limit, offset int) ([]FailedEntry, error)

	// RequeueFailed moves one entry back onto its originating queue.
	RequeueFailed(id int64) error

	// RequeueAllFailed moves every entry of the queue back onto its
	// originating queue and reports how many were moved.
	RequeueAllFailed(queue string) (int64, error)

	// DeleteFailed removes one entry without replaying it.
	DeleteFailed(id int64) error

	// PurgeFailed removes up to limit entries (0 = all) without replaying
	// them and reports how many were removed.
	PurgeFailed(queue string, limit int64) (int64, error)
}

// FailedEntry is one row of a transport's failed-message store.
type FailedEntry struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	Queue         string            `json:"queue"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// QueueIntrospector is implemented by transports that can report queue statistics.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}

// DelayedPublisher is implemented by transports that support delayed message delivery.
type DelayedPublisher interface {
	PublishWithDelay(topic string, delay int64, messages ...*message.Message) error
}
