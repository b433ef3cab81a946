// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/docflow/transport/aws"
	_ "github.com/drblury/docflow/transport/channel"
	_ "github.com/drblury/docflow/transport/http"
	_ "github.com/drblury/docflow/transport/io"
	_ "github.com/drblury/docflow/transport/jetstream"
	_ "github.com/drblury/docflow/transport/kafka"
	_ "github.com/drblury/docflow/transport/nats"
	_ "github.com/drblury/docflow/transport/postgres"
	_ "github.com/drblury/docflow/transport/rabbitmq"
	_ "github.com/drblury/docflow/transport/sqlite"
)
