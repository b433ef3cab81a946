// Command manage_failed_queues inspects and operates the durable
// failed-message store of a docflow transport.
package main

import "github.com/drblury/docflow/internal/cli"

func main() {
	cli.Run()
}
