// Package cli implements the failed-queue operator console. Every command
// runs against the transport's durable failed-message store; nothing here
// touches pending queues or the tracking store.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/spf13/cobra"

	"github.com/drblury/docflow/transport"
	pgtransport "github.com/drblury/docflow/transport/postgres"
	sqlitetransport "github.com/drblury/docflow/transport/sqlite"
)

// Exit codes: 0 success, 1 operation error, 2 usage error.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// ExitError carries the process exit code alongside the cause.
type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string { return e.Err.Error() }
func (e *exitError) Unwrap() error { return e.Err }

func usageErr(format string, args ...any) error {
	return &exitError{Code: ExitUsage, Err: fmt.Errorf(format, args...)}
}

func opErr(err error) error {
	return &exitError{Code: ExitError, Err: err}
}

// console holds the store handle and the persistent flags shared by every
// subcommand.
type console struct {
	store      transport.FailedStore
	closeStore func() error

	db     string
	dsn    string
	format string
}

// NewRootCommand builds the manage_failed_queues command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&console{})
}

// newRootCommand lets tests inject a pre-opened store.
func newRootCommand(c *console) *cobra.Command {
	root := &cobra.Command{
		Use:           "manage_failed_queues",
		Short:         "Inspect and operate the durable failed-message store",
		Long:          "Inspect, export, replay, and purge entries parked in the transport's failed-message store.\nFailed queues are named <original topic>.failed.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&c.db, "db", "", "path to the SQLite database file")
	root.PersistentFlags().StringVar(&c.dsn, "dsn", "", "PostgreSQL connection string")
	root.PersistentFlags().StringVar(&c.format, "format", "text", "output format: text or json")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageErr("%v", err)
	})

	root.AddCommand(
		c.listCommand(),
		c.inspectCommand(),
		c.exportCommand(),
		c.requeueCommand(),
		c.purgeCommand(),
	)

	return root
}

// ensureStore opens the failed-message store from the persistent flags,
// unless a test injected one.
func (c *console) ensureStore() error {
	if c.store != nil {
		return nil
	}

	switch {
	case c.db != "" && c.dsn != "":
		return usageErr("--db and --dsn are mutually exclusive")
	case c.db == "" && c.dsn == "":
		return usageErr("one of --db or --dsn is required")
	}

	logger := watermill.NopLogger{}

	if c.db != "" {
		t, err := sqlitetransport.New(sqlitetransport.Config{FilePath: c.db}, logger)
		if err != nil {
			return opErr(fmt.Errorf("opening sqlite store: %w", err))
		}
		c.store = t
		c.closeStore = t.Close
		return nil
	}

	t, err := pgtransport.New(pgtransport.Config{ConnectionString: c.dsn}, logger)
	if err != nil {
		return opErr(fmt.Errorf("opening postgres store: %w", err))
	}
	c.store = t
	c.closeStore = t.Close
	return nil
}

func (c *console) close() {
	if c.closeStore != nil {
		_ = c.closeStore()
	}
}

// validFormat rejects anything but text and json before a command runs.
func (c *console) validFormat() error {
	switch c.format {
	case "text", "json":
		return nil
	default:
		return usageErr("unknown format %q: use text or json", c.format)
	}
}

// exactArgs is cobra.ExactArgs with a usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErr("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

// Main runs the console and returns the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	return execute(NewRootCommand(), args, stdout, stderr)
}

func execute(root *cobra.Command, args []string, stdout, stderr io.Writer) int {
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "manage_failed_queues: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.Code
		}
		return ExitError
	}
	return ExitOK
}

// Run is the entry point for cmd/manage_failed_queues.
func Run() {
	os.Exit(Main(os.Args[1:], os.Stdout, os.Stderr))
}
