package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/docflow/internal/runtime/jsoncodec"
	"github.com/drblury/docflow/transport"
)

func (c *console) listCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show entry counts per failed queue",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validFormat(); err != nil {
				return err
			}
			if err := c.ensureStore(); err != nil {
				return err
			}
			defer c.close()

			counts, err := c.store.FailedQueueCounts()
			if err != nil {
				return opErr(err)
			}
			return c.renderCounts(cmd, counts)
		},
	}
	return cmd
}

func (c *console) inspectCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect <queue>",
		Short: "Peek entries of a failed queue without consuming them",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validFormat(); err != nil {
				return err
			}
			if err := c.ensureStore(); err != nil {
				return err
			}
			defer c.close()

			entries, err := c.store.ListFailed(args[0], limit, 0)
			if err != nil {
				return opErr(err)
			}
			return c.renderEntries(cmd, args[0], entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum entries to show (0 = all)")
	return cmd
}

func (c *console) exportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <queue>",
		Short: "Drain a failed queue to a JSON-lines file",
		Long:  "Drain a failed queue to a JSON-lines file without loss: entries are written and synced to disk before they are removed from the store. A write failure leaves the queue untouched.",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validFormat(); err != nil {
				return err
			}
			if output == "" {
				return usageErr("--output is required")
			}
			if err := c.ensureStore(); err != nil {
				return err
			}
			defer c.close()

			exported, err := c.exportQueue(args[0], output)
			if err != nil {
				return err
			}
			return c.renderResult(cmd, result{Command: "export", Queue: args[0], Affected: exported, Output: output})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "path of the JSON-lines file to write")
	return cmd
}

// exportQueue writes every entry to path and syncs the file before removing
// anything from the store. The delete loop only starts once the bytes are
// durable, so a crash or write failure can duplicate entries but never lose
// them.
func (c *console) exportQueue(queue, path string) (int64, error) {
	entries, err := c.store.ListFailed(queue, 0, 0)
	if err != nil {
		return 0, opErr(err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, opErr(fmt.Errorf("creating %s: %w", path, err))
	}

	for _, entry := range entries {
		line, err := jsoncodec.Marshal(entry)
		if err != nil {
			f.Close()
			os.Remove(path)
			return 0, opErr(fmt.Errorf("encoding entry %d: %w", entry.ID, err))
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(path)
			return 0, opErr(fmt.Errorf("writing %s: %w", path, err))
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, opErr(fmt.Errorf("syncing %s: %w", path, err))
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, opErr(fmt.Errorf("closing %s: %w", path, err))
	}

	var exported int64
	for _, entry := range entries {
		if err := c.store.DeleteFailed(entry.ID); err != nil {
			return exported, opErr(fmt.Errorf("removing entry %d after export: %w", entry.ID, err))
		}
		exported++
	}
	return exported, nil
}

func (c *console) requeueCommand() *cobra.Command {
	var (
		limit  int
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "requeue <queue>",
		Short: "Replay failed entries to their originating queue",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validFormat(); err != nil {
				return err
			}
			if err := c.ensureStore(); err != nil {
				return err
			}
			defer c.close()

			queue := args[0]

			if dryRun {
				entries, err := c.store.ListFailed(queue, limit, 0)
				if err != nil {
					return opErr(err)
				}
				return c.renderResult(cmd, result{Command: "requeue", Queue: queue, Affected: int64(len(entries)), DryRun: true})
			}

			var (
				replayed int64
				err      error
			)
			if limit > 0 {
				var entries []transport.FailedEntry
				entries, err = c.store.ListFailed(queue, limit, 0)
				if err != nil {
					return opErr(err)
				}
				for _, entry := range entries {
					if err := c.store.RequeueFailed(entry.ID); err != nil {
						return opErr(fmt.Errorf("requeueing entry %d: %w", entry.ID, err))
					}
					replayed++
				}
			} else {
				replayed, err = c.store.RequeueAllFailed(queue)
				if err != nil {
					return opErr(err)
				}
			}
			return c.renderResult(cmd, result{Command: "requeue", Queue: queue, Affected: replayed})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to replay (0 = all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be replayed without mutating anything")
	return cmd
}

func (c *console) purgeCommand() *cobra.Command {
	var (
		limit   int64
		dryRun  bool
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete failed entries irrecoverably",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validFormat(); err != nil {
				return err
			}
			if !dryRun && !confirm {
				return usageErr("purge deletes entries irrecoverably: pass --confirm to proceed")
			}
			if err := c.ensureStore(); err != nil {
				return err
			}
			defer c.close()

			queue := args[0]

			if dryRun {
				count, err := c.store.FailedCount(queue)
				if err != nil {
					return opErr(err)
				}
				if limit > 0 && count > limit {
					count = limit
				}
				return c.renderResult(cmd, result{Command: "purge", Queue: queue, Affected: count, DryRun: true})
			}

			purged, err := c.store.PurgeFailed(queue, limit)
			if err != nil {
				return opErr(err)
			}
			return c.renderResult(cmd, result{Command: "purge", Queue: queue, Affected: purged})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 0, "maximum entries to delete (0 = all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without mutating anything")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "acknowledge the delete is irrecoverable")
	return cmd
}

// result is the uniform outcome record of the mutating commands.
type result struct {
	Command  string `json:"command"`
	Queue    string `json:"queue"`
	Affected int64  `json:"affected"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Output   string `json:"output,omitempty"`
}

func (c *console) renderCounts(cmd *cobra.Command, counts map[string]int64) error {
	if c.format == "json" {
		return c.renderJSON(cmd, counts)
	}

	if len(counts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no failed queues")
		return nil
	}

	queues := make([]string, 0, len(counts))
	for q := range counts {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tENTRIES")
	for _, q := range queues {
		fmt.Fprintf(w, "%s\t%d\n", q, counts[q])
	}
	return w.Flush()
}

func (c *console) renderEntries(cmd *cobra.Command, queue string, entries []transport.FailedEntry) error {
	if c.format == "json" {
		return c.renderJSON(cmd, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no entries in %s\n", queue)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUUID\tORIGINAL TOPIC\tRETRIES\tFAILED AT\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.UUID, e.OriginalTopic, e.RetryCount,
			e.FailedAt.UTC().Format("2006-01-02 15:04:05"), e.ErrorMessage)
	}
	return w.Flush()
}

func (c *console) renderResult(cmd *cobra.Command, r result) error {
	if c.format == "json" {
		return c.renderJSON(cmd, r)
	}

	verb := map[string]string{
		"export":  "exported",
		"requeue": "requeued",
		"purge":   "purged",
	}[r.Command]

	if r.DryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "would have %s %d entries from %s\n", verb, r.Affected, r.Queue)
		return nil
	}
	if r.Output != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d entries from %s to %s\n", verb, r.Affected, r.Queue, r.Output)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d entries from %s\n", verb, r.Affected, r.Queue)
	return nil
}

func (c *console) renderJSON(cmd *cobra.Command, v any) error {
	out, err := jsoncodec.MarshalIndent(v, "", "  ")
	if err != nil {
		return opErr(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
