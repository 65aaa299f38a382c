package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/folio-ai/folio/config"
	"github.com/folio-ai/folio/logger"
	"github.com/folio-ai/folio/queue"
	"github.com/folio-ai/folio/storage"
)

// QueueCmd groups persistent queue maintenance commands
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the persistent queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// QueueStatusCmd prints the queue depth per priority tier
var QueueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending jobs per priority tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		status := q.Status()
		fmt.Printf("Pending:   %d\n", status.Pending)
		fmt.Printf("  critical:  %d\n", status.CriticalPending)
		fmt.Printf("  high:      %d\n", status.HighPending)
		fmt.Printf("  low:       %d\n", status.LowPending)
		fmt.Printf("  preempted: %d\n", status.Preempted)
		if status.CurrentJob != nil {
			fmt.Printf("Running:   %s (%s)\n", status.CurrentJob.ID, status.CurrentJob.Priority)
		} else {
			fmt.Printf("Running:   none\n")
		}
		return nil
	},
}

// QueueCompactCmd rewrites the queue log to drop completed entries
var QueueCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the queue log, dropping records for finished jobs",
	Long: `Rewrite the queue log, dropping records for finished jobs.

The log grows with every enqueue and completion; compaction rewrites
it to contain only the jobs that are still waiting or running. Run
this while the server is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		before := q.Size()
		if err := q.Compact(); err != nil {
			return err
		}
		fmt.Printf("Compacted queue log (%d live jobs)\n", before)
		return nil
	},
}

func openQueue() (*queue.Queue, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	files, err := storage.New(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	return queue.Open(files.Root(), logger.Logger)
}

func init() {
	QueueCmd.AddCommand(QueueStatusCmd)
	QueueCmd.AddCommand(QueueCompactCmd)
}
