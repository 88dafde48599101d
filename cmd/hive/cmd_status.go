package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"hive/pkg/config"
	"hive/pkg/protocol"
	"hive/pkg/store"
)

// newStatusCmd creates the "hive status" subcommand.
func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show live workers and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return printStatus(cmd, db, cfg)
		},
	}
}

func printStatus(cmd *cobra.Command, db *store.Store, cfg config.Config) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	workers, err := db.ActiveWorkers(ctx)
	if err != nil {
		return err
	}
	pending, err := db.PendingItems(ctx)
	if err != nil {
		return err
	}
	ready, err := db.ReadySet(ctx, 0)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "workers: %d live (soft %d, hard %d)\n", len(workers), cfg.SoftLimit, cfg.HardLimit)
	if len(workers) > 0 {
		fmt.Fprintf(w, "  %-20s %-12s %-10s %-8s %-6s %s\n", "HANDLE", "ROLE", "STATUS", "PID", "RST", "HEARTBEAT")
		now := time.Now().UTC()
		for _, rec := range workers {
			fmt.Fprintf(w, "  %-20s %-12s %-10s %-8d %-6d %s ago\n",
				rec.Handle, rec.Role, rec.Status, rec.PID, rec.Restarts,
				now.Sub(rec.LastHeartbeat).Truncate(time.Second))
		}
	}

	blocked := 0
	for _, item := range pending {
		if item.BlockedBy > 0 {
			blocked++
		}
	}
	fmt.Fprintf(w, "queue: %d pending (%d ready, %d blocked)\n", len(pending), len(ready), blocked)
	return nil
}

// formatItem renders one queue item for the list commands.
func formatItem(w io.Writer, item *protocol.SpawnQueueItem) {
	gate := "ready"
	if item.BlockedBy > 0 {
		gate = fmt.Sprintf("blocked by %d", item.BlockedBy)
	}
	fmt.Fprintf(w, "%s  %-10s %-8s %-12s depth=%d  %s\n",
		item.ID, item.Role, item.Priority, gate, item.Depth, item.Task)
}
