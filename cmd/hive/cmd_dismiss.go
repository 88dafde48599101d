package main

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hive/pkg/config"
	"hive/pkg/protocol"
	"hive/pkg/store"
)

// newDismissCmd creates the "hive dismiss" subcommand. It persists the
// dismissal (so the daemon's exit reaper treats the exit as intentional and
// does not restart), then signals the worker's process group.
func newDismissCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <worker-id-or-handle>",
		Short: "Gracefully terminate a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return dismiss(cmd.Context(), db, args[0], cfg.ForceKillTimeout, cmd.OutOrStdout())
		},
	}
}

func dismiss(ctx context.Context, db *store.Store, ref string, grace time.Duration, out io.Writer) error {
	rec, err := db.FindWorker(ctx, ref)
	if err != nil {
		return err
	}
	if rec == nil {
		return &protocol.WorkerNotFoundError{Ref: ref}
	}
	if rec.Status.TerminalStatus() {
		fmt.Fprintf(out, "worker %s already %s\n", rec.Handle, rec.Status)
		return nil
	}

	// Persist intent first: the daemon's reaper reads this status to tell
	// a dismissal from a crash.
	if err := db.SetWorkerStatus(ctx, rec.ID, protocol.StatusDismissed); err != nil {
		return err
	}
	_ = db.LogEvent(ctx, "dismiss", "cli", rec.ID, rec.Handle, "")

	if rec.PID <= 0 || syscall.Kill(rec.PID, 0) != nil {
		fmt.Fprintf(out, "worker %s has no live process; marked dismissed\n", rec.Handle)
		return nil
	}

	_ = syscall.Kill(-rec.PID, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if syscall.Kill(rec.PID, 0) != nil {
			fmt.Fprintf(out, "worker %s dismissed\n", rec.Handle)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	_ = syscall.Kill(-rec.PID, syscall.SIGKILL)
	fmt.Fprintf(out, "worker %s force-killed after %s\n", rec.Handle, grace)
	return nil
}
