package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"hive/pkg/config"
	"hive/pkg/eventlog"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	eventType string
}

// newLogsCmd creates the "hive logs" subcommand.
func newLogsCmd(flags *rootFlags) *cobra.Command {
	var lc logsConfig

	cmd := &cobra.Command{
		Use:   "logs [worker-id-or-handle]",
		Short: "Query and tail the hive event log",
		Long:  "Displays events from the durable event log.\nOptionally filter by worker and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref string
			if len(args) == 1 {
				ref = args[0]
			}

			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			w := cmd.OutOrStdout()
			if lc.follow {
				return followLogs(cmd.Context(), reader, w, ref, lc)
			}
			return printLogs(cmd.Context(), reader, w, ref, lc)
		},
	}

	cmd.Flags().IntVar(&lc.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&lc.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVar(&lc.eventType, "type", "", "filter by event type (spawn, exit, unhealthy, ...)")

	return cmd
}

// printLogs displays the last N matching events in chronological order.
func printLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, ref string, lc logsConfig) error {
	events, err := queryEvents(ctx, reader, ref, lc.eventType, lc.tail, nil)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	for i := range events {
		formatEvent(w, &events[i])
	}
	return nil
}

// followLogs displays the initial tail, then polls for newer events.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, ref string, lc logsConfig) error {
	events, err := queryEvents(ctx, reader, ref, lc.eventType, lc.tail, nil)
	if err != nil {
		return err
	}
	var since time.Time
	for i := range events {
		formatEvent(w, &events[i])
		since = events[i].CreatedAt
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var after *time.Time
			if !since.IsZero() {
				// Shift past the last printed second; the log's resolution
				// is one second.
				t := since.Add(time.Second)
				after = &t
			}
			fresh, err := queryEvents(ctx, reader, ref, lc.eventType, 0, after)
			if err != nil {
				return err
			}
			for i := range fresh {
				formatEvent(w, &fresh[i])
				since = fresh[i].CreatedAt
			}
		}
	}
}

// queryEvents fetches matching events in chronological order. The reader
// returns newest-first, so the result is reversed.
func queryEvents(ctx context.Context, reader *eventlog.Reader, ref, eventType string, limit int, after *time.Time) ([]eventlog.Event, error) {
	opts := eventlog.QueryOpts{EventType: eventType, Limit: limit, After: after}
	// A 36-char ref with dashes is a worker id; anything else is a handle.
	if len(ref) == 36 {
		opts.WorkerID = ref
	} else if ref != "" {
		opts.Handle = ref
	}

	events, err := reader.Query(ctx, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e *eventlog.Event) {
	fmt.Fprintf(w, "%s | %-20s | %-12s | %-10s | %s\n",
		e.CreatedAt.Format("2006-01-02 15:04:05"), e.Handle, e.Type, e.Source, e.Payload)
}
