package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hive/pkg/admission"
	"hive/pkg/config"
	"hive/pkg/protocol"
	"hive/pkg/store"
)

// newQueueCmd creates the "hive queue" command group.
func newQueueCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the durable spawn queue",
	}
	cmd.AddCommand(
		newQueueAddCmd(flags),
		newQueueListCmd(flags),
	)
	return cmd
}

// queueAddConfig holds flags for "hive queue add".
type queueAddConfig struct {
	requester string
	priority  string
	swarmID   string
	depth     int
	dependsOn []string
}

// newQueueAddCmd creates "hive queue add <role> <task>". The item lands in
// the durable queue; the daemon's drain loop admits and spawns it once its
// dependencies have spawned.
func newQueueAddCmd(flags *rootFlags) *cobra.Command {
	var qc queueAddConfig

	cmd := &cobra.Command{
		Use:   "add <role> <task>",
		Short: "Enqueue a spawn request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			roles, err := config.LoadRoles(cfg.RolesPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctrl := admission.New(admission.Limits{
				SoftLimit: cfg.SoftLimit,
				HardLimit: cfg.HardLimit,
				Roles:     roles,
			}, db, nil)

			id, err := ctrl.QueueSpawn(cmd.Context(), qc.requester, args[0], qc.depth, args[1],
				admission.QueueOptions{
					Priority:  protocol.ParsePriority(qc.priority),
					SwarmID:   qc.swarmID,
					DependsOn: qc.dependsOn,
				})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&qc.requester, "requester", "", "handle of the requesting worker")
	cmd.Flags().StringVar(&qc.priority, "priority", "normal", "spawn priority: low|normal|high|critical")
	cmd.Flags().StringVar(&qc.swarmID, "swarm", "", "swarm id grouping related workers")
	cmd.Flags().IntVar(&qc.depth, "depth", 1, "hierarchy depth the new worker will occupy")
	cmd.Flags().StringSliceVar(&qc.dependsOn, "depends-on", nil, "queue item ids that must spawn first")

	return cmd
}

// newQueueListCmd creates "hive queue list".
func newQueueListCmd(flags *rootFlags) *cobra.Command {
	var readyOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending spawn queue items",
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

			var items []protocol.SpawnQueueItem
			if readyOnly {
				items, err = db.ReadySet(cmd.Context(), 0)
			} else {
				items, err = db.PendingItems(cmd.Context())
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(w, "queue empty")
				return nil
			}
			for i := range items {
				formatItem(w, &items[i])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&readyOnly, "ready", false, "show only items eligible to spawn now")
	return cmd
}
