package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hive/pkg/admission"
	"hive/pkg/bus"
	"hive/pkg/config"
	"hive/pkg/store"
	"hive/pkg/supervisor"
	"hive/pkg/worktree"
)

// shutdownGrace bounds the dismiss-everything sequence on daemon exit.
const shutdownGrace = 30 * time.Second

// newDaemonCmd creates the "hive daemon" subcommand: the long-running
// supervisor process.
func newDaemonCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the hive supervisor daemon",
		Long:  "Runs the supervisor in the foreground:\nrecovers persisted workers, starts the health loop and the\nspawn queue drain, and serves until SIGINT/SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags.configPath, cmd.OutOrStdout())
		},
	}
}

func runDaemon(parent context.Context, cfgPath string, out io.Writer) error {
	cfg, err := config.Load(cfgPath)
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

	events := bus.New()

	sup := supervisor.New(supervisor.Config{
		AgentCommand:     cfg.AgentCommand,
		CallbackAddr:     cfg.CallbackAddr,
		WorkersDir:       cfg.WorkersDir,
		HardCap:          cfg.HardLimit,
		HealthyThreshold: cfg.HealthyThreshold,
		UnhealthyLimit:   cfg.UnhealthyThreshold,
		HealthInterval:   cfg.HealthInterval,
		ForceKillTimeout: cfg.ForceKillTimeout,
		MaxRestarts:      cfg.MaxRestarts,
		AutoRestart:      cfg.AutoRestart,
		OutputBufferSize: cfg.OutputBufferSize,
	}, db, events)
	sup.SetRoles(roles)

	ctrl := admission.New(admission.Limits{
		SoftLimit: cfg.SoftLimit,
		HardLimit: cfg.HardLimit,
		Roles:     roles,
	}, db, events)
	ctrl.SetSpawner(sup)
	ctrl.SetRoleResolver(sup)
	sup.SetAdmission(ctrl)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if cfg.UseWorktrees {
		repoRoot, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve repo root: %w", err)
		}
		wt := worktree.New(repoRoot, "", nil)
		_ = wt.Prune(ctx)
		sup.SetWorkDirProvider(wt)
	}

	if err := sup.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	sup.StartHealthLoop(ctx)
	ctrl.StartDrain(ctx, cfg.DrainInterval)

	// Hot reload of limits and the role catalog.
	go func() {
		err := config.Watch(ctx, cfgPath, func(fresh config.Config, roles config.Roles) {
			ctrl.SetLimits(admission.Limits{
				SoftLimit: fresh.SoftLimit,
				HardLimit: fresh.HardLimit,
				Roles:     roles,
			})
			sup.SetRoles(roles)
			fmt.Fprintln(out, "config reloaded")
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: config watch: %v\n", err)
		}
	}()

	// Mirror notable lifecycle events to the daemon's stdout.
	sub := events.Subscribe(
		bus.KindReady, bus.KindResult, bus.KindError, bus.KindExit,
		bus.KindUnhealthy, bus.KindRestart, bus.KindRejected,
		bus.KindLimitSoft, bus.KindLimitHard,
	)
	defer sub.Close()
	go func() {
		for ev := range sub.C {
			fmt.Fprintf(out, "%s [%s] %s %v\n",
				ev.Time.Format("15:04:05"), ev.Kind, ev.Handle, ev.Payload)
		}
	}()

	fmt.Fprintf(out, "hive daemon up: db=%s workers=%d soft=%d hard=%d\n",
		cfg.DBPath, sup.LiveWorkers(), cfg.SoftLimit, cfg.HardLimit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Fprintf(out, "received %s, shutting down\n", sig)
	case <-ctx.Done():
	}

	ctrl.StopDrain()
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: shutdown: %v\n", err)
	}
	return nil
}
