package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskgrid/internal/api"
	"github.com/nextlevelbuilder/taskgrid/internal/config"
	"github.com/nextlevelbuilder/taskgrid/internal/placement"
	"github.com/nextlevelbuilder/taskgrid/internal/registry"
	"github.com/nextlevelbuilder/taskgrid/internal/scheduler"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/tracing"
)

func schedulerCmd() *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run a scheduler (control-plane) node",
		Run: func(cmd *cobra.Command, args []string) {
			runScheduler(loadConfig(), nodeID)
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "scheduler node id (default: generated)")
	return cmd
}

func runScheduler(cfg *config.Config, nodeID string) {
	if nodeID == "" {
		nodeID = "scheduler-" + uuid.NewString()[:8]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sm := stats.NewManager()

	st, err := openStore(ctx, cfg, sm)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	bus, err := openBroker(ctx, cfg, nodeID)
	if err != nil {
		fatal(err)
	}
	defer bus.Close()

	session, err := openCoord(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer session.Close()

	// Mirror the ephemeral registry into the roster table and elect a
	// dispatching leader.
	reg := registry.New(session)
	reconciler := registry.NewReconciler(reg, st, sm)
	if err := reconciler.Start(); err != nil {
		fatal(err)
	}
	defer reconciler.Stop()

	strategy, err := placement.ParseStrategy(cfg.SelectionStrategy())
	if err != nil {
		fatal(err)
	}

	election := registry.NewElection(session, nodeID,
		func() { slog.Info("elected dispatch leader", "node", nodeID) },
		func() { slog.Info("lost dispatch leadership", "node", nodeID) },
	)

	tp, err := tracing.Setup(ctx, tracing.FromConfig(cfg, "taskgrid-scheduler"))
	if err != nil {
		slog.Warn("otel setup failed, tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(sctx)
	}()

	engine := scheduler.NewEngine(scheduler.Options{
		Config:   cfg,
		Store:    st,
		Producer: bus,
		Consumer: bus,
		Selector: placement.NewSelector(strategy),
		Stats:    sm,
		IsLeader: election.IsLeader,
		Tracer:   tp,
		NodeID:   nodeID,
	})
	if err := engine.Start(); err != nil {
		fatal(err)
	}
	defer engine.Stop()
	election.Start()
	defer election.Stop()

	server := api.NewServer(cfg, engine, st, sm).WithTracing(tp)
	if err := server.Start(); err != nil {
		fatal(err)
	}
	defer server.Stop()

	// Hot-reload config edits; holders see new values on next read.
	if watcher, err := config.NewWatcher(configPath, cfg); err == nil {
		if err := watcher.Start(); err != nil {
			slog.Warn("config watcher failed to start", "error", err)
		} else {
			defer watcher.Stop()
		}
	} else {
		slog.Warn("config watcher unavailable", "error", err)
	}

	slog.Info("scheduler node running", "node", nodeID, "api_port", cfg.APIPort())
	<-ctx.Done()
	slog.Info("shutting down", "node", nodeID)
}
