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

	"github.com/nextlevelbuilder/taskgrid/internal/config"
	"github.com/nextlevelbuilder/taskgrid/internal/executor"
	"github.com/nextlevelbuilder/taskgrid/internal/registry"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/tracing"
)

func executorCmd() *cobra.Command {
	var (
		id      string
		host    string
		port    int
		maxLoad int
	)
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Run an executor (worker) node",
		Run: func(cmd *cobra.Command, args []string) {
			runExecutor(loadConfig(), id, host, port, maxLoad)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "executor id (default: generated)")
	cmd.Flags().StringVar(&host, "host", "", "advertised host (default: executor.host or hostname)")
	cmd.Flags().IntVar(&port, "port", 0, "advertised port (default: executor.port)")
	cmd.Flags().IntVar(&maxLoad, "max-load", 0, "parallel job slots (default: executor.default_max_load)")
	return cmd
}

func runExecutor(cfg *config.Config, id, host string, port, maxLoad int) {
	if id == "" {
		id = "executor-" + uuid.NewString()[:8]
	}
	if host == "" {
		host = cfg.String("executor.host", "")
	}
	if host == "" {
		host, _ = os.Hostname()
	}
	if port == 0 {
		port = cfg.Int("executor.port", 9100)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sm := stats.NewManager()

	st, err := openStore(ctx, cfg, sm)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	bus, err := openBroker(ctx, cfg, id)
	if err != nil {
		fatal(err)
	}
	defer bus.Close()

	session, err := openCoord(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer session.Close()

	tp, err := tracing.Setup(ctx, tracing.FromConfig(cfg, "taskgrid-executor"))
	if err != nil {
		slog.Warn("otel setup failed, tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(sctx)
	}()

	worker := executor.New(executor.Options{
		Config:   cfg,
		Store:    st,
		Registry: registry.New(session),
		Producer: bus,
		Consumer: bus,
		ID:       id,
		Host:     host,
		Port:     port,
		MaxLoad:  maxLoad,
		Tracer:   tp,
	})
	if err := worker.Start(); err != nil {
		fatal(err)
	}
	defer worker.Stop()

	slog.Info("executor node running", "id", id, "host", host, "port", port)
	<-ctx.Done()
	slog.Info("shutting down", "id", id)
}
