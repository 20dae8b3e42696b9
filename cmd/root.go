// Package cmd holds the taskgrid CLI: the scheduler and executor node
// entrypoints plus the admin job client.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskgrid/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var configPath string

// Execute runs the root command.
func Execute() {
	root := &cobra.Command{
		Use:   "taskgrid",
		Short: "Distributed job scheduler: control plane, workers and admin client",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "taskgrid.conf",
		"path to the key=value config file")

	root.AddCommand(schedulerCmd())
	root.AddCommand(executorCmd())
	root.AddCommand(jobCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskgrid version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("taskgrid", Version)
		},
	}
}

// loadConfig reads the config file and installs the default logger at
// the configured level. A missing file falls back to defaults.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	})))
	return cfg
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
