package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/waypoint"
	"github.com/aretw0/waypoint/internal/cli"
	"github.com/aretw0/waypoint/pkg/config"
	"github.com/aretw0/waypoint/pkg/domain"
)

var rootCmd = &cobra.Command{
	Use:   "waypoint",
	Short: "Waypoint runs a checkpointed multi-agent travel planner",
	Long: `Waypoint executes a coordinator, planner, supervisor and worker agents as a
durable workflow. Every step is checkpointed so interrupted runs resume, and
conversation history can be queried per user and thread.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging to stderr")
	rootCmd.PersistentFlags().String("driver", "", "Override store.driver")
	rootCmd.PersistentFlags().String("uri", "", "Override store.uri")
}

// app is everything a command needs after loading configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend *cli.Backend
	engine  *waypoint.Engine
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if v, _ := cmd.Flags().GetString("driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v, _ := cmd.Flags().GetString("uri"); v != "" {
		cfg.Store.URI = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	debug, _ := cmd.Flags().GetBool("debug")
	return cfg, cli.NewLogger(cfg.Log.Level, debug), nil
}

func openApp(cmd *cobra.Command, hooks ...domain.LifecycleHooks) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	b, err := cli.OpenStore(cmd.Context(), cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	eng, err := cli.NewEngine(cfg, b, logger, hooks...)
	if err != nil {
		_ = b.Store.Close(cmd.Context())
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, backend: b, engine: eng}, nil
}

func (a *app) close(cmd *cobra.Command) {
	if err := a.engine.Close(cmd.Context()); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}
