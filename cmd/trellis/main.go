// Command trellis drives the code-analysis pipeline: scan a repository,
// run the analysis workers, publish outbox events, and ingest results into
// the knowledge graph. Each stage is available as its own subcommand so the
// stages can run as separate processes; `trellis run` supervises all of
// them in one.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/config"
	"github.com/trellislabs/trellis/internal/graph"
	"github.com/trellislabs/trellis/internal/logging"
	"github.com/trellislabs/trellis/internal/storage/sqlite"
	"github.com/trellislabs/trellis/internal/telemetry"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	configPath string

	cfg *config.Config
	log *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "trellis",
	Short:         "LLM-driven code analysis pipeline producing a knowledge graph",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init has nothing to load yet.
		if cmd.Name() == "init" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		log, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return err
		}
		if err := telemetry.Init(rootCtx, "trellis", Version); err != nil {
			log.Warn("telemetry init failed", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			telemetry.Shutdown(rootCtx)
			_ = log.Sync()
		}
	},
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to trellis.yaml")

	err := rootCmd.ExecuteContext(rootCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "trellis: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the state store, creating its schema on first use.
func openStore(ctx context.Context) (*sqlite.Store, error) {
	store, err := sqlite.New(ctx, cfg.StateStore.Path)
	if err != nil {
		return nil, fmt.Errorf("open state store %s: %w", cfg.StateStore.Path, err)
	}
	return store, nil
}

// openBus connects to the queue/KV facility.
func openBus() (*bus.Bus, error) {
	b, err := bus.New(cfg.Bus.URL,
		bus.WithNamespace(cfg.Bus.Namespace),
		bus.WithHighWater(cfg.Bus.HighWater),
		bus.WithMaxAttempts(cfg.Bus.MaxAttempts),
		bus.WithRetryBase(cfg.Bus.RetryBase),
	)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	return b, nil
}

// openGraph connects to the graph store.
func openGraph(ctx context.Context) (*graph.Client, error) {
	g, err := graph.Connect(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database, log)
	if err != nil {
		return nil, fmt.Errorf("connect graph store: %w", err)
	}
	return g, nil
}
