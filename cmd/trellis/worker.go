package main

import (
	"github.com/spf13/cobra"

	"github.com/trellislabs/trellis/internal/health"
	"github.com/trellislabs/trellis/internal/pipeline"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the analysis workers",
	Long: `Consume the analysis queues: file batching, LLM extraction, the three
relationship-resolution passes, validation, and reconciliation. Graph
ingestion is left to the ingest process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		b, err := openBus()
		if err != nil {
			return err
		}
		defer b.Close()

		pool, err := pipeline.NewPool(cfg, log, store, b, nil)
		if err != nil {
			return err
		}

		if cfg.Health.Enabled {
			srv := health.New(store, b, nil, log, cfg.Health.Addr)
			go func() { _ = srv.Run(ctx) }()
		}
		return pool.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
