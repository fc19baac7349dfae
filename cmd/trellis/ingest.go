package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/ingest"
	"github.com/trellislabs/trellis/internal/workers"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the graph ingestor",
	Long: `Drain validated analysis results into the graph store: refactor tasks,
completed POIs, and validated relationships on a fixed interval, plus
graph-data envelopes from the graph-ingestion queue. Run exactly one
instance.`,
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

		g, err := openGraph(ctx)
		if err != nil {
			return err
		}
		defer g.Close(ctx)

		ing := ingest.New(store, g, log, cfg.Ingestor.Interval, cfg.Ingestor.BatchSize)

		pool := workers.NewPool(b, log, 0, cfg.LLM.BreakerCooldown, cfg.Bus.DegradedTTL)
		pool.Register(bus.QueueGraphIngestion, 1, ing.Handle)

		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error { return ing.Run(gctx) })
		group.Go(func() error { return pool.Run(gctx) })
		return group.Wait()
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
