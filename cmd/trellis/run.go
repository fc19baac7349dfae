package main

import (
	"github.com/spf13/cobra"

	"github.com/trellislabs/trellis/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan the target and run the full pipeline in one process",
	Long: `Scan the target repository, then supervise the analysis workers, the
outbox publisher, and the graph ingestor until the run settles. Interrupt
with SIGINT/SIGTERM for a graceful stop; a later run resumes from the
state store.`,
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

		orch, err := pipeline.NewOrchestrator(cfg, log, store, b, g)
		if err != nil {
			return err
		}
		return orch.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
