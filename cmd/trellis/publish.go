package main

import (
	"github.com/spf13/cobra"

	"github.com/trellislabs/trellis/internal/outbox"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Run the transactional-outbox publisher",
	Long: `Poll the outbox table and submit pending events to the job bus,
flipping each row to PUBLISHED in the same transaction. Run exactly one
instance; submission is at-least-once and consumers are idempotent.`,
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

		pub := outbox.New(store, b, log,
			cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, cfg.Outbox.MaxAttempts)
		return pub.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
}
