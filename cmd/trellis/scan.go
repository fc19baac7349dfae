package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/trellislabs/trellis/internal/scanner"
	"github.com/trellislabs/trellis/internal/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the target repository and enqueue discovery work",
	Long: `Walk the target root, diff it against the previous scan, record the
changes in the state store, and enqueue one discovery event per new or
modified file. Workers started separately pick the work up.`,
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

		scan, err := scanner.New(store, b, log, cfg.Target.Root, cfg.Analysis.MaxFileSizeBytes)
		if err != nil {
			return err
		}

		runID := uuid.NewString()
		if err := store.CreateRun(ctx, &types.Run{
			ID:        runID,
			RootPath:  scan.Root(),
			Status:    types.RunActive,
			StartedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

		changes, err := scan.Scan(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Printf("run %s: %d new, %d modified, %d deleted, %d renamed\n",
			runID, len(changes.Added), len(changes.Modified), len(changes.Deleted), len(changes.Renamed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
