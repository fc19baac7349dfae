package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/health"
	"github.com/trellislabs/trellis/internal/types"
)

var (
	statusJSON bool
	statusRun  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline progress, queue depths, and degraded flags",
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

		snapshot, err := health.New(store, b, nil, log, "").Collect(ctx)
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snapshot)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

		if statusRun != "" {
			run, err := store.GetRun(ctx, statusRun)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "RUN\t%s\n", run.ID)
			fmt.Fprintf(w, "  root\t%s\n", run.RootPath)
			fmt.Fprintf(w, "  status\t%s\n", run.Status)
			fmt.Fprintf(w, "  started\t%s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
			if run.FinishedAt != nil {
				fmt.Fprintf(w, "  finished\t%s\n", run.FinishedAt.Format("2006-01-02 15:04:05"))
			}
		}

		fmt.Fprintln(w, "FILES")
		fileOrder := []types.FileStatus{
			types.FileStatusPending, types.FileStatusProcessing, types.FileStatusCompleted,
			types.FileStatusSkippedTooLarge, types.FileStatusFailedNotFound,
			types.FileStatusFailedLLM, types.FileStatusFailedValidation, types.FileStatusDeletedOnDisk,
		}
		for _, s := range fileOrder {
			if n := snapshot.Stats.FilesByStatus[s]; n > 0 {
				fmt.Fprintf(w, "  %s\t%s\n", s, humanize.Comma(n))
			}
		}

		fmt.Fprintln(w, "RELATIONSHIPS")
		relOrder := []types.RelationshipStatus{
			types.RelationshipPending, types.RelationshipValidated,
			types.RelationshipRejected, types.RelationshipIngested,
		}
		for _, s := range relOrder {
			if n := snapshot.Stats.RelationshipsByStatus[s]; n > 0 {
				fmt.Fprintf(w, "  %s\t%s\n", s, humanize.Comma(n))
			}
		}

		fmt.Fprintf(w, "POIS\t%s\n", humanize.Comma(snapshot.Stats.PoiCount))
		fmt.Fprintf(w, "EVIDENCE\t%s\n", humanize.Comma(snapshot.Stats.EvidenceCount))
		fmt.Fprintf(w, "OUTBOX PENDING\t%s\n", humanize.Comma(snapshot.Stats.OutboxPending))
		if snapshot.Stats.OutboxDead > 0 {
			fmt.Fprintf(w, "OUTBOX DEAD\t%s\n", humanize.Comma(snapshot.Stats.OutboxDead))
		}
		if snapshot.Stats.PendingRefactors > 0 {
			fmt.Fprintf(w, "REFACTORS PENDING\t%s\n", humanize.Comma(snapshot.Stats.PendingRefactors))
		}

		fmt.Fprintln(w, "QUEUES")
		names := make([]string, 0, len(snapshot.Queues))
		for name := range snapshot.Queues {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			q := snapshot.Queues[name]
			flag := ""
			if q.Degraded {
				flag = "  DEGRADED"
			}
			if q.Depth > 0 || q.Degraded || name == bus.QueueFailedJobs {
				fmt.Fprintf(w, "  %s\t%s%s\n", name, humanize.Comma(q.Depth), flag)
			}
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the snapshot as JSON")
	statusCmd.Flags().StringVar(&statusRun, "run", "", "also show one run's lifecycle row")
	rootCmd.AddCommand(statusCmd)
}
