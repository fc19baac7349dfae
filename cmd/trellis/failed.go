package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trellislabs/trellis/internal/logging"
)

var (
	failedLimit int
	failedJSON  bool
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect and requeue dead-lettered jobs",
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBus()
		if err != nil {
			return err
		}
		defer b.Close()

		jobs, err := b.ListFailed(cmd.Context(), int64(failedLimit))
		if err != nil {
			return err
		}
		if failedJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		}
		if len(jobs) == 0 {
			fmt.Println("no failed jobs")
			return nil
		}
		for _, fj := range jobs {
			fmt.Printf("%s  %s/%s  attempts=%d  %s\n",
				fj.FailedAt.Format("2006-01-02 15:04:05"),
				fj.Job.Queue, fj.Job.Name, fj.Job.Attempts,
				logging.Snippet(fj.Error))
		}
		return nil
	},
}

var failedRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Return dead-lettered jobs to their queues with a fresh budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBus()
		if err != nil {
			return err
		}
		defer b.Close()

		moved, err := b.RequeueFailed(cmd.Context(), failedLimit)
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d job(s)\n", moved)
		return nil
	},
}

func init() {
	failedCmd.PersistentFlags().IntVar(&failedLimit, "limit", 50, "maximum jobs to touch")
	failedListCmd.Flags().BoolVar(&failedJSON, "json", false, "emit entries as JSON")
	failedCmd.AddCommand(failedListCmd, failedRequeueCmd)
	rootCmd.AddCommand(failedCmd)
}
