package workers

import (
	"context"

	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/types"
)

// DirAggregation consumes per-file completion signals and fires the
// directory-resolution job exactly once when a directory's completed set
// catches up with its expected set. All bookkeeping lives in the KV
// facility; the SETNX fired guard arbitrates concurrent last-file signals.
type DirAggregation struct {
	bus *bus.Bus
	log *zap.Logger
}

// NewDirAggregation builds the aggregation worker.
func NewDirAggregation(b *bus.Bus, log *zap.Logger) *DirAggregation {
	return &DirAggregation{bus: b, log: log.Named("dir-aggregation")}
}

// Handle processes one aggregate-directory signal.
func (w *DirAggregation) Handle(ctx context.Context, job *bus.Job) error {
	var payload types.DirectoryAggregationJob
	if err := job.Bind(&payload); err != nil {
		return errs.Wrap(errs.Data, err)
	}

	done, err := w.bus.MarkFileCompleted(ctx, payload.RunID, payload.DirectoryPath, payload.FilePath)
	if err != nil {
		return errs.Wrap(errs.Transient, err)
	}
	if !done {
		return nil
	}

	// This consumer won the fired guard: the directory joins the run's
	// pending count before its resolution job exists, so the global pass
	// cannot observe zero while this directory is still in flight.
	if err := w.bus.AddPendingDirectories(ctx, payload.RunID, 1); err != nil {
		return errs.Wrap(errs.Transient, err)
	}
	if _, err := w.bus.Enqueue(ctx, bus.QueueDirectoryResolution, bus.JobAnalyzeDirectory, types.DirectoryResolutionJob{
		DirectoryPath: payload.DirectoryPath,
		RunID:         payload.RunID,
		JobID:         payload.JobID,
	}); err != nil {
		return errs.Wrap(errs.Transient, err)
	}

	w.log.Info("directory complete, resolution enqueued",
		zap.String("runId", payload.RunID),
		zap.String("directory", payload.DirectoryPath))
	return nil
}
