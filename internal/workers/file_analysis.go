package workers

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/llm"
	"github.com/trellislabs/trellis/internal/scanner"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/tokens"
	"github.com/trellislabs/trellis/internal/types"
)

// FileAnalysis consumes the file-analysis queue: token-capped file batches
// fanned out per file, plus single-file jobs. Per file it extracts POIs via
// the LLM and lands them, the outbox finding, and the status flip in one
// state-store transaction.
type FileAnalysis struct {
	store          storage.Store
	bus            *bus.Bus
	analyzer       *llm.Analyzer
	counter        *tokens.Counter
	log            *zap.Logger
	root           string
	maxInputTokens int
}

// NewFileAnalysis builds the file-analysis worker.
func NewFileAnalysis(store storage.Store, b *bus.Bus, analyzer *llm.Analyzer, counter *tokens.Counter, log *zap.Logger, root string, maxInputTokens int) *FileAnalysis {
	return &FileAnalysis{
		store:          store,
		bus:            b,
		analyzer:       analyzer,
		counter:        counter,
		log:            log.Named("file-analysis"),
		root:           root,
		maxInputTokens: maxInputTokens,
	}
}

// Handle dispatches one file-analysis job.
func (w *FileAnalysis) Handle(ctx context.Context, job *bus.Job) error {
	switch job.Name {
	case bus.JobFileBatch:
		var batch types.FileBatchJob
		if err := job.Bind(&batch); err != nil {
			return errs.Wrap(errs.Data, err)
		}
		return w.handleBatch(ctx, &batch)
	case bus.JobAnalyzeFile:
		var payload types.FileAnalysisJob
		if err := job.Bind(&payload); err != nil {
			return errs.Wrap(errs.Data, err)
		}
		return w.analyzeOne(ctx, payload.RunID, payload.JobID, payload.FilePath)
	default:
		return errs.Newf(errs.Data, "unexpected job %s on %s", job.Name, job.Queue)
	}
}

// handleBatch fans a file batch out per file. Terminal per-file failures are
// absorbed (status recorded, aggregation still signalled, dead-letter entry
// written) so one poisoned file never fails its batch; transient failures
// propagate and redeliver the batch, which is safe because every per-file
// effect is idempotent.
func (w *FileAnalysis) handleBatch(ctx context.Context, batch *types.FileBatchJob) error {
	for _, f := range batch.Files {
		err := w.analyzeOne(ctx, batch.RunID, batch.BatchID, f.Path)
		if err == nil {
			continue
		}
		if errors.Is(err, llm.ErrDegraded) || errs.KindOf(err).Retriable() {
			return err
		}
		// Data or Policy: already resolved terminally inside analyzeOne;
		// keep the batch moving but preserve the failure for inspection.
		if dlErr := w.bus.ReportFailure(ctx, bus.QueueFileAnalysis, bus.JobAnalyzeFile, types.FileAnalysisJob{
			FilePath: f.Path,
			RunID:    batch.RunID,
			JobID:    batch.BatchID,
		}, err); dlErr != nil {
			w.log.Warn("dead-letter entry failed",
				zap.String("path", f.Path), zap.Error(dlErr))
		}
	}
	return nil
}

// analyzeOne runs the full pipeline for a single file. Terminal failures
// flip the file to its FAILED_* status and still signal directory
// aggregation, so a directory with a poisoned file can complete.
func (w *FileAnalysis) analyzeOne(ctx context.Context, runID, jobID, filePath string) error {
	log := w.log.With(zap.String("path", filePath), zap.String("runId", runID))

	if err := w.store.UpdateFileStatus(ctx, filePath, types.FileStatusProcessing, ""); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errs.Newf(errs.Data, "no work item for %s", filePath)
		}
		if errors.Is(err, storage.ErrConflict) {
			// A redelivered job can find the file already resolved by its
			// first delivery. Re-send the aggregation signal, which is
			// idempotent, and let the batch settle.
			f, getErr := w.store.GetFile(ctx, filePath)
			if getErr == nil && f.Status.IsTerminal() {
				log.Debug("file already resolved, redelivery skipped",
					zap.String("status", string(f.Status)))
				return w.signalAggregation(ctx, runID, jobID, filePath)
			}
		}
		return errs.Wrapf(errs.Integrity, err, "mark %s processing", filePath)
	}

	abs, err := scanner.ResolveWithin(w.root, filePath)
	if err != nil {
		log.Warn("path escapes analysis root", zap.Error(err))
		return w.failTerminally(ctx, runID, jobID, filePath,
			types.FileStatusFailedValidation, errs.Wrap(errs.Policy, err))
	}

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return w.failTerminally(ctx, runID, jobID, filePath,
			types.FileStatusFailedNotFound, errs.Wrapf(errs.Data, err, "read %s", filePath))
	}
	if err != nil {
		return errs.Wrapf(errs.Transient, err, "read %s", filePath)
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return w.failTerminally(ctx, runID, jobID, filePath,
			types.FileStatusFailedValidation, errs.New(errs.Data, "empty file content"))
	}

	content, truncated := w.counter.TruncateMiddle(content, w.maxInputTokens)
	if truncated {
		log.Info("content middle-truncated to input budget",
			zap.Int("budget", w.maxInputTokens))
	}

	pois, err := w.analyzer.ExtractPOIs(ctx, filePath, content)
	if err != nil {
		if errors.Is(err, llm.ErrDegraded) {
			return err
		}
		switch errs.KindOf(err) {
		case errs.Data:
			return w.failTerminally(ctx, runID, jobID, filePath, types.FileStatusFailedValidation, err)
		case errs.Transient:
			// The LLM retry budget inside the client is already spent.
			return w.failTerminally(ctx, runID, jobID, filePath, types.FileStatusFailedLLM,
				errs.Wrap(errs.Data, err))
		default:
			return err
		}
	}

	finding := types.FileAnalysisFinding{
		Type:     types.EventFileAnalysisFinding,
		Source:   types.SourceFileAnalysis,
		JobID:    jobID,
		RunID:    runID,
		FilePath: filePath,
		Pois:     poiValues(pois),
	}
	payload, err := json.Marshal(&finding)
	if err != nil {
		return errs.Wrapf(errs.Data, err, "encode finding for %s", filePath)
	}

	err = w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertPOIs(ctx, pois); err != nil {
			return err
		}
		if _, err := tx.InsertOutboxEvent(ctx, runID, types.EventFileAnalysisFinding, string(payload)); err != nil {
			return err
		}
		return tx.UpdateFileStatus(ctx, filePath, types.FileStatusCompleted, "")
	})
	if err != nil {
		return errs.Wrapf(errs.Integrity, err, "persist analysis of %s", filePath)
	}
	log.Debug("file analyzed", zap.Int("pois", len(pois)))

	return w.signalAggregation(ctx, runID, jobID, filePath)
}

// failTerminally records a FAILED_* status, signals directory aggregation so
// the directory can still complete, and returns the original classified
// error for the caller's dead-letter bookkeeping.
func (w *FileAnalysis) failTerminally(ctx context.Context, runID, jobID, filePath string, status types.FileStatus, cause error) error {
	if err := w.store.UpdateFileStatus(ctx, filePath, status, cause.Error()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errs.Wrapf(errs.Integrity, err, "mark %s %s", filePath, status)
	}
	if err := w.signalAggregation(ctx, runID, jobID, filePath); err != nil {
		return err
	}
	return cause
}

// signalAggregation tells the aggregation worker this file is done, whatever
// the outcome.
func (w *FileAnalysis) signalAggregation(ctx context.Context, runID, jobID, filePath string) error {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	_, err := w.bus.Enqueue(ctx, bus.QueueDirectoryAggregation, bus.JobAggregateDirectory, types.DirectoryAggregationJob{
		DirectoryPath: path.Dir(filePath),
		FilePath:      filePath,
		RunID:         runID,
		JobID:         jobID,
	})
	if err != nil {
		return errs.Wrapf(errs.Transient, err, "signal aggregation for %s", filePath)
	}
	return nil
}

// poiValues flattens POI pointers for the wire envelope.
func poiValues(pois []*types.POI) []types.POI {
	out := make([]types.POI, len(pois))
	for i, p := range pois {
		out[i] = *p
	}
	return out
}
