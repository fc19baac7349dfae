// Package batcher consumes path-discovery events and groups files into
// token-capped batches for coarse analysis. The running accumulator lives in
// the KV facility and is swapped atomically by a server-side script, so any
// number of batcher workers can feed it concurrently without emitting
// overlapping batches.
package batcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"

	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/scanner"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/tokens"
	"github.com/trellislabs/trellis/internal/types"
)

// Batcher sizes discovered files and appends them to the shared batch
// accumulator. One instance is shared by every path-discovery worker.
type Batcher struct {
	store          storage.Store
	bus            *bus.Bus
	counter        *tokens.Counter
	log            *zap.Logger
	root           string
	maxFileSize    int64
	maxBatchTokens int
}

// New builds a batcher rooted at the scanned repository.
func New(store storage.Store, b *bus.Bus, counter *tokens.Counter, log *zap.Logger, root string, maxFileSize int64, maxBatchTokens int) *Batcher {
	return &Batcher{
		store:          store,
		bus:            b,
		counter:        counter,
		log:            log.Named("batcher"),
		root:           root,
		maxFileSize:    maxFileSize,
		maxBatchTokens: maxBatchTokens,
	}
}

// Handle dispatches one path-discovery job. Returns a classified error; the
// worker runtime decides redelivery from the kind.
func (b *Batcher) Handle(ctx context.Context, job *bus.Job) error {
	switch job.Name {
	case bus.JobAnalyzeFile:
		var payload types.FileAnalysisJob
		if err := job.Bind(&payload); err != nil {
			return errs.Wrap(errs.Data, err)
		}
		return b.handleFile(ctx, &payload)
	case bus.JobFlush:
		var payload types.GlobalResolutionJob
		if err := job.Bind(&payload); err != nil {
			return errs.Wrap(errs.Data, err)
		}
		return b.flush(ctx, payload.RunID)
	default:
		return errs.Newf(errs.Data, "unexpected job %s on %s", job.Name, job.Queue)
	}
}

// handleFile sizes one file and appends it to the accumulator. Files that
// cannot be analyzed are resolved terminally here so the batch never carries
// a dead entry.
func (b *Batcher) handleFile(ctx context.Context, payload *types.FileAnalysisJob) error {
	abs, err := scanner.ResolveWithin(b.root, payload.FilePath)
	if err != nil {
		// A payload pointing outside the root never touches the disk.
		b.log.Warn("discovery path rejected",
			zap.String("path", payload.FilePath), zap.Error(err))
		return errs.Wrap(errs.Policy, err)
	}

	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		// The file vanished between scan and batch; record it and move on.
		if serr := b.store.UpdateFileStatus(ctx, payload.FilePath, types.FileStatusFailedNotFound, "file disappeared before batching"); serr != nil {
			return errs.Wrapf(errs.Integrity, serr, "mark %s not found", payload.FilePath)
		}
		b.log.Warn("discovered file no longer on disk", zap.String("path", payload.FilePath))
		return nil
	}
	if err != nil {
		return errs.Wrapf(errs.Transient, err, "stat %s", payload.FilePath)
	}

	if b.maxFileSize > 0 && info.Size() > b.maxFileSize {
		if serr := b.store.UpdateFileStatus(ctx, payload.FilePath, types.FileStatusSkippedTooLarge, ""); serr != nil {
			return errs.Wrapf(errs.Integrity, serr, "mark %s skipped", payload.FilePath)
		}
		b.log.Info("oversized file skipped",
			zap.String("path", payload.FilePath), zap.Int64("size", info.Size()))
		return nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return errs.Wrapf(errs.Transient, err, "open %s", payload.FilePath)
	}
	count, err := b.counter.CountReader(f)
	f.Close()
	if err != nil {
		return errs.Wrapf(errs.Transient, err, "count tokens of %s", payload.FilePath)
	}

	// Register the file with its directory before it can complete, so the
	// directory's expected set is never behind its completed set.
	dir := path.Dir(payload.FilePath)
	if err := b.bus.RegisterExpectedFile(ctx, payload.RunID, dir, payload.FilePath); err != nil {
		return errs.Wrap(errs.Transient, err)
	}

	flushed, err := b.bus.AppendBatchEntry(ctx, payload.RunID,
		bus.BatchEntry{Path: payload.FilePath, Tokens: count}, b.maxBatchTokens)
	if err != nil {
		return errs.Wrap(errs.Transient, err)
	}
	if flushed > 0 {
		b.log.Debug("batch flushed on threshold",
			zap.String("runId", payload.RunID), zap.Int("files", flushed))
	}
	return nil
}

// flush force-swaps the final partial batch after the scanner's control
// event. An empty accumulator flushes nothing.
func (b *Batcher) flush(ctx context.Context, runID string) error {
	flushed, err := b.bus.FlushBatch(ctx, runID, b.maxBatchTokens)
	if err != nil {
		return errs.Wrap(errs.Transient, err)
	}
	b.log.Info("final batch flushed",
		zap.String("runId", runID), zap.Int("files", flushed))
	return nil
}

// TokenCap returns the configured per-batch token ceiling.
func (b *Batcher) TokenCap() int {
	return b.maxBatchTokens
}
