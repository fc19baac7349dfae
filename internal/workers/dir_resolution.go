package workers

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/llm"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

// DirResolution runs the intra-directory pass: pages through a completed
// directory's POIs, asks the model for cross-file relationships per page,
// and finishes with the directory summary the global pass consumes. Each
// page commits independently, so a failed page never rolls back its
// predecessors.
type DirResolution struct {
	store    storage.Store
	bus      *bus.Bus
	analyzer *llm.Analyzer
	log      *zap.Logger
	pageSize int
}

// NewDirResolution builds the directory-resolution worker.
func NewDirResolution(store storage.Store, b *bus.Bus, analyzer *llm.Analyzer, log *zap.Logger, pageSize int) *DirResolution {
	if pageSize < 2 {
		pageSize = 50
	}
	return &DirResolution{
		store:    store,
		bus:      b,
		analyzer: analyzer,
		log:      log.Named("dir-resolution"),
		pageSize: pageSize,
	}
}

// Handle processes one analyze-directory job.
func (w *DirResolution) Handle(ctx context.Context, job *bus.Job) error {
	var payload types.DirectoryResolutionJob
	if err := job.Bind(&payload); err != nil {
		return errs.Wrap(errs.Data, err)
	}
	log := w.log.With(
		zap.String("runId", payload.RunID),
		zap.String("directory", payload.DirectoryPath))

	var all []*types.POI
	for offset := 0; ; offset += w.pageSize {
		page, err := w.store.ListPOIsByDirectory(ctx, payload.DirectoryPath, w.pageSize, offset)
		if err != nil {
			return errs.Wrapf(errs.Integrity, err, "page pois of %s", payload.DirectoryPath)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)

		if err := w.resolvePage(ctx, &payload, page, log); err != nil {
			return err
		}
		if len(page) < w.pageSize {
			break
		}
	}

	if len(all) == 0 {
		log.Debug("directory has no pois, skipping summary")
		return w.release(ctx, payload.RunID, payload.DirectoryPath, log)
	}
	err := w.summarize(ctx, &payload, all, log)
	if err != nil && !errors.Is(err, llm.ErrDegraded) && !errs.KindOf(err).Retriable() {
		// The summary is lost for this run; retire the directory anyway so
		// the global pass is not held hostage by it.
		if relErr := w.release(ctx, payload.RunID, payload.DirectoryPath, log); relErr != nil {
			return relErr
		}
	}
	return err
}

// release retires this directory's slot in the run's pending count when no
// directory-analysis-finding will ever be published for it.
func (w *DirResolution) release(ctx context.Context, runID, dir string, log *zap.Logger) error {
	fired, err := w.bus.FinishDirectory(ctx, runID, dir)
	if err != nil {
		return errs.Wrap(errs.Transient, err)
	}
	if fired {
		log.Info("last directory retired, global resolution enqueued")
	}
	return nil
}

// resolvePage runs one page through the model and commits its findings.
func (w *DirResolution) resolvePage(ctx context.Context, payload *types.DirectoryResolutionJob, page []*types.POI, log *zap.Logger) error {
	findings, err := w.analyzer.ResolveDirectoryRelationships(ctx, payload.DirectoryPath, page)
	if err != nil {
		if errors.Is(err, llm.ErrDegraded) || errs.KindOf(err).Retriable() {
			return err
		}
		// Exhausted correction budget on this page; the other pages and the
		// summary still carry value.
		log.Warn("page resolution abandoned", zap.Error(err))
		return nil
	}
	if len(findings) == 0 {
		return nil
	}

	finding := types.RelationshipAnalysisFinding{
		Type:          types.EventRelationshipAnalysisFinding,
		Source:        types.SourceDirectoryResolution,
		JobID:         payload.JobID,
		RunID:         payload.RunID,
		PassType:      types.PassIntraDirectory,
		Relationships: findings,
	}
	doc, err := json.Marshal(&finding)
	if err != nil {
		return errs.Wrapf(errs.Data, err, "encode directory findings")
	}

	err = w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, f := range findings {
			rel := &types.Relationship{
				ID:          f.ID,
				SourcePoiID: f.From,
				TargetPoiID: f.To,
				Type:        f.Type,
				Confidence:  f.Confidence,
				Explanation: f.Evidence,
				PassType:    types.PassIntraDirectory,
				Status:      types.RelationshipPending,
			}
			if err := tx.UpsertRelationship(ctx, rel); err != nil {
				return err
			}
		}
		_, err := tx.InsertOutboxEvent(ctx, payload.RunID, types.EventRelationshipAnalysisFinding, string(doc))
		return err
	})
	if err != nil {
		return errs.Wrapf(errs.Integrity, err, "persist page findings for %s", payload.DirectoryPath)
	}
	log.Debug("page resolved", zap.Int("relationships", len(findings)))
	return nil
}

// summarize produces and persists the directory summary plus its outbox
// announcement.
func (w *DirResolution) summarize(ctx context.Context, payload *types.DirectoryResolutionJob, pois []*types.POI, log *zap.Logger) error {
	summary, err := w.analyzer.SummarizeDirectory(ctx, payload.DirectoryPath, pois)
	if err != nil {
		if errors.Is(err, llm.ErrDegraded) || errs.KindOf(err).Retriable() {
			return err
		}
		return errs.Wrapf(errs.Data, err, "summarize %s", payload.DirectoryPath)
	}

	finding := types.DirectoryAnalysisFinding{
		Type:          types.EventDirectoryAnalysisFinding,
		Source:        types.SourceDirectoryResolution,
		JobID:         payload.JobID,
		RunID:         payload.RunID,
		DirectoryPath: payload.DirectoryPath,
		Summary:       summary,
	}
	doc, err := json.Marshal(&finding)
	if err != nil {
		return errs.Wrapf(errs.Data, err, "encode directory summary")
	}

	err = w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertDirectorySummary(ctx, &types.DirectorySummary{
			RunID:         payload.RunID,
			DirectoryPath: payload.DirectoryPath,
			SummaryText:   summary,
		}); err != nil {
			return err
		}
		_, err := tx.InsertOutboxEvent(ctx, payload.RunID, types.EventDirectoryAnalysisFinding, string(doc))
		return err
	})
	if err != nil {
		return errs.Wrapf(errs.Integrity, err, "persist summary of %s", payload.DirectoryPath)
	}
	log.Info("directory summarized", zap.Int("pois", len(pois)))
	return nil
}
