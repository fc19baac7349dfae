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

// GlobalResolution runs the global pass once the run's last directory
// summary has been published: every summary goes into one prompt and the
// model proposes inter-directory relationships. Single consumer per run.
type GlobalResolution struct {
	store    storage.Store
	analyzer *llm.Analyzer
	log      *zap.Logger
}

// NewGlobalResolution builds the global-resolution worker.
func NewGlobalResolution(store storage.Store, analyzer *llm.Analyzer, log *zap.Logger) *GlobalResolution {
	return &GlobalResolution{
		store:    store,
		analyzer: analyzer,
		log:      log.Named("global-resolution"),
	}
}

// Handle processes one resolve-global job.
func (w *GlobalResolution) Handle(ctx context.Context, job *bus.Job) error {
	var payload types.GlobalResolutionJob
	if err := job.Bind(&payload); err != nil {
		return errs.Wrap(errs.Data, err)
	}
	log := w.log.With(zap.String("runId", payload.RunID))

	summaries, err := w.store.ListDirectorySummaries(ctx, payload.RunID)
	if err != nil {
		return errs.Wrapf(errs.Integrity, err, "list summaries of run %s", payload.RunID)
	}
	if len(summaries) < 2 {
		log.Info("fewer than two directory summaries, nothing to triangulate",
			zap.Int("summaries", len(summaries)))
		return nil
	}

	knownPOI := func(id string) bool {
		_, err := w.store.GetPOI(ctx, id)
		return err == nil
	}
	findings, err := w.analyzer.ResolveGlobalRelationships(ctx, summaries, knownPOI)
	if err != nil {
		if errors.Is(err, llm.ErrDegraded) || errs.KindOf(err).Retriable() {
			return err
		}
		return errs.Wrapf(errs.Data, err, "global resolution of run %s", payload.RunID)
	}
	if len(findings) == 0 {
		log.Info("global pass proposed no relationships")
		return nil
	}

	finding := types.RelationshipAnalysisFinding{
		Type:          types.EventRelationshipAnalysisFinding,
		Source:        types.SourceGlobalResolution,
		JobID:         payload.JobID,
		RunID:         payload.RunID,
		PassType:      types.PassGlobal,
		Relationships: findings,
	}
	doc, err := json.Marshal(&finding)
	if err != nil {
		return errs.Wrapf(errs.Data, err, "encode global findings")
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
				PassType:    types.PassGlobal,
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
		return errs.Wrapf(errs.Integrity, err, "persist global findings")
	}

	log.Info("global pass resolved",
		zap.Int("directories", len(summaries)),
		zap.Int("relationships", len(findings)))
	return nil
}
