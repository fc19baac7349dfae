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

// RelResolution runs the intra-file pass: for one primary POI and its
// sibling POIs of the same file, the model lists relationships whose source
// is the primary. Jobs are fanned out per POI by the outbox publisher.
type RelResolution struct {
	store    storage.Store
	analyzer *llm.Analyzer
	log      *zap.Logger
}

// NewRelResolution builds the relationship-resolution worker.
func NewRelResolution(store storage.Store, analyzer *llm.Analyzer, log *zap.Logger) *RelResolution {
	return &RelResolution{
		store:    store,
		analyzer: analyzer,
		log:      log.Named("relationship-resolution"),
	}
}

// Handle processes one resolve-relationships job.
func (w *RelResolution) Handle(ctx context.Context, job *bus.Job) error {
	var payload types.RelationshipResolutionJob
	if err := job.Bind(&payload); err != nil {
		return errs.Wrap(errs.Data, err)
	}
	if len(payload.ContextualPois) == 0 {
		return nil
	}

	contextual := make([]*types.POI, len(payload.ContextualPois))
	for i := range payload.ContextualPois {
		contextual[i] = &payload.ContextualPois[i]
	}

	findings, err := w.analyzer.ResolveFileRelationships(ctx, payload.FilePath, &payload.PrimaryPoi, contextual)
	if err != nil {
		if errors.Is(err, llm.ErrDegraded) || errs.KindOf(err).Retriable() {
			return err
		}
		// Data after exhausted corrections: the runtime dead-letters the
		// job with its original payload attached.
		return err
	}
	if len(findings) == 0 {
		return nil
	}

	finding := types.RelationshipAnalysisFinding{
		Type:          types.EventRelationshipAnalysisFinding,
		Source:        types.SourceRelationshipResolution,
		JobID:         payload.JobID,
		RunID:         payload.RunID,
		FilePath:      payload.FilePath,
		PassType:      types.PassIntraFile,
		Relationships: findings,
	}
	doc, err := json.Marshal(&finding)
	if err != nil {
		return errs.Wrapf(errs.Data, err, "encode intra-file findings")
	}

	err = w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.InsertOutboxEvent(ctx, payload.RunID, types.EventRelationshipAnalysisFinding, string(doc))
		return err
	})
	if err != nil {
		return errs.Wrapf(errs.Integrity, err, "persist intra-file findings for %s", payload.FilePath)
	}

	w.log.Debug("intra-file pass resolved",
		zap.String("file", payload.FilePath),
		zap.String("primary", payload.PrimaryPoi.ID),
		zap.Int("relationships", len(findings)))
	return nil
}
