package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/telemetry"
	"github.com/trellislabs/trellis/internal/types"
)

// Reconciliation scores a relationship once its expected evidence has fully
// arrived, promotes it to VALIDATED or demotes it to REJECTED, and purges
// the evidence rows. Consumers are idempotent: re-scoring an already
// resolved fingerprint recomputes the same verdict from an empty evidence
// set and leaves the row alone.
type Reconciliation struct {
	store storage.Store
	log   *zap.Logger
}

// NewReconciliation builds the reconciliation worker.
func NewReconciliation(store storage.Store, log *zap.Logger) *Reconciliation {
	return &Reconciliation{store: store, log: log.Named("reconciliation")}
}

// Handle processes one reconcile-relationship job.
func (w *Reconciliation) Handle(ctx context.Context, job *bus.Job) error {
	var payload types.ReconcileJob
	if err := job.Bind(&payload); err != nil {
		return errs.Wrap(errs.Data, err)
	}
	log := w.log.With(
		zap.String("runId", payload.RunID),
		zap.String("relationship", payload.RelationshipID))

	rows, err := w.store.ListEvidence(ctx, payload.RelationshipID, payload.RunID)
	if err != nil {
		return errs.Wrapf(errs.Integrity, err, "list evidence of %s", payload.RelationshipID)
	}
	if len(rows) == 0 {
		// Redelivery after the evidence was already purged; the verdict
		// stands.
		log.Debug("no evidence left, reconcile already applied")
		return nil
	}

	verdict := scoreEvidence(rows)
	status := types.RelationshipRejected
	decision := "rejected"
	if verdict.Validated {
		status = types.RelationshipValidated
		decision = "validated"
	}
	if verdict.HasConflict {
		decision = "conflict"
		log.Warn("conflicting evidence, relationship rejected",
			zap.Int("supporting", verdict.Supporting),
			zap.Int("dissenting", verdict.Dissenting),
			zap.Float64("score", verdict.Score))
	}

	explanation := fmt.Sprintf("reconciled from %d evidence rows (%d supporting, %d dissenting)",
		len(rows), verdict.Supporting, verdict.Dissenting)

	err = w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.ResolveRelationship(ctx, payload.RelationshipID, status, verdict.Score, explanation); err != nil {
			return err
		}
		return tx.DeleteEvidence(ctx, payload.RelationshipID, payload.RunID)
	})
	if err != nil {
		return errs.Wrapf(errs.Integrity, err, "resolve %s", payload.RelationshipID)
	}

	telemetry.Pipeline().RecordReconciled(ctx, decision)
	log.Debug("relationship reconciled",
		zap.String("status", string(status)),
		zap.Float64("score", verdict.Score))
	return nil
}
