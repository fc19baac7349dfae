package workers

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/fingerprint"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/telemetry"
	"github.com/trellislabs/trellis/internal/types"
)

// Validation consumes relationship findings, lands each as a PENDING
// relationship row plus an evidence row in arrival order, then runs the
// evidence-counter script per fingerprint. The script enqueues the
// reconcile job exactly once, on the call that completes the expected
// evidence for a fingerprint. Runs as a single consumer.
type Validation struct {
	store storage.Store
	bus   *bus.Bus
	log   *zap.Logger
}

// expectedEvidence is the manifest count registered per fingerprint: the
// first corroborating pass completes it. Single-pass verdicts stay under
// the reconciler's ceiling, and passes that land while the row is still
// unresolved accumulate onto it without re-firing the reconcile.
const expectedEvidence = 1

// NewValidation builds the validation worker.
func NewValidation(store storage.Store, b *bus.Bus, log *zap.Logger) *Validation {
	return &Validation{store: store, bus: b, log: log.Named("validation")}
}

// Handle processes one finding envelope.
func (w *Validation) Handle(ctx context.Context, job *bus.Job) error {
	var env types.RelationshipAnalysisFinding
	if err := job.Bind(&env); err != nil {
		return errs.Wrap(errs.Data, err)
	}
	if env.Type != types.EventRelationshipAnalysisFinding {
		// Directory findings share the queue; they carry no evidence.
		return nil
	}
	if !env.PassType.IsValid() {
		return errs.Newf(errs.Data, "finding carries unknown pass type %q", env.PassType)
	}
	if len(env.Relationships) == 0 {
		return nil
	}

	rows := make([]types.RelationshipFinding, 0, len(env.Relationships))
	for _, f := range env.Relationships {
		// The id on the wire is advisory; recompute the fingerprint from
		// the endpoints rather than trusting the producer.
		f.ID = fingerprint.Relationship(f.From, f.To, f.Type)

		if _, err := w.store.GetPOI(ctx, f.From); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				w.log.Warn("finding references unknown source poi",
					zap.String("poi", f.From), zap.String("relationship", f.ID))
				continue
			}
			return errs.Wrapf(errs.Integrity, err, "load poi %s", f.From)
		}
		if _, err := w.store.GetPOI(ctx, f.To); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				w.log.Warn("finding references unknown target poi",
					zap.String("poi", f.To), zap.String("relationship", f.ID))
				continue
			}
			return errs.Wrapf(errs.Integrity, err, "load poi %s", f.To)
		}

		// A fingerprint the reconciler already resolved takes no further
		// evidence; the verdict stands and late passes are dropped.
		rel, err := w.store.GetRelationship(ctx, f.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return errs.Wrapf(errs.Integrity, err, "load relationship %s", f.ID)
		}
		if err == nil && rel.Status != types.RelationshipPending {
			w.log.Debug("late evidence dropped, fingerprint already resolved",
				zap.String("relationship", f.ID), zap.String("status", string(rel.Status)))
			continue
		}
		rows = append(rows, f)
	}
	if len(rows) == 0 {
		return nil
	}

	var fresh int
	err := w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		fresh = 0
		for _, f := range rows {
			rel := &types.Relationship{
				ID:          f.ID,
				SourcePoiID: f.From,
				TargetPoiID: f.To,
				Type:        f.Type,
				Confidence:  f.Confidence,
				Explanation: f.Evidence,
				PassType:    env.PassType,
				Status:      types.RelationshipPending,
			}
			if err := tx.UpsertRelationship(ctx, rel); err != nil {
				return err
			}
			payload, err := json.Marshal(&f)
			if err != nil {
				return err
			}
			inserted, err := tx.InsertEvidence(ctx, &types.Evidence{
				RelationshipID: f.ID,
				RunID:          env.RunID,
				PassType:       env.PassType,
				Payload:        string(payload),
			})
			if err != nil {
				return err
			}
			if inserted {
				fresh++
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrapf(errs.Integrity, err, "persist evidence batch")
	}
	if fresh > 0 {
		telemetry.Pipeline().RecordEvidence(ctx, string(env.PassType), int64(fresh))
	}

	// Counter updates run only after the evidence is durable. The store
	// collapses a redelivered row onto the first copy, but the counter still
	// sees every delivery: a crash between commit and increment heals on
	// redelivery, and the script's crossing test keeps the reconcile enqueue
	// single-shot.
	delta := make(map[string]int, len(rows))
	for _, f := range rows {
		delta[f.ID]++
	}
	for id, n := range delta {
		fired, err := w.bus.EvidenceArrived(ctx, env.RunID, id, expectedEvidence, n)
		if err != nil {
			return errs.Wrap(errs.Transient, err)
		}
		if fired {
			w.log.Debug("evidence complete, reconcile enqueued",
				zap.String("relationship", id))
		}
	}
	return nil
}
