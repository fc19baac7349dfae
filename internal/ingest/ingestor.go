// Package ingest drains validated analysis results into the knowledge
// graph. It runs as a single instance: a periodic cycle picks up pending
// refactor tasks, un-ingested POIs, and validated relationships from the
// state store, applies them in one graph transaction, and only after that
// transaction commits does it advance the relational watermarks. A graph
// failure rolls back and leaves every row where it was; the next cycle
// retries.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/graph"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/telemetry"
	"github.com/trellislabs/trellis/internal/types"
)

// Report summarizes one drain cycle.
type Report struct {
	Refactors int
	Nodes     int
	Edges     int
	// Deferred counts validated relationships whose endpoints were not in
	// the graph yet; they stay VALIDATED and return next cycle.
	Deferred int
}

// Empty reports whether the cycle found nothing to do.
func (r Report) Empty() bool {
	return r.Refactors == 0 && r.Nodes == 0 && r.Edges == 0 && r.Deferred == 0
}

// Ingestor is the graph-ingestion worker.
type Ingestor struct {
	store     storage.Store
	graph     graph.Store
	log       *zap.Logger
	interval  time.Duration
	batchSize int
}

// New builds an ingestor.
func New(store storage.Store, g graph.Store, log *zap.Logger, interval time.Duration, batchSize int) *Ingestor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize < 1 {
		batchSize = 100
	}
	return &Ingestor{
		store:     store,
		graph:     g,
		log:       log.Named("ingestor"),
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run cycles until ctx is canceled.
func (ing *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(ing.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := ing.Cycle(ctx)
			if err != nil && ctx.Err() == nil {
				ing.log.Warn("ingest cycle failed", zap.Error(err))
				continue
			}
			if !report.Empty() {
				ing.log.Info("ingest cycle complete",
					zap.Int("refactors", report.Refactors),
					zap.Int("nodes", report.Nodes),
					zap.Int("edges", report.Edges),
					zap.Int("deferred", report.Deferred))
			}
		}
	}
}

// Cycle drains one batch from the state store into the graph.
func (ing *Ingestor) Cycle(ctx context.Context) (Report, error) {
	refactors, err := ing.store.ListPendingRefactors(ctx, ing.batchSize)
	if err != nil {
		return Report{}, errs.Wrapf(errs.Integrity, err, "list pending refactors")
	}
	pois, err := ing.store.ListPOIsPendingIngestion(ctx, ing.batchSize)
	if err != nil {
		return Report{}, errs.Wrapf(errs.Integrity, err, "list pois pending ingestion")
	}
	rels, err := ing.store.ListRelationshipsByStatus(ctx, types.RelationshipValidated, ing.batchSize)
	if err != nil {
		return Report{}, errs.Wrapf(errs.Integrity, err, "list validated relationships")
	}
	if len(refactors) == 0 && len(pois) == 0 && len(rels) == 0 {
		return Report{}, nil
	}

	edges := make([]edge, len(rels))
	for i, rel := range rels {
		edges[i] = edge{
			ID:         rel.ID,
			Source:     rel.SourcePoiID,
			Target:     rel.TargetPoiID,
			Type:       rel.Type,
			Confidence: rel.Confidence,
		}
	}

	var matched []string
	err = ing.graph.InWriteTransaction(ctx, func(tx graph.Tx) error {
		if _, err := applyRefactors(ctx, tx, refactors); err != nil {
			return err
		}
		if _, err := mergeNodes(ctx, tx, pois); err != nil {
			return err
		}
		matched, err = mergeEdges(ctx, tx, edges)
		return err
	})
	if err != nil {
		return Report{}, errs.Wrapf(errs.Transient, err, "graph batch rolled back")
	}

	// The graph commit is durable; now, and only now, advance the
	// relational watermarks so none of these rows come back.
	poiIDs := make([]string, len(pois))
	for i, p := range pois {
		poiIDs[i] = p.ID
	}
	err = ing.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, task := range refactors {
			if err := tx.MarkRefactorApplied(ctx, task.ID); err != nil {
				return err
			}
			// A DELETE task that reached the graph also retires the
			// relational rows; POIs and relationships follow by cascade.
			if task.Type == types.RefactorDelete {
				if err := tx.DeleteFile(ctx, task.OldPath); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
			}
		}
		if err := tx.MarkPOIsIngested(ctx, poiIDs); err != nil {
			return err
		}
		return tx.MarkRelationshipsIngested(ctx, matched)
	})
	if err != nil {
		// The graph has the batch but the watermarks did not advance; the
		// next cycle re-merges, which MERGE semantics absorb.
		return Report{}, errs.Wrapf(errs.Integrity, err, "advance ingestion watermarks")
	}

	report := Report{
		Refactors: len(refactors),
		Nodes:     len(pois),
		Edges:     len(matched),
		Deferred:  len(rels) - len(matched),
	}
	if report.Deferred > 0 {
		ing.log.Warn("relationships deferred awaiting endpoints",
			zap.Int("deferred", report.Deferred))
	}
	telemetry.Pipeline().RecordGraphMerge(ctx, int64(report.Nodes), int64(report.Edges))
	return report, nil
}

// Handle consumes one graph-data envelope from the graph-ingestion queue.
// The payload is schema-validated before the shared writer path touches it.
func (ing *Ingestor) Handle(ctx context.Context, job *bus.Job) error {
	if err := validateGraphData(job.Payload); err != nil {
		return err
	}
	var data types.GraphData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return errs.Wrap(errs.Data, err)
	}

	pois := make([]*types.POI, len(data.GraphJSON.Pois))
	for i := range data.GraphJSON.Pois {
		pois[i] = &data.GraphJSON.Pois[i]
	}
	edges := make([]edge, len(data.GraphJSON.Relationships))
	for i, rel := range data.GraphJSON.Relationships {
		edges[i] = edge{
			ID:         rel.ID,
			Source:     rel.Source,
			Target:     rel.Target,
			Type:       rel.Type,
			Confidence: rel.Confidence,
		}
	}

	var matched []string
	err := ing.graph.InWriteTransaction(ctx, func(tx graph.Tx) error {
		if _, err := mergeNodes(ctx, tx, pois); err != nil {
			return err
		}
		var err error
		matched, err = mergeEdges(ctx, tx, edges)
		return err
	})
	if err != nil {
		var classified *errs.Error
		if errors.As(err, &classified) {
			return err
		}
		return errs.Wrapf(errs.Transient, err, "graph-data batch %s rolled back", data.BatchID)
	}

	ing.log.Info("graph-data batch ingested",
		zap.String("batchId", data.BatchID),
		zap.Int("nodes", len(pois)),
		zap.Int("edges", len(matched)))
	telemetry.Pipeline().RecordGraphMerge(ctx, int64(len(pois)), int64(len(matched)))
	return nil
}
