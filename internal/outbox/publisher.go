// Package outbox publishes domain events from the transactional outbox to
// the job bus. Events are written to the outbox table in the same
// transaction as the state change they announce; this publisher is the only
// component that flips them to PUBLISHED, and it does so in the same
// transaction that submitted them to the bus. A crash between submit and
// commit leaves the row PENDING and the event is submitted again; consumers
// are idempotent, so at-least-once delivery is safe.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/telemetry"
	"github.com/trellislabs/trellis/internal/types"
)

// Publisher drains PENDING outbox rows on a fixed interval.
type Publisher struct {
	store       storage.Store
	bus         *bus.Bus
	log         *zap.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

// New builds a publisher.
func New(store storage.Store, b *bus.Bus, log *zap.Logger, interval time.Duration, batchSize, maxAttempts int) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize < 1 {
		batchSize = 50
	}
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Publisher{
		store:       store,
		bus:         b,
		log:         log.Named("outbox"),
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
	}
}

// Run ticks until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("publish tick failed", zap.Error(err))
			}
		}
	}
}

// Tick publishes one batch of PENDING rows in insertion order and returns
// how many were published. Rows whose bus submission fails get attempts++
// and stay PENDING until the retry ceiling parks them DEAD; they are never
// dropped.
func (p *Publisher) Tick(ctx context.Context) (int, error) {
	published := 0
	err := p.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		rows, err := tx.ListPendingOutbox(ctx, p.batchSize)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if routeErr := p.route(ctx, row); routeErr != nil {
				p.log.Warn("event submission failed",
					zap.Int64("id", row.ID),
					zap.String("event", row.EventType),
					zap.Int("attempts", row.Attempts+1),
					zap.Error(routeErr))
				if err := tx.MarkOutboxFailed(ctx, row.ID, p.maxAttempts); err != nil {
					return err
				}
				continue
			}
			if err := tx.MarkOutboxPublished(ctx, row.ID); err != nil {
				return err
			}
			telemetry.Pipeline().RecordPublished(ctx, row.EventType, 1)
			published++
		}
		return nil
	})
	if err != nil {
		return published, fmt.Errorf("publish outbox batch: %w", err)
	}
	return published, nil
}

// route submits one event to its downstream queue.
func (p *Publisher) route(ctx context.Context, row *types.OutboxEvent) error {
	switch row.EventType {
	case types.EventFileAnalysisFinding:
		return p.fanOutFileFinding(ctx, row)

	case types.EventRelationshipAnalysisFinding:
		_, err := p.bus.Enqueue(ctx, bus.QueueAnalysisFindings, bus.JobFinding,
			json.RawMessage(row.Payload))
		return err

	case types.EventDirectoryAnalysisFinding:
		var finding types.DirectoryAnalysisFinding
		if err := json.Unmarshal([]byte(row.Payload), &finding); err != nil {
			return fmt.Errorf("decode directory finding: %w", err)
		}
		if _, err := p.bus.Enqueue(ctx, bus.QueueAnalysisFindings, bus.JobFinding,
			json.RawMessage(row.Payload)); err != nil {
			return err
		}
		fired, err := p.bus.FinishDirectory(ctx, finding.RunID, finding.DirectoryPath)
		if err != nil {
			return err
		}
		if fired {
			p.log.Info("last directory published, global resolution enqueued",
				zap.String("runId", finding.RunID))
		}
		return nil

	case types.EventGraphData:
		_, err := p.bus.Enqueue(ctx, bus.QueueGraphIngestion, bus.JobGraphData,
			json.RawMessage(row.Payload))
		return err

	default:
		// Unroutable events burn their attempts and park DEAD, where they
		// stay inspectable.
		return fmt.Errorf("unroutable event type %q", row.EventType)
	}
}

// fanOutFileFinding turns one file-analysis finding into one
// relationship-resolution job per POI, each with its siblings as context.
// Files with fewer than two POIs produce nothing.
func (p *Publisher) fanOutFileFinding(ctx context.Context, row *types.OutboxEvent) error {
	var finding types.FileAnalysisFinding
	if err := json.Unmarshal([]byte(row.Payload), &finding); err != nil {
		return fmt.Errorf("decode file finding: %w", err)
	}
	if len(finding.Pois) < 2 {
		return nil
	}

	jobs := make([]any, 0, len(finding.Pois))
	for i, primary := range finding.Pois {
		contextual := make([]types.POI, 0, len(finding.Pois)-1)
		contextual = append(contextual, finding.Pois[:i]...)
		contextual = append(contextual, finding.Pois[i+1:]...)
		jobs = append(jobs, types.RelationshipResolutionJob{
			FilePath:       finding.FilePath,
			PrimaryPoi:     primary,
			ContextualPois: contextual,
			RunID:          finding.RunID,
			JobID:          finding.JobID,
		})
	}
	return p.bus.EnqueueBulk(ctx, bus.QueueRelationshipResolution, bus.JobResolveRelationships, jobs)
}
