// Package pipeline wires the analysis components into runnable processes.
// It owns dependency construction (LLM client, token counter, workers) and
// the all-in-one orchestrator behind `trellis run`, which supervises the
// scanner, worker pool, outbox publisher, and graph ingestor for one run and
// detects when the run has settled.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trellislabs/trellis/internal/batcher"
	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/config"
	"github.com/trellislabs/trellis/internal/graph"
	"github.com/trellislabs/trellis/internal/health"
	"github.com/trellislabs/trellis/internal/ingest"
	"github.com/trellislabs/trellis/internal/llm"
	"github.com/trellislabs/trellis/internal/outbox"
	"github.com/trellislabs/trellis/internal/scanner"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/tokens"
	"github.com/trellislabs/trellis/internal/types"
	"github.com/trellislabs/trellis/internal/workers"
)

// jobTimeout bounds one handler invocation, LLM retries included.
const jobTimeout = 10 * time.Minute

// BuildAnalyzer constructs the LLM analyzer from configuration.
func BuildAnalyzer(cfg *config.Config, log *zap.Logger) (*llm.Analyzer, error) {
	client, err := llm.NewAnthropicClient(llm.Options{
		APIKey:           cfg.LLM.APIKey,
		BaseURL:          cfg.LLM.Endpoint,
		Model:            cfg.LLM.Model,
		RetryCount:       cfg.LLM.RetryCount,
		BackoffFactor:    cfg.LLM.BackoffFactor,
		InitialBackoff:   cfg.LLM.InitialBackoff,
		RequestTimeout:   cfg.LLM.RequestTimeout,
		BreakerThreshold: cfg.LLM.BreakerThreshold,
		BreakerCooldown:  cfg.LLM.BreakerCooldown,
	}, log)
	if err != nil {
		return nil, err
	}
	return llm.NewAnalyzer(client, log, cfg.LLM.CorrectionRetries,
		cfg.Analysis.SummaryResponseCap, cfg.AllowedRelationshipSet()), nil
}

// NewPool builds the worker pool with every analysis queue registered.
// A nil ingestor leaves the graph-ingestion queue to another process.
func NewPool(cfg *config.Config, log *zap.Logger, store storage.Store, b *bus.Bus, ing *ingest.Ingestor) (*workers.Pool, error) {
	analyzer, err := BuildAnalyzer(cfg, log)
	if err != nil {
		return nil, err
	}
	counter, err := tokens.NewCounter()
	if err != nil {
		return nil, err
	}

	root := cfg.Target.Root
	pool := workers.NewPool(b, log, jobTimeout, cfg.LLM.BreakerCooldown, cfg.Bus.DegradedTTL)

	batch := batcher.New(store, b, counter, log, root,
		cfg.Analysis.MaxFileSizeBytes, cfg.Analysis.MaxBatchTokens)
	pool.Register(bus.QueuePathDiscovery, 2, batch.Handle)

	fileWorker := workers.NewFileAnalysis(store, b, analyzer, counter, log, root, cfg.LLM.MaxInputTokens)
	pool.Register(bus.QueueFileAnalysis, cfg.Analysis.FileWorkers, fileWorker.Handle)

	pool.Register(bus.QueueDirectoryAggregation, 2, workers.NewDirAggregation(b, log).Handle)

	dirWorker := workers.NewDirResolution(store, b, analyzer, log, cfg.Analysis.POIPageSize)
	pool.Register(bus.QueueDirectoryResolution, cfg.Analysis.DirectoryWorkers, dirWorker.Handle)

	pool.Register(bus.QueueGlobalResolution, 1, workers.NewGlobalResolution(store, analyzer, log).Handle)

	relWorker := workers.NewRelResolution(store, analyzer, log)
	pool.Register(bus.QueueRelationshipResolution, cfg.Analysis.RelationshipWorkers, relWorker.Handle)

	// Validation runs single-consumer: evidence rows must land in arrival
	// order for the reconciliation fold to be deterministic.
	pool.Register(bus.QueueAnalysisFindings, 1, workers.NewValidation(store, b, log).Handle)

	pool.Register(bus.QueueReconciliation, cfg.Analysis.RelationshipWorkers,
		workers.NewReconciliation(store, log).Handle)

	if ing != nil {
		pool.Register(bus.QueueGraphIngestion, 1, ing.Handle)
	}
	return pool, nil
}

// Orchestrator is the all-in-one supervisor behind `trellis run`: one scan,
// then every pipeline component in-process until the run settles.
type Orchestrator struct {
	cfg   *config.Config
	log   *zap.Logger
	store storage.Store
	bus   *bus.Bus
	graph graph.Store

	scanner   *scanner.Scanner
	pool      *workers.Pool
	publisher *outbox.Publisher
	ingestor  *ingest.Ingestor
	health    *health.Server
}

// NewOrchestrator assembles the full pipeline.
func NewOrchestrator(cfg *config.Config, log *zap.Logger, store storage.Store, b *bus.Bus, g graph.Store) (*Orchestrator, error) {
	scan, err := scanner.New(store, b, log, cfg.Target.Root, cfg.Analysis.MaxFileSizeBytes)
	if err != nil {
		return nil, err
	}
	ing := ingest.New(store, g, log, cfg.Ingestor.Interval, cfg.Ingestor.BatchSize)
	pool, err := NewPool(cfg, log, store, b, ing)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		log:       log.Named("orchestrator"),
		store:     store,
		bus:       b,
		graph:     g,
		scanner:   scan,
		pool:      pool,
		publisher: outbox.New(store, b, log, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, cfg.Outbox.MaxAttempts),
		ingestor:  ing,
	}
	if cfg.Health.Enabled {
		o.health = health.New(store, b, g, log, cfg.Health.Addr)
	}
	return o, nil
}

// Run executes one full pipeline run and blocks until it settles or ctx is
// canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	runID := uuid.NewString()
	run := &types.Run{
		ID:        runID,
		RootPath:  o.scanner.Root(),
		Status:    types.RunActive,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return err
	}
	o.log.Info("run started", zap.String("runId", runID), zap.String("root", run.RootPath))

	changes, err := o.scanner.Scan(ctx, runID)
	if err != nil {
		o.finishRun(runID, types.RunFailed)
		return err
	}
	o.log.Info("scan complete",
		zap.Int("new", len(changes.Added)),
		zap.Int("modified", len(changes.Modified)),
		zap.Int("deleted", len(changes.Deleted)),
		zap.Int("renamed", len(changes.Renamed)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var settled atomic.Bool
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.pool.Run(gctx) })
	g.Go(func() error { return o.publisher.Run(gctx) })
	g.Go(func() error { return o.ingestor.Run(gctx) })
	if o.health != nil {
		g.Go(func() error { return o.health.Run(gctx) })
	}
	g.Go(func() error {
		err := o.watchCompletion(gctx, runID)
		if err == nil {
			settled.Store(true)
			cancel()
		}
		return err
	})

	err = g.Wait()
	if settled.Load() && errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		o.finishRun(runID, types.RunFailed)
		return err
	}
	o.finishRun(runID, types.RunCompleted)
	o.log.Info("run complete", zap.String("runId", runID))
	return nil
}

func (o *Orchestrator) finishRun(runID string, status types.RunStatus) {
	// The run context may already be canceled; bookkeeping still has to land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.FinishRun(ctx, runID, status, time.Now().UTC()); err != nil {
		o.log.Warn("finish run bookkeeping failed", zap.Error(err))
	}
}

// analysisQueues are the queues that must drain before a run can settle.
var analysisQueues = []string{
	bus.QueuePathDiscovery,
	bus.QueueFileAnalysis,
	bus.QueueDirectoryAggregation,
	bus.QueueDirectoryResolution,
	bus.QueueGlobalResolution,
	bus.QueueRelationshipResolution,
	bus.QueueAnalysisFindings,
	bus.QueueReconciliation,
	bus.QueueGraphIngestion,
}

// watchCompletion polls for quiescence: every analysis queue empty (ready
// and delayed), no file in flight, and no unpublished outbox row, observed
// twice in a row. The first time that holds, stalled fingerprints are swept
// into reconciliation, which breaks quiescence again if anything was
// outstanding; once quiescence holds with nothing left to sweep, the graph
// is drained and the run is settled.
func (o *Orchestrator) watchCompletion(ctx context.Context, runID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	streak := 0
	swept := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		quiet, err := o.quiescent(ctx)
		if err != nil {
			o.log.Warn("completion probe failed", zap.Error(err))
			streak = 0
			continue
		}
		if !quiet {
			streak = 0
			continue
		}
		if streak++; streak < 2 {
			continue
		}

		if !swept {
			swept = true
			n, err := o.sweepStalled(ctx, runID)
			if err != nil {
				return err
			}
			if n > 0 {
				o.log.Info("stalled fingerprints swept into reconciliation", zap.Int("count", n))
				streak = 0
				continue
			}
		}

		if err := o.drainGraph(ctx); err != nil {
			return err
		}
		return nil
	}
}

func (o *Orchestrator) quiescent(ctx context.Context) (bool, error) {
	for _, queue := range analysisQueues {
		depth, err := o.bus.Depth(ctx, queue)
		if err != nil {
			return false, err
		}
		if depth > 0 {
			return false, nil
		}
	}
	stats, err := o.store.GetStatistics(ctx)
	if err != nil {
		return false, err
	}
	inFlight := stats.FilesByStatus[types.FileStatusPending] +
		stats.FilesByStatus[types.FileStatusProcessing]
	return inFlight == 0 && stats.OutboxPending == 0, nil
}

// sweepStalled re-enqueues reconciliation for PENDING fingerprints whose
// durable evidence never produced a reconcile job, typically because the
// counter increment was lost to a crash and the envelope was not
// redelivered. Returns how many were enqueued.
func (o *Orchestrator) sweepStalled(ctx context.Context, runID string) (int, error) {
	swept := 0
	pending, err := o.store.ListRelationshipsByStatus(ctx, types.RelationshipPending, 10000)
	if err != nil {
		return 0, err
	}
	for _, rel := range pending {
		evidence, err := o.store.ListEvidence(ctx, rel.ID, runID)
		if err != nil {
			return swept, err
		}
		if len(evidence) == 0 {
			continue
		}
		if _, err := o.bus.Enqueue(ctx, bus.QueueReconciliation, bus.JobReconcile, types.ReconcileJob{
			RunID:          runID,
			RelationshipID: rel.ID,
			JobID:          uuid.NewString(),
		}); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// drainGraph runs ingest cycles until nothing moves, so the run ends with
// every ingestible row in the graph.
func (o *Orchestrator) drainGraph(ctx context.Context) error {
	for {
		report, err := o.ingestor.Cycle(ctx)
		if err != nil {
			return err
		}
		if report.Refactors == 0 && report.Nodes == 0 && report.Edges == 0 {
			if report.Deferred > 0 {
				o.log.Warn("relationships left awaiting graph endpoints",
					zap.Int("deferred", report.Deferred))
			}
			return nil
		}
	}
}
