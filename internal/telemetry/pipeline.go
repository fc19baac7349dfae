package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const pipelineScopeName = "github.com/trellislabs/trellis/pipeline"

// PipelineMetrics is the shared instrument set for the analysis pipeline.
// Every worker records its jobs here; the LLM client records token usage;
// the publisher and ingestor record their throughput. Instruments resolve
// to no-ops when telemetry is disabled.
type PipelineMetrics struct {
	tracer trace.Tracer

	jobs   metric.Int64Counter
	jobDur metric.Float64Histogram
	jobErr metric.Int64Counter

	llmRequests  metric.Int64Counter
	llmTokensIn  metric.Int64Counter
	llmTokensOut metric.Int64Counter

	evidence   metric.Int64Counter
	reconciled metric.Int64Counter
	published  metric.Int64Counter
	graphNodes metric.Int64Counter
	graphEdges metric.Int64Counter
}

var (
	pipelineOnce sync.Once
	pipelineInst *PipelineMetrics
)

// Pipeline returns the process-wide pipeline instrument set, creating it on
// first use so instruments bind to whatever provider Init installed.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		m := Meter(pipelineScopeName)

		jobs, _ := m.Int64Counter("trellis.jobs.processed",
			metric.WithDescription("Jobs consumed from the bus, by queue and outcome"),
		)
		jobDur, _ := m.Float64Histogram("trellis.job.duration",
			metric.WithDescription("Job handling duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		jobErr, _ := m.Int64Counter("trellis.job.errors",
			metric.WithDescription("Job failures, by queue and error kind"),
		)
		llmRequests, _ := m.Int64Counter("trellis.llm.requests",
			metric.WithDescription("LLM calls, by model and outcome"),
		)
		llmTokensIn, _ := m.Int64Counter("trellis.llm.tokens.input",
			metric.WithDescription("Input tokens sent to the LLM"),
		)
		llmTokensOut, _ := m.Int64Counter("trellis.llm.tokens.output",
			metric.WithDescription("Output tokens received from the LLM"),
		)
		evidence, _ := m.Int64Counter("trellis.evidence.recorded",
			metric.WithDescription("Relationship evidence rows written, by pass"),
		)
		reconciled, _ := m.Int64Counter("trellis.relationships.reconciled",
			metric.WithDescription("Reconciliation decisions, by outcome"),
		)
		published, _ := m.Int64Counter("trellis.outbox.published",
			metric.WithDescription("Outbox rows flipped to PUBLISHED, by event type"),
		)
		graphNodes, _ := m.Int64Counter("trellis.graph.nodes.merged",
			metric.WithDescription("Nodes merged into the graph store"),
		)
		graphEdges, _ := m.Int64Counter("trellis.graph.edges.merged",
			metric.WithDescription("Edges merged into the graph store"),
		)

		pipelineInst = &PipelineMetrics{
			tracer:       Tracer(pipelineScopeName),
			jobs:         jobs,
			jobDur:       jobDur,
			jobErr:       jobErr,
			llmRequests:  llmRequests,
			llmTokensIn:  llmTokensIn,
			llmTokensOut: llmTokensOut,
			evidence:     evidence,
			reconciled:   reconciled,
			published:    published,
			graphNodes:   graphNodes,
			graphEdges:   graphEdges,
		}
	})
	return pipelineInst
}

// StartJob opens a span for one job on the named queue.
func (p *PipelineMetrics) StartJob(ctx context.Context, queue, jobID string) (context.Context, trace.Span, time.Time) {
	ctx, span := p.tracer.Start(ctx, "job."+queue,
		trace.WithAttributes(
			attribute.String("trellis.queue", queue),
			attribute.String("trellis.job_id", jobID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	return ctx, span, time.Now()
}

// EndJob closes the job span and records outcome counters.
func (p *PipelineMetrics) EndJob(ctx context.Context, span trace.Span, start time.Time, queue string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.jobErr.Add(ctx, 1, metric.WithAttributes(attribute.String("trellis.queue", queue)))
	}
	p.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trellis.queue", queue),
		attribute.String("trellis.outcome", outcome),
	))
	p.jobDur.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("trellis.queue", queue)))
	span.End()
}

// RecordLLM counts one model call and its token usage.
func (p *PipelineMetrics) RecordLLM(ctx context.Context, model string, inputTokens, outputTokens int64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("trellis.model", model),
		attribute.String("trellis.outcome", outcome),
	)
	p.llmRequests.Add(ctx, 1, attrs)
	if inputTokens > 0 {
		p.llmTokensIn.Add(ctx, inputTokens, attrs)
	}
	if outputTokens > 0 {
		p.llmTokensOut.Add(ctx, outputTokens, attrs)
	}
}

// RecordEvidence counts evidence rows written for one analytical pass.
func (p *PipelineMetrics) RecordEvidence(ctx context.Context, pass string, n int64) {
	p.evidence.Add(ctx, n, metric.WithAttributes(attribute.String("trellis.pass", pass)))
}

// RecordReconciled counts one reconciliation decision ("validated",
// "rejected", or "conflict").
func (p *PipelineMetrics) RecordReconciled(ctx context.Context, decision string) {
	p.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("trellis.decision", decision)))
}

// RecordPublished counts outbox rows published, by event type.
func (p *PipelineMetrics) RecordPublished(ctx context.Context, eventType string, n int64) {
	p.published.Add(ctx, n, metric.WithAttributes(attribute.String("trellis.event", eventType)))
}

// RecordGraphMerge counts nodes and edges merged in one graph batch.
func (p *PipelineMetrics) RecordGraphMerge(ctx context.Context, nodes, edges int64) {
	if nodes > 0 {
		p.graphNodes.Add(ctx, nodes)
	}
	if edges > 0 {
		p.graphEdges.Add(ctx, edges)
	}
}
