package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestInitDisabledByDefault(t *testing.T) {
	t.Setenv("TRELLIS_OTEL_ENABLED", "")

	if Enabled() {
		t.Fatal("telemetry should be off unless explicitly enabled")
	}
	if err := Init(context.Background(), "trellis-test", "dev"); err != nil {
		t.Fatalf("disabled Init must not fail: %v", err)
	}
	// No-op providers still hand out working instruments.
	p := Pipeline()
	ctx, span, start := p.StartJob(context.Background(), "file-analysis-queue", "job-1")
	p.EndJob(ctx, span, start, "file-analysis-queue", nil)
	p.EndJob(ctx, span, start, "file-analysis-queue", errors.New("boom"))
	p.RecordLLM(ctx, "claude-3-5-haiku-latest", 100, 20, nil)
	p.RecordReconciled(ctx, "validated")
}

func TestPipelineSingleton(t *testing.T) {
	if Pipeline() != Pipeline() {
		t.Error("Pipeline() must return the same instrument set")
	}
}
