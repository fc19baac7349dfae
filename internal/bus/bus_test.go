package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trellislabs/trellis/internal/types"
)

// newTestBus spins up a miniredis instance and a bus pointed at it.
func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewFromClient(client, WithMaxAttempts(3), WithRetryBase(10*time.Millisecond))
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, QueueFileAnalysis, JobAnalyzeFile, types.FileAnalysisJob{
		FilePath: "src/a.go", RunID: "run-1", JobID: "job-1",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue returned empty job id")
	}

	job, err := b.Dequeue(ctx, QueueFileAnalysis, "c1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job.Name != JobAnalyzeFile {
		t.Errorf("job name = %q, want %q", job.Name, JobAnalyzeFile)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}

	var payload types.FileAnalysisJob
	if err := job.Bind(&payload); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if payload.FilePath != "src/a.go" {
		t.Errorf("payload file = %q, want src/a.go", payload.FilePath)
	}

	if err := b.Ack(ctx, "c1", job); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	depth, err := b.Depth(ctx, QueueFileAnalysis)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth after ack = %d, want 0", depth)
	}
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	b, _ := newTestBus(t)

	_, err := b.Dequeue(context.Background(), QueuePathDiscovery, "c1", 50*time.Millisecond)
	if !errors.Is(err, ErrNoJob) {
		t.Fatalf("Dequeue on empty queue = %v, want ErrNoJob", err)
	}
}

func TestOrderPreserved(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for _, path := range []string{"a.go", "b.go", "c.go"} {
		if _, err := b.Enqueue(ctx, QueueFileAnalysis, JobAnalyzeFile, types.FileAnalysisJob{FilePath: path}); err != nil {
			t.Fatalf("Enqueue %s: %v", path, err)
		}
	}

	for _, want := range []string{"a.go", "b.go", "c.go"} {
		job, err := b.Dequeue(ctx, QueueFileAnalysis, "c1", 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		var payload types.FileAnalysisJob
		if err := job.Bind(&payload); err != nil {
			t.Fatalf("Bind: %v", err)
		}
		if payload.FilePath != want {
			t.Errorf("dequeued %q, want %q", payload.FilePath, want)
		}
	}
}

// promoteEventually polls the delayed-set mover until the backoff delay
// elapses and a job is promoted.
func promoteEventually(t *testing.T, b *Bus, queue string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := b.PromoteDelayed(context.Background(), queue)
		if err != nil {
			t.Fatalf("PromoteDelayed: %v", err)
		}
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no delayed job became due on %s", queue)
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, QueueRelationshipResolution, JobResolveRelationships,
		types.RelationshipResolutionJob{RunID: "run-1", JobID: "job-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	cause := errors.New("llm exploded")
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := b.Dequeue(ctx, QueueRelationshipResolution, "c1", 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue attempt %d: %v", attempt, err)
		}
		if job.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", job.Attempts, attempt)
		}
		if err := b.Nack(ctx, "c1", job, cause); err != nil {
			t.Fatalf("Nack attempt %d: %v", attempt, err)
		}
		if attempt < 3 {
			promoteEventually(t, b, QueueRelationshipResolution)
		}
	}

	// Third nack hit the ceiling: the job must be on failed-jobs, not back
	// on its queue.
	depth, err := b.Depth(ctx, QueueRelationshipResolution)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth after dead-letter = %d, want 0", depth)
	}

	failed, err := b.ListFailed(ctx, 10)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed jobs = %d, want 1", len(failed))
	}
	if failed[0].Error != "llm exploded" {
		t.Errorf("failed error = %q, want llm exploded", failed[0].Error)
	}
}

func TestRequeueFailed(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, QueueFileAnalysis, JobAnalyzeFile, types.FileAnalysisJob{FilePath: "x.go"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := b.Dequeue(ctx, QueueFileAnalysis, "c1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := b.DeadLetter(ctx, "c1", job, errors.New("boom")); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	moved, err := b.RequeueFailed(ctx, 10)
	if err != nil {
		t.Fatalf("RequeueFailed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("requeued = %d, want 1", moved)
	}

	requeued, err := b.Dequeue(ctx, QueueFileAnalysis, "c1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue requeued: %v", err)
	}
	if requeued.Attempts != 1 {
		t.Errorf("requeued attempts = %d, want fresh budget starting at 1", requeued.Attempts)
	}
}

func TestParkDoesNotBurnAttempts(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, QueueFileAnalysis, JobAnalyzeFile, types.FileAnalysisJob{FilePath: "x.go"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Park the job through more cycles than its attempt ceiling allows.
	for i := 0; i < 5; i++ {
		job, err := b.Dequeue(ctx, QueueFileAnalysis, "c1", 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue cycle %d: %v", i, err)
		}
		if job.Attempts != 1 {
			t.Fatalf("cycle %d attempts = %d, want 1 (parking must not count)", i, job.Attempts)
		}
		if err := b.Park(ctx, "c1", job, time.Millisecond, time.Minute); err != nil {
			t.Fatalf("Park cycle %d: %v", i, err)
		}
		promoteEventually(t, b, QueueFileAnalysis)
	}

	degraded, err := b.IsDegraded(ctx, QueueFileAnalysis)
	if err != nil {
		t.Fatalf("IsDegraded: %v", err)
	}
	if !degraded {
		t.Error("queue should be flagged degraded while jobs are parked")
	}
}

func TestTryEnqueueBackpressure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewFromClient(client, WithHighWater(2))
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.TryEnqueue(ctx, QueuePathDiscovery, JobAnalyzeFile, types.FileAnalysisJob{}); err != nil {
			t.Fatalf("TryEnqueue %d: %v", i, err)
		}
	}
	if _, err := b.TryEnqueue(ctx, QueuePathDiscovery, JobAnalyzeFile, types.FileAnalysisJob{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("TryEnqueue above high water = %v, want ErrQueueFull", err)
	}
}

func TestBatchSwapScript(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	// Two entries stay below the cap, the third crosses it.
	entries := []BatchEntry{
		{Path: "a.go", Tokens: 400},
		{Path: "b.go", Tokens: 400},
		{Path: "c.go", Tokens: 400},
	}
	for i, e := range entries {
		n, err := b.AppendBatchEntry(ctx, "run-1", e, 1000)
		if err != nil {
			t.Fatalf("AppendBatchEntry %d: %v", i, err)
		}
		if i < 2 && n != 0 {
			t.Errorf("entry %d flushed %d files, want 0 below threshold", i, n)
		}
		if i == 2 && n != 3 {
			t.Errorf("entry %d flushed %d files, want 3 at threshold", i, n)
		}
	}

	job, err := b.Dequeue(ctx, QueueFileAnalysis, "c1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue batch: %v", err)
	}
	if job.Name != JobFileBatch {
		t.Fatalf("job name = %q, want %q", job.Name, JobFileBatch)
	}
	var batch types.FileBatchJob
	if err := job.Bind(&batch); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if batch.RunID != "run-1" || batch.BatchID == "" {
		t.Errorf("batch = %+v, want run-1 with a batch id", batch)
	}
	if len(batch.Files) != 3 || batch.Files[0].Path != "a.go" || batch.Files[2].Path != "c.go" {
		t.Errorf("batch files = %+v, want a.go b.go c.go in order", batch.Files)
	}

	// Counter must have been reset: the next entry starts a fresh batch.
	n, err := b.AppendBatchEntry(ctx, "run-1", BatchEntry{Path: "d.go", Tokens: 100}, 1000)
	if err != nil {
		t.Fatalf("AppendBatchEntry after swap: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh accumulator flushed %d files, want 0", n)
	}
}

func TestFlushBatch(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := b.AppendBatchEntry(ctx, "run-1", BatchEntry{Path: "a.go", Tokens: 10}, 1000); err != nil {
		t.Fatalf("AppendBatchEntry: %v", err)
	}

	n, err := b.FlushBatch(ctx, "run-1", 1000)
	if err != nil {
		t.Fatalf("FlushBatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("flushed = %d, want 1", n)
	}

	// Flushing an empty accumulator must not emit an empty batch.
	n, err = b.FlushBatch(ctx, "run-1", 1000)
	if err != nil {
		t.Fatalf("FlushBatch empty: %v", err)
	}
	if n != 0 {
		t.Errorf("empty flush emitted %d files, want 0", n)
	}
	if depth, _ := b.Depth(ctx, QueueFileAnalysis); depth != 1 {
		t.Errorf("file-analysis depth = %d, want exactly 1 batch", depth)
	}
}

func TestEvidenceScriptFiresExactlyOnce(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	// Expected count 3, delivered one at a time: only the third crosses.
	for i := 1; i <= 3; i++ {
		fired, err := b.EvidenceArrived(ctx, "run-1", "rel-abc", 3, 1)
		if err != nil {
			t.Fatalf("EvidenceArrived %d: %v", i, err)
		}
		if (i == 3) != fired {
			t.Errorf("evidence %d fired = %v, want fire only on the third", i, fired)
		}
	}

	// Late or duplicate evidence after the crossing must not re-fire.
	fired, err := b.EvidenceArrived(ctx, "run-1", "rel-abc", 3, 1)
	if err != nil {
		t.Fatalf("EvidenceArrived extra: %v", err)
	}
	if fired {
		t.Error("evidence past expected count re-fired the reconcile job")
	}

	depth, err := b.Depth(ctx, QueueReconciliation)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("reconciliation depth = %d, want exactly 1", depth)
	}
}

func TestEvidenceScriptBatchCrossing(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	// A batch of 2 landing on a counter at 1 with expected 2 crosses once.
	if _, err := b.EvidenceArrived(ctx, "run-1", "rel-x", 2, 1); err != nil {
		t.Fatalf("EvidenceArrived: %v", err)
	}
	fired, err := b.EvidenceArrived(ctx, "run-1", "rel-x", 2, 2)
	if err != nil {
		t.Fatalf("EvidenceArrived batch: %v", err)
	}
	if !fired {
		t.Error("batch increment crossing expected did not fire")
	}

	// First registration wins: a later caller with a different expected
	// count must not change the manifest.
	fired, err = b.EvidenceArrived(ctx, "run-1", "rel-x", 99, 1)
	if err != nil {
		t.Fatalf("EvidenceArrived re-register: %v", err)
	}
	if fired {
		t.Error("re-registration fired again")
	}
}

func TestDirectoryAggregation(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for _, f := range []string{"pkg/a.go", "pkg/b.go"} {
		if err := b.RegisterExpectedFile(ctx, "run-1", "pkg", f); err != nil {
			t.Fatalf("RegisterExpectedFile %s: %v", f, err)
		}
	}

	fire, err := b.MarkFileCompleted(ctx, "run-1", "pkg", "pkg/a.go")
	if err != nil {
		t.Fatalf("MarkFileCompleted a: %v", err)
	}
	if fire {
		t.Error("directory fired with one of two files complete")
	}

	fire, err = b.MarkFileCompleted(ctx, "run-1", "pkg", "pkg/b.go")
	if err != nil {
		t.Fatalf("MarkFileCompleted b: %v", err)
	}
	if !fire {
		t.Error("directory did not fire when all files completed")
	}

	// Redelivered completion signals must not fire a second time.
	fire, err = b.MarkFileCompleted(ctx, "run-1", "pkg", "pkg/b.go")
	if err != nil {
		t.Fatalf("MarkFileCompleted duplicate: %v", err)
	}
	if fire {
		t.Error("duplicate completion fired the directory again")
	}
}

func TestPendingDirectoriesCounter(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	if err := b.AddPendingDirectories(ctx, "run-1", 2); err != nil {
		t.Fatalf("AddPendingDirectories: %v", err)
	}
	n, err := b.DirectoryPublished(ctx, "run-1")
	if err != nil {
		t.Fatalf("DirectoryPublished: %v", err)
	}
	if n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
	n, err = b.DirectoryPublished(ctx, "run-1")
	if err != nil {
		t.Fatalf("DirectoryPublished: %v", err)
	}
	if n != 0 {
		t.Errorf("remaining = %d, want 0", n)
	}
}
