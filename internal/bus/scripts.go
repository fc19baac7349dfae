package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trellislabs/trellis/internal/types"
)

// The pipeline keeps two pieces of compound mutable state in the KV
// facility: the batcher's pending-file accumulator and the per-fingerprint
// evidence counters. Both are read-modify-write sequences that two workers
// could interleave, so both run as single server-side scripts. These are the
// only scripts the bus carries; every other KV mutation is a single command.

// batchSwapScript is the batch-threshold check-and-swap. It appends one file
// entry to the pending list, adds its tokens to the running total, and when
// the total crosses the cap (or ARGV[4] forces a flush) atomically resets
// both and pushes one file-batch job carrying every pending entry. Because
// append, check, and swap happen in one script invocation, two batcher
// workers can never emit overlapping batches or lose an entry between them.
//
// KEYS[1] pending-entries list, KEYS[2] token total, KEYS[3] target queue.
// ARGV[1] entry JSON ("" on a pure flush), ARGV[2] entry tokens,
// ARGV[3] max batch tokens, ARGV[4] force flag, ARGV[5] envelope skeleton.
// Returns the number of files flushed (0 when below threshold).
var batchSwapScript = redis.NewScript(`
if ARGV[1] ~= "" then
  redis.call('RPUSH', KEYS[1], ARGV[1])
  redis.call('INCRBY', KEYS[2], tonumber(ARGV[2]))
end
local total = tonumber(redis.call('GET', KEYS[2]) or '0')
if ARGV[4] ~= "1" and total < tonumber(ARGV[3]) then
  return 0
end
local entries = redis.call('LRANGE', KEYS[1], 0, -1)
if #entries == 0 then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], 0)
local files = {}
for i, raw in ipairs(entries) do
  files[i] = cjson.decode(raw)
end
local job = cjson.decode(ARGV[5])
job.payload.files = files
redis.call('RPUSH', KEYS[3], cjson.encode(job))
return #entries
`)

// evidenceScript is the evidence-counter check-and-fetch. It registers the
// expected evidence count for a fingerprint (first writer wins), adds the
// newly arrived evidence to the counter, and pushes exactly one reconcile
// job at the moment the counter first reaches the expected value. The
// crossing test compares the counter before and after the increment inside
// the script, so N workers delivering the last pieces of evidence
// concurrently still produce a single reconcile job.
//
// KEYS[1] manifest hash, KEYS[2] counter hash, KEYS[3] reconciliation queue.
// ARGV[1] fingerprint, ARGV[2] expected count, ARGV[3] increment,
// ARGV[4] reconcile job envelope.
// Returns 1 when the reconcile job was enqueued, 0 otherwise.
var evidenceScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
local expected = tonumber(redis.call('HGET', KEYS[1], ARGV[1]))
local count = redis.call('HINCRBY', KEYS[2], ARGV[1], tonumber(ARGV[3]))
local before = count - tonumber(ARGV[3])
if before < expected and count >= expected then
  redis.call('RPUSH', KEYS[3], ARGV[4])
  return 1
end
return 0
`)

// BatchEntry is one file queued for the next coarse-analysis batch.
type BatchEntry struct {
	Path   string `json:"path"`
	Tokens int    `json:"tokens"`
}

// AppendBatchEntry runs the batch-threshold check-and-swap for one file.
// Returns the number of files flushed into a file-batch job, zero when the
// entry was only accumulated.
func (b *Bus) AppendBatchEntry(ctx context.Context, runID string, entry BatchEntry, maxBatchTokens int) (int, error) {
	return b.runBatchSwap(ctx, runID, &entry, maxBatchTokens, false)
}

// FlushBatch force-swaps whatever the accumulator holds into a final
// partial file-batch job. Returns the number of files flushed.
func (b *Bus) FlushBatch(ctx context.Context, runID string, maxBatchTokens int) (int, error) {
	return b.runBatchSwap(ctx, runID, nil, maxBatchTokens, true)
}

func (b *Bus) runBatchSwap(ctx context.Context, runID string, entry *BatchEntry, maxBatchTokens int, force bool) (int, error) {
	entryJSON := ""
	entryTokens := 0
	if entry != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("encode batch entry: %w", err)
		}
		entryJSON = string(data)
		entryTokens = entry.Tokens
	}
	forceFlag := "0"
	if force {
		forceFlag = "1"
	}

	// The envelope is built here and completed inside the script: the
	// script owns only the files array, everything else is fixed up front.
	skeleton, err := b.newJob(QueueFileAnalysis, JobFileBatch, types.FileBatchJob{
		BatchID: uuid.NewString(),
		RunID:   runID,
	})
	if err != nil {
		return 0, err
	}
	skeletonJSON, err := json.Marshal(skeleton)
	if err != nil {
		return 0, fmt.Errorf("encode batch envelope: %w", err)
	}

	keys := []string{
		b.runKey(runID, "batch:pending"),
		b.runKey(runID, "batch:tokens"),
		b.queueKey(QueueFileAnalysis),
	}
	n, err := batchSwapScript.Run(ctx, b.client, keys,
		entryJSON, entryTokens, maxBatchTokens, forceFlag, string(skeletonJSON)).Int()
	if err != nil {
		return 0, fmt.Errorf("batch swap script: %w", err)
	}
	return n, nil
}

// EvidenceArrived runs the evidence-counter check-and-fetch after delta
// evidence rows for the fingerprint were committed to the state store.
// expected is registered on first call and immutable afterwards. Returns
// true when this call crossed the threshold and enqueued the reconcile job.
func (b *Bus) EvidenceArrived(ctx context.Context, runID, fingerprint string, expected, delta int) (bool, error) {
	job, err := b.newJob(QueueReconciliation, JobReconcile, types.ReconcileJob{
		RunID:          runID,
		RelationshipID: fingerprint,
		JobID:          uuid.NewString(),
	})
	if err != nil {
		return false, err
	}
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode reconcile envelope: %w", err)
	}

	keys := []string{
		b.runKey(runID, "manifest"),
		b.runKey(runID, "evidence"),
		b.queueKey(QueueReconciliation),
	}
	fired, err := evidenceScript.Run(ctx, b.client, keys,
		fingerprint, expected, delta, string(jobJSON)).Int()
	if err != nil {
		return false, fmt.Errorf("evidence script: %w", err)
	}
	return fired == 1, nil
}

// Directory aggregation bookkeeping. The expected and completed sets plus
// the fired guard are all single Redis commands; the SETNX guard is what
// makes the analyze-directory enqueue happen at most once even when the
// last two files of a directory finish concurrently.

// RegisterExpectedFile adds a file to a directory's expected set. Called
// when the file is batched for analysis.
func (b *Bus) RegisterExpectedFile(ctx context.Context, runID, dir, filePath string) error {
	key := b.runKey(runID, "dir:"+dir+":expected")
	if err := b.client.SAdd(ctx, key, filePath).Err(); err != nil {
		return fmt.Errorf("register expected file: %w", err)
	}
	return nil
}

// MarkFileCompleted adds a file to its directory's completed set and
// reports whether this completion finished the directory. The caller
// enqueues the analyze-directory job when it returns true; the fired guard
// guarantees at most one caller ever does.
func (b *Bus) MarkFileCompleted(ctx context.Context, runID, dir, filePath string) (bool, error) {
	completedKey := b.runKey(runID, "dir:"+dir+":completed")
	expectedKey := b.runKey(runID, "dir:"+dir+":expected")

	if err := b.client.SAdd(ctx, completedKey, filePath).Err(); err != nil {
		return false, fmt.Errorf("mark file completed: %w", err)
	}

	pipe := b.client.Pipeline()
	expected := pipe.SCard(ctx, expectedKey)
	completed := pipe.SCard(ctx, completedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("directory completion counts: %w", err)
	}
	if expected.Val() == 0 || completed.Val() < expected.Val() {
		return false, nil
	}

	fired, err := b.client.SetNX(ctx, b.runKey(runID, "dir:"+dir+":fired"), "1", 24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("directory fired guard: %w", err)
	}
	return fired, nil
}

// Pending-directory counter for the global pass. The publisher decrements
// it once per directory-analysis-finding; zero means every directory
// summary of the run has been published.

// AddPendingDirectories raises the run's outstanding-directory count.
func (b *Bus) AddPendingDirectories(ctx context.Context, runID string, n int64) error {
	if err := b.client.IncrBy(ctx, b.runKey(runID, "dirs:pending"), n).Err(); err != nil {
		return fmt.Errorf("add pending directories: %w", err)
	}
	return nil
}

// DirectoryPublished decrements the outstanding-directory count and returns
// the remainder. DECR is atomic, so exactly one caller observes zero.
func (b *Bus) DirectoryPublished(ctx context.Context, runID string) (int64, error) {
	n, err := b.client.Decr(ctx, b.runKey(runID, "dirs:pending")).Result()
	if err != nil {
		return 0, fmt.Errorf("directory published: %w", err)
	}
	return n, nil
}

// FinishDirectory retires one outstanding directory and, when it was the
// last, enqueues the run's global-resolution job. Called by the publisher on
// each directory finding and by the resolution worker when it abandons a
// directory, so the global pass fires whichever way directories conclude.
// The per-directory SETNX guard makes replayed deliveries count once.
func (b *Bus) FinishDirectory(ctx context.Context, runID, dir string) (bool, error) {
	first, err := b.client.SetNX(ctx, b.runKey(runID, "dir:"+dir+":retired"), "1", 24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("directory retired guard: %w", err)
	}
	if !first {
		return false, nil
	}
	n, err := b.DirectoryPublished(ctx, runID)
	if err != nil {
		return false, err
	}
	if n != 0 {
		return false, nil
	}
	if _, err := b.Enqueue(ctx, QueueGlobalResolution, JobResolveGlobal, types.GlobalResolutionJob{
		RunID: runID,
		JobID: uuid.NewString(),
	}); err != nil {
		return false, fmt.Errorf("enqueue global resolution: %w", err)
	}
	return true, nil
}
