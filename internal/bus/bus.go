// Package bus is the job-bus and KV facility client. Queues are Redis lists
// with a reliable-consume pattern (BLMOVE into a per-consumer working list,
// LREM on ack), retries are a delayed sorted set promoted back onto the
// list, and the compound counter updates the pipeline depends on are done by
// server-side Lua scripts so concurrent workers cannot interleave them.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoJob is returned by Dequeue when the wait timed out with the queue
// empty.
var ErrNoJob = errors.New("no job available")

// ErrClosed is returned when an operation is attempted after Close.
var ErrClosed = errors.New("bus closed")

// ErrQueueFull is returned by TryEnqueue when the queue sits above its
// high-water mark. Producers back off and retry; consumers drain.
var ErrQueueFull = errors.New("queue above high-water mark")

const (
	defaultNamespace   = "trellis"
	defaultHighWater   = 10000
	defaultMaxAttempts = 3
	defaultRetryBase   = 2 * time.Second
)

// Option is a functional option for configuring the bus.
type Option func(*Bus)

// WithNamespace sets the key namespace prefix for all bus keys.
func WithNamespace(ns string) Option {
	return func(b *Bus) {
		if ns != "" {
			b.namespace = ns
		}
	}
}

// WithHighWater sets the per-queue depth above which TryEnqueue refuses.
func WithHighWater(n int64) Option {
	return func(b *Bus) {
		if n > 0 {
			b.highWater = n
		}
	}
}

// WithMaxAttempts sets the default delivery ceiling for jobs that do not
// carry their own.
func WithMaxAttempts(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithRetryBase sets the base delay for the exponential requeue backoff.
func WithRetryBase(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.retryBase = d
		}
	}
}

// Job is the envelope every queue entry travels in. Payload is the
// job-specific JSON document; Attempts counts deliveries so the redelivery
// backoff and the dead-letter ceiling survive process restarts.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`

	// raw is the exact bytes sitting in the working list, needed for the
	// LREM ack. Never serialized.
	raw string
}

// Bind unmarshals the job payload into v.
func (j *Job) Bind(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

// FailedJob is a dead-letter entry: the original envelope plus the error
// that exhausted its delivery budget.
type FailedJob struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// Bus is the shared client for the queue and KV facility. Safe for
// concurrent use.
type Bus struct {
	client      *redis.Client
	namespace   string
	highWater   int64
	maxAttempts int
	retryBase   time.Duration
	closed      atomic.Bool
}

// New connects to the bus at redisURL (e.g. "redis://localhost:6379/0") and
// verifies connectivity before returning.
func New(redisURL string, opts ...Option) (*Bus, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bus URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	b := &Bus{
		client:      client,
		namespace:   defaultNamespace,
		highWater:   defaultHighWater,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus ping failed: %w", err)
	}

	return b, nil
}

// NewFromClient wraps an existing Redis client. Used by tests that point at
// a miniredis instance.
func NewFromClient(client *redis.Client, opts ...Option) *Bus {
	b := &Bus{
		client:      client,
		namespace:   defaultNamespace,
		highWater:   defaultHighWater,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	b.closed.Store(true)
	return b.client.Close()
}

// Key layout. Everything the bus touches lives under the namespace prefix.

func (b *Bus) queueKey(queue string) string {
	return b.namespace + ":q:" + queue
}

func (b *Bus) workingKey(queue, consumer string) string {
	return b.namespace + ":q:" + queue + ":working:" + consumer
}

func (b *Bus) delayedKey(queue string) string {
	return b.namespace + ":q:" + queue + ":delayed"
}

func (b *Bus) degradedKey(queue string) string {
	return b.namespace + ":q:" + queue + ":degraded"
}

// runKey builds a run-scoped KV key.
func (b *Bus) runKey(runID, suffix string) string {
	return b.namespace + ":run:" + runID + ":" + suffix
}

// newJob builds an envelope with a fresh id.
func (b *Bus) newJob(queue, name string, payload any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Queue:       queue,
		Payload:     data,
		MaxAttempts: b.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// Enqueue appends one job to the named queue and returns its id. It does
// not check the high-water mark; workers moving jobs between queues must
// never deadlock on backpressure.
func (b *Bus) Enqueue(ctx context.Context, queue, name string, payload any) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	job, err := b.newJob(queue, name, payload)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job envelope: %w", err)
	}
	if err := b.client.RPush(ctx, b.queueKey(queue), data).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s on %s: %w", name, queue, err)
	}
	return job.ID, nil
}

// TryEnqueue appends one job unless the queue sits above its high-water
// mark, in which case it returns ErrQueueFull. Upstream producers (the
// scanner, the batcher) use this and poll until the consumers catch up.
func (b *Bus) TryEnqueue(ctx context.Context, queue, name string, payload any) (string, error) {
	depth, err := b.Depth(ctx, queue)
	if err != nil {
		return "", err
	}
	if depth >= b.highWater {
		return "", fmt.Errorf("%s at depth %d: %w", queue, depth, ErrQueueFull)
	}
	return b.Enqueue(ctx, queue, name, payload)
}

// EnqueueBlocking appends one job, waiting out backpressure. It polls the
// queue depth until it drops below the high-water mark or ctx is done.
func (b *Bus) EnqueueBlocking(ctx context.Context, queue, name string, payload any) (string, error) {
	for {
		id, err := b.TryEnqueue(ctx, queue, name, payload)
		if !errors.Is(err, ErrQueueFull) {
			return id, err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// EnqueueBulk appends many jobs in one pipelined round trip. Order is
// preserved.
func (b *Bus) EnqueueBulk(ctx context.Context, queue, name string, payloads []any) error {
	if b.closed.Load() {
		return ErrClosed
	}
	pipe := b.client.Pipeline()
	for _, payload := range payloads {
		job, err := b.newJob(queue, name, payload)
		if err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job envelope: %w", err)
		}
		pipe.RPush(ctx, b.queueKey(queue), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bulk enqueue on %s: %w", queue, err)
	}
	return nil
}

// Dequeue blocks up to wait for a job on the named queue, moving it into
// the consumer's working list so a crash cannot lose it. Returns ErrNoJob
// on timeout.
func (b *Bus) Dequeue(ctx context.Context, queue, consumer string, wait time.Duration) (*Job, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	raw, err := b.client.BLMove(ctx, b.queueKey(queue), b.workingKey(queue, consumer), "LEFT", "RIGHT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// A corrupt envelope would otherwise wedge the working list; park
		// it on the dead-letter queue and report.
		b.client.LRem(ctx, b.workingKey(queue, consumer), 1, raw)
		b.client.RPush(ctx, b.queueKey(QueueFailedJobs), raw)
		return nil, fmt.Errorf("corrupt job envelope on %s: %w", queue, err)
	}
	job.Attempts++
	job.raw = raw
	return &job, nil
}

// Ack removes a delivered job from the consumer's working list. Called only
// after the handler's effects are durable.
func (b *Bus) Ack(ctx context.Context, consumer string, job *Job) error {
	if err := b.client.LRem(ctx, b.workingKey(job.Queue, consumer), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Nack records a failed delivery. Below the attempt ceiling the job lands
// on the delayed set with exponential backoff; at the ceiling it moves to
// the dead-letter queue with the error attached. Either way it leaves the
// working list.
func (b *Bus) Nack(ctx context.Context, consumer string, job *Job, cause error) error {
	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		return b.DeadLetter(ctx, consumer, job, cause)
	}

	requeued := *job
	data, err := json.Marshal(&requeued)
	if err != nil {
		return fmt.Errorf("encode requeued job: %w", err)
	}
	delay := b.retryDelay(job.Attempts)
	due := float64(time.Now().Add(delay).UnixMilli())

	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, b.delayedKey(job.Queue), redis.Z{Score: due, Member: data})
	pipe.LRem(ctx, b.workingKey(job.Queue, consumer), 1, job.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack job %s: %w", job.ID, err)
	}
	return nil
}

// Park requeues a job without counting the delivery against its attempt
// budget and flags the queue degraded for ttl. Used when the LLM circuit
// breaker is open: the job observed an outage, it did not fail.
func (b *Bus) Park(ctx context.Context, consumer string, job *Job, delay, ttl time.Duration) error {
	requeued := *job
	requeued.Attempts-- // delivery does not count
	data, err := json.Marshal(&requeued)
	if err != nil {
		return fmt.Errorf("encode parked job: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())

	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, b.delayedKey(job.Queue), redis.Z{Score: due, Member: data})
	pipe.LRem(ctx, b.workingKey(job.Queue, consumer), 1, job.raw)
	pipe.Set(ctx, b.degradedKey(job.Queue), "1", ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("park job %s: %w", job.ID, err)
	}
	return nil
}

// DeadLetter moves a job to the failed-jobs queue with its error, and out
// of the working list. Dead-lettered jobs never block the pipeline.
func (b *Bus) DeadLetter(ctx context.Context, consumer string, job *Job, cause error) error {
	entry := FailedJob{Job: *job, FailedAt: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, b.queueKey(QueueFailedJobs), data)
	pipe.LRem(ctx, b.workingKey(job.Queue, consumer), 1, job.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// PromoteDelayed moves due jobs from the delayed set back onto the queue.
// ZREM arbitrates between concurrent movers: only the caller whose ZREM
// removed the member pushes it, so a job is promoted exactly once.
func (b *Bus) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := b.client.ZRangeByScore(ctx, b.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed jobs on %s: %w", queue, err)
	}

	promoted := 0
	for _, m := range members {
		removed, err := b.client.ZRem(ctx, b.delayedKey(queue), m).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim delayed job on %s: %w", queue, err)
		}
		if removed == 0 {
			continue // another mover won
		}
		if err := b.client.RPush(ctx, b.queueKey(queue), m).Err(); err != nil {
			return promoted, fmt.Errorf("promote delayed job on %s: %w", queue, err)
		}
		promoted++
	}
	return promoted, nil
}

// Depth returns the ready plus delayed entries of a queue.
func (b *Bus) Depth(ctx context.Context, queue string) (int64, error) {
	pipe := b.client.Pipeline()
	llen := pipe.LLen(ctx, b.queueKey(queue))
	zcard := pipe.ZCard(ctx, b.delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("depth of %s: %w", queue, err)
	}
	return llen.Val() + zcard.Val(), nil
}

// IsDegraded reports whether the queue was flagged degraded and the flag
// has not expired.
func (b *Bus) IsDegraded(ctx context.Context, queue string) (bool, error) {
	n, err := b.client.Exists(ctx, b.degradedKey(queue)).Result()
	if err != nil {
		return false, fmt.Errorf("degraded flag of %s: %w", queue, err)
	}
	return n > 0, nil
}

// ListFailed returns up to limit dead-letter entries, oldest first.
func (b *Bus) ListFailed(ctx context.Context, limit int64) ([]*FailedJob, error) {
	raws, err := b.client.LRange(ctx, b.queueKey(QueueFailedJobs), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	out := make([]*FailedJob, 0, len(raws))
	for _, raw := range raws {
		var fj FailedJob
		if err := json.Unmarshal([]byte(raw), &fj); err != nil {
			// Envelopes that never parsed land here raw; surface them as
			// opaque entries rather than failing the listing.
			fj = FailedJob{Error: "unparseable envelope", Job: Job{Payload: json.RawMessage(raw)}}
		}
		out = append(out, &fj)
	}
	return out, nil
}

// RequeueFailed pops up to limit dead-letter entries and returns each to
// its original queue with a fresh attempt budget. Returns how many moved.
func (b *Bus) RequeueFailed(ctx context.Context, limit int) (int, error) {
	moved := 0
	for i := 0; i < limit; i++ {
		raw, err := b.client.LPop(ctx, b.queueKey(QueueFailedJobs)).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("pop failed job: %w", err)
		}
		var fj FailedJob
		if err := json.Unmarshal([]byte(raw), &fj); err != nil || fj.Job.Queue == "" {
			// Cannot route it anywhere; put it back at the tail and stop.
			b.client.RPush(ctx, b.queueKey(QueueFailedJobs), raw)
			return moved, nil
		}
		fj.Job.Attempts = 0
		data, err := json.Marshal(&fj.Job)
		if err != nil {
			return moved, fmt.Errorf("encode requeued job: %w", err)
		}
		if err := b.client.RPush(ctx, b.queueKey(fj.Job.Queue), data).Err(); err != nil {
			return moved, fmt.Errorf("requeue failed job: %w", err)
		}
		moved++
	}
	return moved, nil
}

// ReportFailure records a dead-letter entry for work that failed terminally
// inside a handler, without touching any working list. Used by batch
// handlers whose per-item failures must not fail the whole batch.
func (b *Bus) ReportFailure(ctx context.Context, queue, name string, payload any, cause error) error {
	job, err := b.newJob(queue, name, payload)
	if err != nil {
		return err
	}
	entry := FailedJob{Job: *job, FailedAt: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}
	if err := b.client.RPush(ctx, b.queueKey(QueueFailedJobs), data).Err(); err != nil {
		return fmt.Errorf("report failure of %s: %w", name, err)
	}
	return nil
}

// retryDelay computes the exponential redelivery backoff for the given
// attempt count, capped at five minutes.
func (b *Bus) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(b.retryBase) * math.Pow(2, float64(attempts-1)))
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// Ping verifies bus connectivity, used by readiness checks.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
