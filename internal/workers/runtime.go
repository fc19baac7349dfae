// Package workers hosts the queue consumers of the analysis pipeline and
// the runtime that drives them. Each queue gets a fixed number of consumer
// goroutines; a handler processes one job at a time and returns a classified
// error, and the runtime alone decides redelivery from the classification.
package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/llm"
	"github.com/trellislabs/trellis/internal/telemetry"
)

// Handler processes one dequeued job. The returned error's kind drives the
// runtime's ack/nack/park decision; nil acks.
type Handler func(ctx context.Context, job *bus.Job) error

// queueSpec binds one queue to its handler and concurrency.
type queueSpec struct {
	queue       string
	concurrency int
	handler     Handler
}

// Pool runs the registered queue consumers until its context is canceled.
// Shutdown is cooperative: intake stops, in-flight jobs finish, and anything
// left in a working list is reclaimed by the next process start.
type Pool struct {
	bus         *bus.Bus
	log         *zap.Logger
	specs       []queueSpec
	jobTimeout  time.Duration
	pollWait    time.Duration
	parkDelay   time.Duration
	degradedTTL time.Duration
}

// NewPool builds an empty pool. jobTimeout bounds one handler invocation;
// parkDelay and degradedTTL govern requeueing while the LLM breaker is open.
func NewPool(b *bus.Bus, log *zap.Logger, jobTimeout, parkDelay, degradedTTL time.Duration) *Pool {
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	if parkDelay <= 0 {
		parkDelay = 30 * time.Second
	}
	if degradedTTL <= 0 {
		degradedTTL = time.Minute
	}
	return &Pool{
		bus:         b,
		log:         log.Named("workers"),
		jobTimeout:  jobTimeout,
		pollWait:    2 * time.Second,
		parkDelay:   parkDelay,
		degradedTTL: degradedTTL,
	}
}

// Register adds concurrency consumers for queue, all sharing one handler.
func (p *Pool) Register(queue string, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.specs = append(p.specs, queueSpec{queue: queue, concurrency: concurrency, handler: h})
}

// Run drives every registered consumer plus one delayed-job mover per queue
// until ctx is canceled. Returns the first unexpected consumer error.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.specs) == 0 {
		return fmt.Errorf("worker pool has no registered queues")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range p.specs {
		spec := spec
		for i := 0; i < spec.concurrency; i++ {
			consumer := fmt.Sprintf("%s-%s", spec.queue, uuid.NewString()[:8])
			g.Go(func() error {
				return p.consume(ctx, spec, consumer)
			})
		}
		g.Go(func() error {
			return p.moveDelayed(ctx, spec.queue)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume is one consumer goroutine's loop: dequeue, handle, settle.
func (p *Pool) consume(ctx context.Context, spec queueSpec, consumer string) error {
	log := p.log.With(zap.String("queue", spec.queue), zap.String("consumer", consumer))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := p.bus.Dequeue(ctx, spec.queue, consumer, p.pollWait)
		if errors.Is(err, bus.ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, spec, consumer, job, log)
	}
}

// handle runs the handler under the job timeout and settles the delivery
// according to the error classification.
func (p *Pool) handle(ctx context.Context, spec queueSpec, consumer string, job *bus.Job, log *zap.Logger) {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	m := telemetry.Pipeline()
	jobCtx, span, start := m.StartJob(jobCtx, spec.queue, job.ID)
	err := spec.handler(jobCtx, job)
	m.EndJob(jobCtx, span, start, spec.queue, err)

	// Settlement runs on the parent context so a job-timeout does not also
	// doom the nack.
	switch {
	case err == nil:
		if ackErr := p.bus.Ack(ctx, consumer, job); ackErr != nil {
			log.Warn("ack failed", zap.String("job", job.ID), zap.Error(ackErr))
		}

	case errors.Is(err, llm.ErrDegraded):
		// The model endpoint is down, not the job. Requeue without burning
		// an attempt and flag the queue so status surfaces the outage.
		log.Warn("llm degraded, parking job",
			zap.String("job", job.ID), zap.Duration("delay", p.parkDelay))
		if parkErr := p.bus.Park(ctx, consumer, job, p.parkDelay, p.degradedTTL); parkErr != nil {
			log.Error("park failed", zap.String("job", job.ID), zap.Error(parkErr))
		}

	default:
		kind := errs.KindOf(err)
		switch kind {
		case errs.Policy:
			// Rejected input. Logged and dropped; retrying cannot help.
			log.Warn("job rejected",
				zap.String("job", job.ID), zap.String("name", job.Name), zap.Error(err))
			if ackErr := p.bus.Ack(ctx, consumer, job); ackErr != nil {
				log.Warn("ack failed", zap.String("job", job.ID), zap.Error(ackErr))
			}
		case errs.Data:
			// The payload or the model output is bad in a way retries have
			// already been spent on. Preserve it for inspection.
			log.Warn("job dead-lettered",
				zap.String("job", job.ID), zap.String("name", job.Name), zap.Error(err))
			if dlErr := p.bus.DeadLetter(ctx, consumer, job, err); dlErr != nil {
				log.Error("dead-letter failed", zap.String("job", job.ID), zap.Error(dlErr))
			}
		default: // Transient, Integrity
			log.Warn("job redelivery scheduled",
				zap.String("job", job.ID),
				zap.String("kind", kind.String()),
				zap.Int("attempts", job.Attempts),
				zap.Error(err))
			if nackErr := p.bus.Nack(ctx, consumer, job, err); nackErr != nil {
				log.Error("nack failed", zap.String("job", job.ID), zap.Error(nackErr))
			}
		}
	}
}

// moveDelayed promotes due delayed jobs back onto the queue once a second.
func (p *Pool) moveDelayed(ctx context.Context, queue string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.bus.PromoteDelayed(ctx, queue); err != nil && ctx.Err() == nil {
				p.log.Warn("delayed promotion failed",
					zap.String("queue", queue), zap.Error(err))
			}
		}
	}
}
