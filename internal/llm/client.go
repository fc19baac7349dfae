// Package llm wraps the model endpoint behind a small Client interface and
// layers on what the pipeline needs around raw completions: bounded retry
// with exponential backoff, a circuit breaker, response sanitization, JSON
// schema validation with a self-correction loop, and the prompt templates
// for every analytical pass.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/telemetry"
)

// ErrDegraded is returned while the circuit breaker is open. Workers park
// the job for the cool-down window instead of counting a failure.
var ErrDegraded = errors.New("llm endpoint degraded")

// ErrAPIKeyRequired is returned when no API key is configured.
var ErrAPIKeyRequired = errors.New("API key required")

// Client is the one capability the analysis passes need from the model.
type Client interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Options configures the Anthropic-backed client.
type Options struct {
	APIKey           string
	BaseURL          string // optional override for proxies and fakes
	Model            string
	RetryCount       int
	BackoffFactor    int
	InitialBackoff   time.Duration
	RequestTimeout   time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// AnthropicClient implements Client against the Anthropic messages API.
type AnthropicClient struct {
	client         anthropic.Client
	model          anthropic.Model
	retryCount     int
	backoffFactor  float64
	initialBackoff time.Duration
	requestTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker
	log            *zap.Logger
}

// Verify interface satisfaction at compile time.
var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient builds the production client. The breaker trips after
// the configured run of consecutive failures and opens for the cool-down
// window; calls made while it is open fail fast with ErrDegraded.
func NewAnthropicClient(opts Options, log *zap.Logger) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: set TRELLIS_LLM_API_KEY or ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	threshold := opts.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	c := &AnthropicClient{
		client:         anthropic.NewClient(reqOpts...),
		model:          anthropic.Model(opts.Model),
		retryCount:     opts.RetryCount,
		backoffFactor:  float64(opts.BackoffFactor),
		initialBackoff: opts.InitialBackoff,
		requestTimeout: opts.RequestTimeout,
		log:            log,
	}
	if c.backoffFactor < 1 {
		c.backoffFactor = 2
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = time.Second
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 2 * time.Minute
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("llm breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c, nil
}

// Complete sends one prompt and returns the text of the response. Transient
// failures are retried with exponential backoff inside a single breaker
// execution, so a fully exhausted retry budget counts as one failure
// against the trip threshold.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.callWithRetry(ctx, prompt, maxTokens)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", ErrDegraded
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *AnthropicClient) callWithRetry(ctx context.Context, prompt string, maxTokens int) (string, error) {
	tracer := telemetry.Tracer("github.com/trellislabs/trellis/llm")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("trellis.model", string(c.model)))

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.Multiplier = c.backoffFactor
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // the retry count is the budget, not wall time

	attempts := 0
	var text string
	operation := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		t0 := time.Now()
		message, err := c.client.Messages.New(callCtx, params)
		if err != nil {
			telemetry.Pipeline().RecordLLM(ctx, string(c.model), 0, 0, err)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !isRetryable(err) {
				return backoff.Permanent(errs.Wrapf(errs.Transient, err, "llm call failed"))
			}
			c.log.Debug("llm call retrying",
				zap.Int("attempt", attempts),
				zap.Duration("elapsed", time.Since(t0)),
				zap.Error(err))
			return err
		}

		telemetry.Pipeline().RecordLLM(ctx, string(c.model),
			message.Usage.InputTokens, message.Usage.OutputTokens, nil)
		span.SetAttributes(
			attribute.Int64("trellis.llm.input_tokens", message.Usage.InputTokens),
			attribute.Int64("trellis.llm.output_tokens", message.Usage.OutputTokens),
			attribute.Int("trellis.llm.attempts", attempts),
		)

		if len(message.Content) == 0 {
			return backoff.Permanent(errs.New(errs.Data, "llm response has no content blocks"))
		}
		content := message.Content[0]
		if content.Type != "text" {
			return backoff.Permanent(errs.Newf(errs.Data, "llm response is not text (type=%s)", content.Type))
		}
		text = content.Text
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retryCount)), ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return "", permanent.Err
		}
		return "", errs.Wrapf(errs.Transient, err, "llm call failed after %d attempts", attempts)
	}
	return text, nil
}

// isRetryable classifies transport errors: 429 and 5xx responses and
// network timeouts retry, everything else fails the attempt permanently.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The per-call timeout expiring is retryable as long as the job
		// context is still live; the caller checks ctx.Err separately.
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
