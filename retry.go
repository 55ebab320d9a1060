package cadence

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// retryConfig holds the shared knobs for the provider retry wrappers.
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retry wrapper.
type RetryOption func(*retryConfig)

// RetryMaxAttempts sets the total number of attempts, including the first.
func RetryMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// RetryBaseDelay sets the backoff base delay. Attempt i sleeps
// base * 2^i plus jitter.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// RetryTimeout caps the total time spent across all attempts of one call.
func RetryTimeout(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.timeout = d }
}

// RetryLogger sets the logger for retry warnings.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(c *retryConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func newRetryConfig(opts []RetryOption) retryConfig {
	cfg := retryConfig{maxAttempts: 3, baseDelay: time.Second, logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// isTransient reports whether err is worth retrying: a rate limit or a
// temporarily unavailable backend.
func isTransient(err error) bool {
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.Status == http.StatusTooManyRequests ||
		httpErr.Status == http.StatusServiceUnavailable
}

func statusOf(err error) int {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// retryDelay computes the sleep before retry attempt i: exponential backoff
// with up to 50% jitter, raised to the server's Retry-After hint when that
// is larger.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	delay := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
		return httpErr.RetryAfter
	}
	return delay
}

func (c retryConfig) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(c.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// retryCall runs fn up to maxAttempts times, sleeping between transient
// failures. Non-transient errors return immediately.
func retryCall[T any](ctx context.Context, c retryConfig, name string, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < c.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		c.logger.Warn("retrying transient error",
			"provider", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", c.maxAttempts)
		if i < c.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(c.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	c.logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", c.maxAttempts,
		"error", last)
	return zero, last
}

// retryStreamer wraps a ChatStreamer and retries transient HTTP errors,
// but only while nothing has been streamed yet. Once the adapter has seen
// tokens a retry would duplicate output, so the error is surfaced instead.
type retryStreamer struct {
	inner ChatStreamer
	cfg   retryConfig
}

// WithRetry wraps model with automatic retry on transient HTTP errors
// (429, 503). Compose with any ChatStreamer:
//
//	model = cadence.WithRetry(gemini.New(apiKey, model))
//	model = cadence.WithRetry(gemini.New(apiKey, model), cadence.RetryMaxAttempts(5))
func WithRetry(model ChatStreamer, opts ...RetryOption) ChatStreamer {
	return &retryStreamer{inner: model, cfg: newRetryConfig(opts)}
}

func (r *retryStreamer) Name() string { return r.inner.Name() }

func (r *retryStreamer) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	ctx, cancel := r.cfg.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.cfg.maxAttempts; i++ {
		// Each attempt relays through its own channel, joined before the
		// retry decision, so the streamed check observes every chunk.
		streamed := false
		relay := make(chan string, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for chunk := range relay {
				streamed = true
				ch <- chunk
			}
		}()
		resp, err := r.inner.ChatStream(ctx, req, relay)
		close(relay)
		<-done
		if err == nil || !isTransient(err) || streamed {
			return resp, err
		}
		last = err
		r.cfg.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.cfg.maxAttempts)
		if i < r.cfg.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.cfg.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ChatResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return ChatResponse{}, last
}

type retryDecider struct {
	inner Decider
	cfg   retryConfig
}

// WithDecideRetry wraps d with automatic retry on transient HTTP errors.
// Accepts the same RetryOption functions as WithRetry.
func WithDecideRetry(d Decider, opts ...RetryOption) Decider {
	return &retryDecider{inner: d, cfg: newRetryConfig(opts)}
}

func (r *retryDecider) Decide(ctx context.Context, prompt string, choices []string) (string, error) {
	ctx, cancel := r.cfg.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.cfg, "decider", func() (string, error) {
		return r.inner.Decide(ctx, prompt, choices)
	})
}

type retrySummarizer struct {
	inner Summarizer
	cfg   retryConfig
}

// WithSummarizeRetry wraps s with automatic retry on transient HTTP errors.
func WithSummarizeRetry(s Summarizer, opts ...RetryOption) Summarizer {
	return &retrySummarizer{inner: s, cfg: newRetryConfig(opts)}
}

func (r *retrySummarizer) Summarize(ctx context.Context, text string) (string, error) {
	ctx, cancel := r.cfg.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.cfg, "summarizer", func() (string, error) {
		return r.inner.Summarize(ctx, text)
	})
}

type retryDescriber struct {
	inner ImageDescriber
	cfg   retryConfig
}

// WithDescribeRetry wraps d with automatic retry on transient HTTP errors.
func WithDescribeRetry(d ImageDescriber, opts ...RetryOption) ImageDescriber {
	return &retryDescriber{inner: d, cfg: newRetryConfig(opts)}
}

func (r *retryDescriber) DescribeImage(ctx context.Context, url string) (string, error) {
	ctx, cancel := r.cfg.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.cfg, "describer", func() (string, error) {
		return r.inner.DescribeImage(ctx, url)
	})
}

// compile-time checks
var (
	_ ChatStreamer   = (*retryStreamer)(nil)
	_ Decider        = (*retryDecider)(nil)
	_ Summarizer     = (*retrySummarizer)(nil)
	_ ImageDescriber = (*retryDescriber)(nil)
)
