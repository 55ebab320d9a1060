package cadence

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a sliding one-minute request budget. One limiter can
// be shared across several wrapped providers so they draw from the same
// backend quota.
type RateLimiter struct {
	mu     sync.Mutex
	rpm    int
	window []time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute.
// A non-positive rpm disables limiting.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{rpm: rpm}
}

// Wait blocks until the budget allows a request, then records it.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rpm <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		i := 0
		for i < len(r.window) && r.window[i].Before(cutoff) {
			i++
		}
		r.window = r.window[i:]

		if len(r.window) < r.rpm {
			r.window = append(r.window, now)
			r.mu.Unlock()
			return nil
		}

		// Sleep until the oldest recorded request slides out of the window.
		wait := r.window[0].Add(time.Minute).Sub(now)
		r.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// rateLimitStreamer wraps a ChatStreamer behind a shared RateLimiter.
type rateLimitStreamer struct {
	inner   ChatStreamer
	limiter *RateLimiter
}

// WithRateLimit wraps model with proactive rate limiting. Compose with
// other wrappers:
//
//	limiter := cadence.NewRateLimiter(60)
//	model = cadence.WithRateLimit(cadence.WithRetry(provider), limiter)
func WithRateLimit(model ChatStreamer, limiter *RateLimiter) ChatStreamer {
	return &rateLimitStreamer{inner: model, limiter: limiter}
}

func (r *rateLimitStreamer) Name() string { return r.inner.Name() }

func (r *rateLimitStreamer) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return ChatResponse{}, err
	}
	return r.inner.ChatStream(ctx, req, ch)
}

type rateLimitDecider struct {
	inner   Decider
	limiter *RateLimiter
}

// WithDecideRateLimit wraps d behind a shared RateLimiter.
func WithDecideRateLimit(d Decider, limiter *RateLimiter) Decider {
	return &rateLimitDecider{inner: d, limiter: limiter}
}

func (r *rateLimitDecider) Decide(ctx context.Context, prompt string, choices []string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.Decide(ctx, prompt, choices)
}

type rateLimitSummarizer struct {
	inner   Summarizer
	limiter *RateLimiter
}

// WithSummarizeRateLimit wraps s behind a shared RateLimiter.
func WithSummarizeRateLimit(s Summarizer, limiter *RateLimiter) Summarizer {
	return &rateLimitSummarizer{inner: s, limiter: limiter}
}

func (r *rateLimitSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.Summarize(ctx, text)
}

type rateLimitDescriber struct {
	inner   ImageDescriber
	limiter *RateLimiter
}

// WithDescribeRateLimit wraps d behind a shared RateLimiter.
func WithDescribeRateLimit(d ImageDescriber, limiter *RateLimiter) ImageDescriber {
	return &rateLimitDescriber{inner: d, limiter: limiter}
}

func (r *rateLimitDescriber) DescribeImage(ctx context.Context, url string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.DescribeImage(ctx, url)
}

// compile-time checks
var (
	_ ChatStreamer   = (*rateLimitStreamer)(nil)
	_ Decider        = (*rateLimitDecider)(nil)
	_ Summarizer     = (*rateLimitSummarizer)(nil)
	_ ImageDescriber = (*rateLimitDescriber)(nil)
)
