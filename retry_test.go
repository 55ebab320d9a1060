package cadence

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type flakyDecider struct {
	failures int
	calls    int
}

func (d *flakyDecider) Decide(ctx context.Context, prompt string, choices []string) (string, error) {
	d.calls++
	if d.calls <= d.failures {
		return "", &ErrHTTP{Status: http.StatusTooManyRequests, Body: "slow down"}
	}
	return choices[0], nil
}

func TestRetryDeciderTransient(t *testing.T) {
	d := &flakyDecider{failures: 2}
	wrapped := WithDecideRetry(d, RetryBaseDelay(time.Millisecond))

	choice, err := wrapped.Decide(context.Background(), "turn?", []string{"take"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if choice != "take" {
		t.Errorf("got %q", choice)
	}
	if d.calls != 3 {
		t.Errorf("expected 3 calls, got %d", d.calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	d := &flakyDecider{failures: 10}
	wrapped := WithDecideRetry(d, RetryBaseDelay(time.Millisecond), RetryMaxAttempts(2))

	_, err := wrapped.Decide(context.Background(), "turn?", []string{"take"})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusTooManyRequests {
		t.Fatalf("unexpected error %v", err)
	}
	if d.calls != 2 {
		t.Errorf("expected 2 calls, got %d", d.calls)
	}
}

type badRequestDecider struct{ calls int }

func (d *badRequestDecider) Decide(ctx context.Context, prompt string, choices []string) (string, error) {
	d.calls++
	return "", &ErrHTTP{Status: http.StatusBadRequest, Body: "nope"}
}

func TestRetrySkipsNonTransient(t *testing.T) {
	d := &badRequestDecider{}
	wrapped := WithDecideRetry(d, RetryBaseDelay(time.Millisecond))

	if _, err := wrapped.Decide(context.Background(), "turn?", []string{"take"}); err == nil {
		t.Fatal("expected error")
	}
	if d.calls != 1 {
		t.Errorf("expected 1 call, got %d", d.calls)
	}
}

type flakyStreamer struct {
	failures   int
	calls      int
	tokenFirst bool
}

func (s *flakyStreamer) Name() string { return "flaky" }

func (s *flakyStreamer) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	s.calls++
	if s.calls <= s.failures {
		if s.tokenFirst {
			ch <- "partial"
		}
		return ChatResponse{}, &ErrHTTP{Status: http.StatusServiceUnavailable, Body: "overloaded"}
	}
	ch <- "hello"
	return ChatResponse{Content: "hello"}, nil
}

func TestRetryStreamerBeforeTokens(t *testing.T) {
	s := &flakyStreamer{failures: 1}
	wrapped := WithRetry(s, RetryBaseDelay(time.Millisecond))

	ch := make(chan string, 16)
	resp, err := wrapped.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content %q", resp.Content)
	}
	if s.calls != 2 {
		t.Errorf("expected 2 calls, got %d", s.calls)
	}
	close(ch)
	var got string
	for chunk := range ch {
		got += chunk
	}
	if got != "hello" {
		t.Errorf("streamed %q", got)
	}
}

func TestRetryStreamerStopsAfterTokens(t *testing.T) {
	s := &flakyStreamer{failures: 1, tokenFirst: true}
	wrapped := WithRetry(s, RetryBaseDelay(time.Millisecond))

	ch := make(chan string, 16)
	_, err := wrapped.ChatStream(context.Background(), ChatRequest{}, ch)
	if err == nil {
		t.Fatal("expected error once output was streamed")
	}
	if s.calls != 1 {
		t.Errorf("expected no retry after streamed output, got %d calls", s.calls)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: http.StatusTooManyRequests, RetryAfter: time.Minute}
	if d := retryDelay(time.Millisecond, 0, err); d != time.Minute {
		t.Errorf("expected server hint to win, got %v", d)
	}
}

func TestIsTransient(t *testing.T) {
	if isTransient(errors.New("boom")) {
		t.Error("plain errors are not transient")
	}
	if isTransient(&ErrHTTP{Status: http.StatusBadRequest}) {
		t.Error("400 is not transient")
	}
	if !isTransient(&ErrHTTP{Status: http.StatusTooManyRequests}) {
		t.Error("429 is transient")
	}
	if !isTransient(&ErrHTTP{Status: http.StatusServiceUnavailable}) {
		t.Error("503 is transient")
	}
}
