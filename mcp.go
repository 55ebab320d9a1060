package cadence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// processingPlaceholder is the content of a synthesized response for a tool
// that has not finished yet.
const processingPlaceholder = "Tool is being executed on the MCP server, this message will be updated once done."

// Request schedules one tool call for asynchronous execution.
type Request struct {
	Call      ToolCall
	CreatedAt time.Time
	// Webhook, when set, is notified on completion. Quick completions inside
	// the response window skip it unless IgnoreWebhookOnQuickCompletion is
	// false.
	Webhook                        string
	IgnoreWebhookOnQuickCompletion bool
}

// NewRequest builds a request with the default webhook behavior.
func NewRequest(call ToolCall) Request {
	return Request{Call: call, CreatedAt: time.Now(), IgnoreWebhookOnQuickCompletion: true}
}

// Response is the execution outcome for one tool call. Status is the
// internal lifecycle status (processing, completed or failed); Content and
// the external status derived from it end up in the hosting message's
// ToolState.
type Response struct {
	ToolCallID   string
	Status       ToolStatus
	Content      string
	Artifact     map[string]any
	ResponseTime time.Duration
	// Updates lets introspective tools feed history changes back through
	// the reducer.
	Updates *InternalUpdates
}

// WakeFunc delivers a wake-up to the runtime so a finished tool can resume
// the conversation that scheduled it. Implementations must not block on the
// resulting pipeline run.
type WakeFunc func(ctx context.Context, w WakeUp)

// Thread executes the tool calls of one conversation thread. Terminal
// responses queue up until drained; pending calls are visible as synthesized
// processing responses.
type Thread struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string]Request
	terminal []Response

	toolkit *ToolKit
	wake    WakeFunc
	logger  *slog.Logger
}

func newThread(toolkit *ToolKit, wake WakeFunc, logger *slog.Logger) *Thread {
	t := &Thread{
		pending: make(map[string]Request),
		toolkit: toolkit,
		wake:    wake,
		logger:  logger,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// AddRequest registers the request and starts executing it in its own
// goroutine.
func (t *Thread) AddRequest(ctx context.Context, req Request, local map[string]any) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	t.mu.Lock()
	t.pending[req.Call.ID] = req
	t.mu.Unlock()

	go t.process(ctx, req, local)
}

func (t *Thread) process(ctx context.Context, req Request, local map[string]any) {
	start := time.Now()
	result := t.toolkit.Run(ctx, req.Call, local)

	resp := Response{
		ToolCallID:   req.Call.ID,
		Content:      result.Content,
		Artifact:     result.Artifact,
		ResponseTime: time.Since(start),
	}
	if result.Status == "success" {
		resp.Status = ToolCompleted
	} else {
		resp.Status = ToolFailed
	}
	if u, ok := result.Artifact["updates"].(*InternalUpdates); ok {
		resp.Updates = u
	}

	t.mu.Lock()
	t.terminal = append(t.terminal, resp)
	delete(t.pending, req.Call.ID)
	t.cond.Broadcast()
	t.mu.Unlock()

	// Resume the conversation that asked for the tool. The requestor
	// argument routes the wake-up to the user's channel; without it the
	// current channel is woken.
	if t.wake != nil {
		w := WakeUp{UnlessActiveSince: time.Now()}
		if requestor := req.Call.StringArg("requestor"); requestor != "" {
			w.UserName = requestor
		}
		t.wake(context.WithoutCancel(ctx), w)
	}
}

// CurrentResponses drains the terminal responses and synthesizes a
// processing response for every still-pending request. Terminal responses
// are returned once; processing ones reappear on every call until their tool
// finishes.
func (t *Thread) CurrentResponses() []Response {
	t.mu.Lock()
	defer t.mu.Unlock()

	responses := t.terminal
	t.terminal = nil
	for id, req := range t.pending {
		responses = append(responses, Response{
			ToolCallID:   id,
			Status:       ToolProcessing,
			Content:      processingPlaceholder,
			ResponseTime: time.Since(req.CreatedAt),
		})
	}
	return responses
}

// PendingCount reports how many requests are still executing.
func (t *Thread) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// WaitCompleted blocks until every pending request has finished or the
// context is done.
func (t *Thread) WaitCompleted(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.pending) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.cond.Wait()
	}
	return nil
}

// Client owns one execution thread per conversation thread and implements
// the quick-response window: callers get terminal responses immediately when
// every tool finishes inside the window, processing placeholders otherwise.
type Client struct {
	mu      sync.Mutex
	threads map[string]*Thread

	toolkit *ToolKit
	wake    WakeFunc
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithWakeFunc sets the wake-up delivery used when tools complete.
func WithWakeFunc(w WakeFunc) ClientOption {
	return func(c *Client) { c.wake = w }
}

// WithClientLogger sets the client logger. Defaults to a discard handler.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client executing tools from the given toolkit.
func NewClient(toolkit *ToolKit, opts ...ClientOption) *Client {
	c := &Client{
		threads: make(map[string]*Thread),
		toolkit: toolkit,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Thread returns the execution thread for the given id, creating it on
// first use.
func (c *Client) Thread(threadID string) *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[threadID]
	if !ok {
		t = newThread(c.toolkit, c.wake, c.logger)
		c.threads[threadID] = t
	}
	return t
}

// AddRequests schedules the requests on the thread.
func (c *Client) AddRequests(ctx context.Context, threadID string, requests []Request, local map[string]any) {
	t := c.Thread(threadID)
	for _, req := range requests {
		t.AddRequest(ctx, req, local)
	}
}

// GetResponses waits until either every pending tool on the thread finishes
// or the timeout elapses, then returns the current responses. The timeout is
// a response window, not a cancellation: tools keep running after it and
// wake the pipeline when done.
func (c *Client) GetResponses(ctx context.Context, threadID string, timeout time.Duration) []Response {
	t := c.Thread(threadID)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_ = t.WaitCompleted(waitCtx)

	return t.CurrentResponses()
}
