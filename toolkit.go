package cadence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ToolResult is the outcome of one tool execution. Status uses the external
// vocabulary ("success" or "error"). Artifact carries structured side
// output; an "updates" entry holding *InternalUpdates lets introspective
// tools rewrite history through the reducer.
type ToolResult struct {
	Content  string
	Status   string
	Artifact map[string]any
}

// ToolFunc executes a single tool call. local carries per-run context the
// pipeline injects (current channel, history snapshot) without the model
// seeing it as an argument.
type ToolFunc func(ctx context.Context, call ToolCall, local map[string]any) (ToolResult, error)

// ToolKit is a static registry of executable tools, built once at process
// init and shared between the executor and the model-facing schema.
type ToolKit struct {
	tools  map[string]ToolFunc
	logger *slog.Logger
}

// ToolKitOption configures a ToolKit.
type ToolKitOption func(*ToolKit)

// WithToolKitLogger sets the toolkit logger. Defaults to a discard handler.
func WithToolKitLogger(l *slog.Logger) ToolKitOption {
	return func(tk *ToolKit) {
		if l != nil {
			tk.logger = l
		}
	}
}

// NewToolKit creates an empty registry.
func NewToolKit(opts ...ToolKitOption) *ToolKit {
	tk := &ToolKit{tools: make(map[string]ToolFunc), logger: nopLogger}
	for _, opt := range opts {
		opt(tk)
	}
	return tk
}

// Register adds a tool under the given name, replacing any previous entry.
func (tk *ToolKit) Register(name string, fn ToolFunc) {
	tk.tools[name] = fn
}

// Has reports whether a tool is registered.
func (tk *ToolKit) Has(name string) bool {
	_, ok := tk.tools[name]
	return ok
}

// Names returns the registered tool names sorted.
func (tk *ToolKit) Names() []string {
	names := make([]string, 0, len(tk.tools))
	for name := range tk.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one call. Failures never propagate as errors: an unknown
// tool, a returned error or a panic all produce an error-status result so
// the conversation can carry the failure back to the model.
func (tk *ToolKit) Run(ctx context.Context, call ToolCall, local map[string]any) (result ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			tk.logger.Error("tool panicked", "tool", call.Name, "tool_call_id", call.ID, "panic", r)
			result = ToolResult{Status: "error", Content: fmt.Sprintf("Tool %s panicked: %v", call.Name, r)}
		}
	}()

	fn, ok := tk.tools[call.Name]
	if !ok {
		return ToolResult{Status: "error", Content: fmt.Sprintf("Unknown tool: %s", call.Name)}
	}

	start := time.Now()
	res, err := fn(ctx, call, local)
	if err != nil {
		tk.logger.Warn("tool failed", "tool", call.Name, "tool_call_id", call.ID, "error", err, "duration", time.Since(start))
		return ToolResult{Status: "error", Content: "Failed to execute the tool: " + err.Error()}
	}
	if res.Status == "" {
		res.Status = "success"
	}
	tk.logger.Debug("tool completed", "tool", call.Name, "tool_call_id", call.ID, "duration", time.Since(start))
	return res
}
