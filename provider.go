package cadence

import "context"

// ChatRequest is the model-facing view of one conversation turn.
type ChatRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// ChatResponse is the complete model output for a turn.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ChatStreamer abstracts the conversational model backend.
type ChatStreamer interface {
	// ChatStream streams raw output into ch, then returns the final response
	// including any tool calls. The channel is not closed by the callee.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the backend name.
	Name() string
}

// Decider returns one structured decision among the allowed choices.
type Decider interface {
	Decide(ctx context.Context, prompt string, choices []string) (string, error)
}

// Summarizer condenses rendered conversation text into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// ImageDescriber produces a textual description of the image at url.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, url string) (string, error)
}
