// Package openaicompat implements the cadence model interfaces against any
// OpenAI-compatible chat completions endpoint: streaming conversation,
// structured decisions, summarization and image description. It covers the
// official API as well as self-hosted gateways that speak the same wire
// format.
package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	cadence "github.com/maelin/cadence"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client talks to one model behind an OpenAI-compatible endpoint. It
// implements cadence.ChatStreamer, cadence.Decider, cadence.Summarizer and
// cadence.ImageDescriber; wire separate instances per concern when different
// model sizes are wanted.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client

	temperature float64
	topP        float64
}

// New creates a provider for the given endpoint. An empty baseURL selects
// the official OpenAI API.
func New(apiKey, model, baseURL string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns "openaicompat".
func (c *Client) Name() string { return "openaicompat" }

// ---- Wire types ----

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatBody struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	Tools          []wireTool    `json:"tools,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
	Temperature    float64       `json:"temperature"`
	TopP           float64       `json:"top_p,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// ---- Body builder ----

// buildMessages converts a chat request into OpenAI wire messages. Tool
// results travel as role "tool" entries keyed by the originating call id.
func (c *Client) buildMessages(req cadence.ChatRequest) []wireMessage {
	var msgs []wireMessage

	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		switch m.Kind {
		case cadence.KindAgent:
			wm := wireMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil || tc.Args == nil {
					args = []byte("{}")
				}
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			msgs = append(msgs, wm)

		case cadence.KindTool:
			result, _ := json.Marshal(map[string]string{
				"status": m.Status,
				"result": m.Content,
			})
			msgs = append(msgs, wireMessage{
				Role:       "tool",
				Content:    string(result),
				ToolCallID: m.ToolCallID,
			})

		default:
			content := m.Content
			if content == "" {
				content = " "
			}
			msgs = append(msgs, wireMessage{Role: "user", Content: content})
		}
	}
	return msgs
}

func buildTools(defs []cadence.ToolDefinition) []wireTool {
	tools := make([]wireTool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, wireTool{
			Type: "function",
			Function: toolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// ---- Streaming chat ----

// ChatStream streams text deltas into ch, then returns the final accumulated
// response including tool calls. The channel is not closed by the callee.
func (c *Client) ChatStream(ctx context.Context, req cadence.ChatRequest, ch chan<- string) (cadence.ChatResponse, error) {
	body := chatBody{
		Model:       c.model,
		Messages:    c.buildMessages(req),
		Tools:       buildTools(req.Tools),
		Stream:      true,
		Temperature: c.temperature,
		TopP:        c.topP,
	}

	resp, err := c.post(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return cadence.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	// Tool calls arrive sliced across chunks; the index groups the pieces and
	// the argument fragments concatenate in arrival order.
	type partial struct {
		id   string
		name string
		args strings.Builder
	}
	partials := map[int]*partial{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok || data == "" || data == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				ch <- choice.Delta.Content
			}
			for _, tc := range choice.Delta.ToolCalls {
				p := partials[tc.Index]
				if p == nil {
					p = &partial{}
					partials[tc.Index] = p
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return cadence.ChatResponse{}, fmt.Errorf("openaicompat: read stream: %w", err)
	}

	indexes := make([]int, 0, len(partials))
	for i := range partials {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var toolCalls []cadence.ToolCall
	for _, i := range indexes {
		p := partials[i]
		args := map[string]any{}
		if raw := p.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return cadence.ChatResponse{}, fmt.Errorf("openaicompat: tool call %s arguments: %w", p.name, err)
			}
		}
		toolCalls = append(toolCalls, cadence.ToolCall{ID: p.id, Name: p.name, Args: args})
	}

	return cadence.ChatResponse{Content: content.String(), ToolCalls: toolCalls}, nil
}

// ---- Decisions ----

// Decide asks the model for exactly one of the allowed choices, enforced
// through a strict structured output schema.
func (c *Client) Decide(ctx context.Context, prompt string, choices []string) (string, error) {
	body := chatBody{
		Model:       c.model,
		Messages:    []wireMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "decision",
				"strict": true,
				"schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"choice": map[string]any{"type": "string", "enum": choices},
					},
					"required":             []string{"choice"},
					"additionalProperties": false,
				},
			},
		},
	}
	out, err := c.complete(ctx, body)
	if err != nil {
		return "", err
	}

	var decision struct {
		Choice string `json:"choice"`
	}
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		return "", fmt.Errorf("openaicompat: parse decision %q: %w", out, err)
	}
	for _, choice := range choices {
		if decision.Choice == choice {
			return choice, nil
		}
	}
	return "", fmt.Errorf("openaicompat: decision %q not among choices", decision.Choice)
}

// ---- Summaries ----

// Summarize runs a single-shot completion over the given text.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	body := chatBody{
		Model:       c.model,
		Messages:    []wireMessage{{Role: "user", Content: text}},
		Temperature: c.temperature,
	}
	out, err := c.complete(ctx, body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ---- Vision ----

// DescribeImage asks the model to describe the image at url, passed as an
// image_url content block.
func (c *Client) DescribeImage(ctx context.Context, url string) (string, error) {
	body := chatBody{
		Model: c.model,
		Messages: []wireMessage{{
			Role: "user",
			Content: []map[string]any{
				{"type": "text", "text": "Describe this image in a short paragraph."},
				{"type": "image_url", "image_url": map[string]any{"url": url}},
			},
		}},
		Temperature: c.temperature,
	}
	out, err := c.complete(ctx, body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ---- Plumbing ----

// complete performs a non-streaming completion and returns the first
// choice's content.
func (c *Client) complete(ctx context.Context, body chatBody) (string, error) {
	resp, err := c.post(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openaicompat: read response: %w", err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("openaicompat: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openaicompat: response carried no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, url string, body chatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &cadence.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: retryAfterHeader(resp),
		}
	}
	return resp, nil
}

// retryAfterHeader parses a Retry-After header given in seconds. HTTP-date
// values are ignored.
func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// compile-time checks
var (
	_ cadence.ChatStreamer   = (*Client)(nil)
	_ cadence.Decider        = (*Client)(nil)
	_ cadence.Summarizer     = (*Client)(nil)
	_ cadence.ImageDescriber = (*Client)(nil)
)
