// Package gemini implements the cadence model interfaces against the Google
// Gemini API: streaming conversation, structured decisions, summarization
// and image description.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	cadence "github.com/maelin/cadence"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini talks to one Gemini model. It implements cadence.ChatStreamer,
// cadence.Decider, cadence.Summarizer and cadence.ImageDescriber; wire
// separate instances per concern when different model sizes are wanted.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client

	temperature float64
	topP        float64
}

// New creates a new Gemini provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// ---- Wire types ----

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         *string `json:"text"`
				Thought      bool    `json:"thought"`
				FunctionCall *struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// ---- Body builder ----

// buildBody constructs the Gemini request body from a chat request.
func (g *Gemini) buildBody(req cadence.ChatRequest) map[string]any {
	var contents []map[string]any

	for _, m := range req.Messages {
		switch m.Kind {
		case cadence.KindAgent:
			parts := []map[string]any{}
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": tc.Name, "args": args},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case cadence.KindTool:
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.ToolCallID,
							"response": map[string]any{
								"status": m.Status,
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			content := m.Content
			if content == "" {
				content = " "
			}
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"text": content}},
			})
		}
	}

	body := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"temperature": g.temperature,
			"topP":        g.topP,
		},
	}

	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := any(t.Parameters)
			if t.Parameters == nil {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}

	return body
}

// ---- Streaming chat ----

// ChatStream streams text deltas into ch, then returns the final accumulated
// response including tool calls. The channel is not closed by the callee.
func (g *Gemini) ChatStream(ctx context.Context, req cadence.ChatRequest, ch chan<- string) (cadence.ChatResponse, error) {
	body := g.buildBody(req)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)

	resp, err := g.post(ctx, url, body)
	if err != nil {
		return cadence.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	var toolCalls []cadence.ToolCall

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}

		var parsed geminiResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue
		}
		for _, cand := range parsed.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Thought {
					continue
				}
				if part.Text != nil && *part.Text != "" {
					content.WriteString(*part.Text)
					ch <- *part.Text
				}
				if part.FunctionCall != nil {
					toolCalls = append(toolCalls, cadence.ToolCall{
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					})
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return cadence.ChatResponse{}, fmt.Errorf("gemini: read stream: %w", err)
	}

	return cadence.ChatResponse{Content: content.String(), ToolCalls: toolCalls}, nil
}

// ---- Decisions ----

// Decide asks the model for exactly one of the allowed choices, enforced
// through a structured enum response.
func (g *Gemini) Decide(ctx context.Context, prompt string, choices []string) (string, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]any{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":      g.temperature,
			"responseMimeType": "text/x.enum",
			"responseSchema": map[string]any{
				"type": "STRING",
				"enum": choices,
			},
		},
	}
	out, err := g.generate(ctx, body)
	if err != nil {
		return "", err
	}
	choice := strings.TrimSpace(out)
	for _, c := range choices {
		if choice == c {
			return choice, nil
		}
	}
	return "", fmt.Errorf("gemini: decision %q not among choices", choice)
}

// ---- Summaries ----

// Summarize runs a single-shot completion over the given text.
func (g *Gemini) Summarize(ctx context.Context, text string) (string, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]any{{"text": text}}},
		},
		"generationConfig": map[string]any{"temperature": g.temperature},
	}
	out, err := g.generate(ctx, body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ---- Vision ----

// DescribeImage asks the model to describe the image at url. The image is
// passed by reference; Gemini fetches it server side.
func (g *Gemini) DescribeImage(ctx context.Context, url string) (string, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{
				"role": "user",
				"parts": []map[string]any{
					{"text": "Describe this image in a short paragraph."},
					{"fileData": map[string]any{"fileUri": url}},
				},
			},
		},
		"generationConfig": map[string]any{"temperature": g.temperature},
	}
	out, err := g.generate(ctx, body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ---- Plumbing ----

// generate performs a non-streaming generateContent call and returns the
// concatenated text parts.
func (g *Gemini) generate(ctx context.Context, body map[string]any) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)

	resp, err := g.post(ctx, url, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("gemini: parse response: %w", err)
	}

	var content strings.Builder
	for _, cand := range parsed.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Thought || part.Text == nil {
				continue
			}
			content.WriteString(*part.Text)
		}
	}
	return content.String(), nil
}

func (g *Gemini) post(ctx context.Context, url string, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
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
	_ cadence.ChatStreamer   = (*Gemini)(nil)
	_ cadence.Decider        = (*Gemini)(nil)
	_ cadence.Summarizer     = (*Gemini)(nil)
	_ cadence.ImageDescriber = (*Gemini)(nil)
)
