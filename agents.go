package cadence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Waiting is the activity meaning the agent holds its turn instead of
// speaking.
const Waiting = "waiting"

// refMarker delimits an inline reply reference in streamed model output:
// the text between two markers names the start of the message being
// replied to.
const refMarker = "¤"

// AgentSpec describes one selectable agent persona.
type AgentSpec struct {
	// RoutingDescription tells the selector when to pick this agent.
	RoutingDescription string
	// MemoryDescription is the short self-description used in prompts about
	// the agent's abilities.
	MemoryDescription string
	// Prompt is appended to the base system prompt when the agent speaks.
	Prompt string
	// Tools are the tool definitions bound to the agent's model calls.
	Tools []ToolDefinition
	// Includable agents are offered to the selector; the default agent
	// usually is not, being the fallback.
	Includable bool
}

// AgentRegistry is the static set of agent personas, keyed by activity
// name. Built at process init; not safe for concurrent mutation.
type AgentRegistry struct {
	agents       map[string]AgentSpec
	defaultAgent string
}

// NewAgentRegistry creates a registry whose fallback is defaultAgent. The
// default must be registered before the registry is used.
func NewAgentRegistry(defaultAgent string) *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]AgentSpec), defaultAgent: defaultAgent}
}

// Register adds or replaces a persona.
func (r *AgentRegistry) Register(name string, spec AgentSpec) {
	r.agents[name] = spec
}

// Get returns the persona for an activity name.
func (r *AgentRegistry) Get(name string) (AgentSpec, bool) {
	spec, ok := r.agents[name]
	return spec, ok
}

// Default returns the fallback agent name.
func (r *AgentRegistry) Default() string { return r.defaultAgent }

// RoutingChoices returns the includable agent names, sorted.
func (r *AgentRegistry) RoutingChoices() []string {
	var names []string
	for name, spec := range r.agents {
		if spec.Includable {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RoutingPrompt renders the special-agent section of the selector prompt.
func (r *AgentRegistry) RoutingPrompt() string {
	choices := r.RoutingChoices()
	if len(choices) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nIf the recent users have specific requests, you may select one of these special agents:")
	for _, name := range choices {
		fmt.Fprintf(&b, "\n- %q: %s", name, r.agents[name].RoutingDescription)
	}
	b.WriteString("\nIf nothing applies, select no special agent.")
	return b.String()
}

// referenceResolver turns streamed model output into literal events plus
// #reference# events. Text between two reference markers is matched against
// the earliest human message starting with it (case-insensitive); the
// markers and the matched text never reach the adapter as literals.
type referenceResolver struct {
	channel *Channel
	emit    EmitFunc
	active  bool
	buf     strings.Builder
}

func (r *referenceResolver) feed(chunk string) {
	for chunk != "" {
		idx := strings.Index(chunk, refMarker)
		if idx < 0 {
			if r.active {
				r.buf.WriteString(chunk)
			} else {
				r.emit(chunk)
			}
			return
		}
		head := chunk[:idx]
		if r.active {
			r.buf.WriteString(head)
			r.resolve()
			r.active = false
		} else {
			if head != "" {
				r.emit(head)
			}
			r.active = true
		}
		chunk = chunk[idx+len(refMarker):]
	}
}

func (r *referenceResolver) resolve() {
	prefix := strings.ToLower(strings.TrimSpace(r.buf.String()))
	r.buf.Reset()
	if prefix == "" {
		return
	}
	for _, m := range r.channel.Messages {
		if m.Kind != KindHuman {
			continue
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(m.Content)), prefix) {
			if m.MessageID != "" {
				r.emit(ReferenceEvent(m.MessageID))
			}
			return
		}
	}
}

// Converse streams one conversational turn from the model: literal tokens
// and reference events are emitted as they arrive; on completion a #send#
// flush and one #tool# event per call are emitted, and the new agent message
// is returned as updates for the current channel.
func Converse(ctx context.Context, model ChatStreamer, reg *AgentRegistry, h *History, activity, agentName string, emit EmitFunc) (*InternalUpdates, error) {
	channel := h.Current()

	spec, ok := reg.Get(activity)
	if !ok {
		return nil, fmt.Errorf("unknown activity: %s", activity)
	}

	prompt := fmt.Sprintf(
		"Your name is %s.\nYou are chatting in the channel %s.\nYou can see links and images through the annotations between [].",
		agentName, channel.Name,
	)
	if channelHasMessageIDs(channel) {
		prompt += "\nYou can reply-link to a user's message by rewriting the start of it between " + refMarker + refMarker +
			" markers at the beginning of your answer.\nFor example " +
			refMarker + "the code is 12" + refMarker + "you gave the code here."
	}
	if spec.Prompt != "" {
		prompt += "\n" + spec.Prompt
	}

	rendered := Render(h, NewRenderOptions())

	resolver := &referenceResolver{channel: channel, emit: emit}
	ch := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range ch {
			resolver.feed(chunk)
		}
	}()

	resp, err := model.ChatStream(ctx, ChatRequest{System: prompt, Messages: rendered, Tools: spec.Tools}, ch)
	close(ch)
	<-done
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}

	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return NewInternalUpdates(), nil
	}

	emit(DirectiveSend)
	calls := make([]ToolCall, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		if tc.ID == "" {
			tc.ID = uuid.NewString()
		}
		calls[i] = tc
		emit(ToolEvent(tc))
	}

	updates := NewInternalUpdates()
	cu := updates.Channel(channel.ID)
	cu.NewMessages = append(cu.NewMessages, NewAgentMessage(resp.Content, time.Now(), activity, calls))
	return updates, nil
}

// channelHasMessageIDs reports whether any recent human message carries an
// adapter message id, which is what reply references resolve to.
func channelHasMessageIDs(c *Channel) bool {
	for i := len(c.Messages) - 1; i >= 0 && i >= len(c.Messages)-20; i-- {
		m := c.Messages[i]
		if m.Kind == KindHuman && m.MessageID != "" {
			return true
		}
	}
	return false
}
