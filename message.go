package cadence

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind discriminates the message variants stored in a channel.
type MessageKind string

const (
	// KindHuman is a message authored by an external user.
	KindHuman MessageKind = "human"
	// KindAgent is a message produced by the agent, possibly carrying tool calls.
	KindAgent MessageKind = "agent"
	// KindSystem is an informational message injected by the runtime or an adapter.
	KindSystem MessageKind = "system"
	// KindTool is a projection-only variant used when rendering an agent
	// message's tool results for the model. Tool messages are never stored
	// in a channel; the reducer rejects them.
	KindTool MessageKind = "tool"
)

// ToolStatus is the internal lifecycle status of a tool call.
//
// Transitions: unconfirmed -> confirmed | rejected | canceled (user action or
// pipeline filter), confirmed -> processing -> completed | failed.
// completed, failed, rejected and canceled are terminal.
type ToolStatus string

const (
	ToolUnconfirmed ToolStatus = "unconfirmed"
	ToolConfirmed   ToolStatus = "confirmed"
	ToolCanceled    ToolStatus = "canceled"
	ToolRejected    ToolStatus = "rejected"
	ToolProcessing  ToolStatus = "processing"
	ToolCompleted   ToolStatus = "completed"
	ToolFailed      ToolStatus = "failed"
)

// ExternalStatus maps an internal tool status to the status exposed to the
// model: only a completed call is a success, everything else reads as error.
func ExternalStatus(s ToolStatus) string {
	if s == ToolCompleted {
		return "success"
	}
	return "error"
}

// ToolCall is a structured external action requested by the agent.
// IDs are unique within a channel and within the active thread.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Clone returns a deep copy of the tool call.
func (tc ToolCall) Clone() ToolCall {
	out := tc
	if tc.Args != nil {
		out.Args = make(map[string]any, len(tc.Args))
		for k, v := range tc.Args {
			out.Args[k] = v
		}
	}
	return out
}

// StringArg returns the named argument as a string, or "" when absent or not
// a string.
func (tc ToolCall) StringArg(name string) string {
	if v, ok := tc.Args[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// BoolArg returns the named argument as a bool, or false when absent or not
// a bool.
func (tc ToolCall) BoolArg(name string) bool {
	if v, ok := tc.Args[name]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// ToolState is the per-call execution record attached to the agent message
// that owns the call. Every ToolCall on an agent message has exactly one
// ToolState.
type ToolState struct {
	// InternalStatus drives the runtime's confirmation and scheduling logic.
	InternalStatus ToolStatus `json:"internal_status"`
	// Status is the external view derived from InternalStatus via
	// ExternalStatus. Kept stored so serialized histories are self-contained.
	Status string `json:"status"`
	// Content is the tool output (or placeholder/error text).
	Content string `json:"content,omitempty"`
}

// Set updates the internal status and recomputes the external status.
// An empty content leaves the existing content untouched.
func (s *ToolState) Set(status ToolStatus, content string) {
	s.InternalStatus = status
	s.Status = ExternalStatus(status)
	if content != "" {
		s.Content = content
	}
}

// Clone returns a copy of the state.
func (s *ToolState) Clone() *ToolState {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// ToolUpdate is an externally supplied status change for a tool call,
// typically posted back by an adapter after the user confirmed or rejected
// a call on its UI.
type ToolUpdate struct {
	ToolCallID     string     `json:"tool_call_id"`
	InternalStatus ToolStatus `json:"internal_status"`
	Content        string     `json:"content,omitempty"`
}

// Message is the tagged variant stored in channel histories. Kind selects
// which optional fields are meaningful:
//
//   - human: Author, MessageID
//   - agent: Activity, ToolCalls, ToolStates
//   - system: Author, Lifespan
//
// Content, Date and Summary are common to all variants. A zero Lifespan
// means permanent; a positive Lifespan is decremented on each cleanup pass
// and the message is deleted when it would reach zero.
type Message struct {
	Kind    MessageKind `json:"type"`
	Content string      `json:"content"`
	Date    time.Time   `json:"date"`
	// Summary is a shortened stand-in used by the formatter when the
	// character budget is tight.
	Summary string `json:"summary,omitempty"`

	// Human and system messages.
	Author string `json:"author,omitempty"`
	// MessageID is the adapter-side identifier (e.g. a chat-surface message
	// id) used for reply references.
	MessageID string `json:"message_id,omitempty"`
	Lifespan  int    `json:"lifespan,omitempty"`

	// Agent messages.
	Activity   string                `json:"activity,omitempty"`
	ToolCalls  []ToolCall            `json:"tool_calls,omitempty"`
	ToolStates map[string]*ToolState `json:"tool_states,omitempty"`

	// Tool projection messages only (never stored).
	ToolCallID string `json:"tool_call_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

// NewHumanMessage builds a human message.
func NewHumanMessage(author, content string, date time.Time) Message {
	return Message{Kind: KindHuman, Author: author, Content: content, Date: date}
}

// NewSystemMessage builds a system message. lifespan <= 0 means permanent.
func NewSystemMessage(content string, date time.Time, lifespan int) Message {
	m := Message{Kind: KindSystem, Content: content, Date: date}
	if lifespan > 0 {
		m.Lifespan = lifespan
	}
	return m
}

// NewAgentMessage builds an agent message and registers a default
// unconfirmed ToolState for every tool call, so the invariant that each call
// has exactly one state holds from construction.
func NewAgentMessage(content string, date time.Time, activity string, calls []ToolCall) Message {
	m := Message{
		Kind:      KindAgent,
		Content:   content,
		Date:      date,
		Activity:  activity,
		ToolCalls: calls,
	}
	if len(calls) > 0 {
		m.ToolStates = make(map[string]*ToolState, len(calls))
		for _, tc := range calls {
			st := &ToolState{Content: "Waiting for user to confirm on the UI before running."}
			st.Set(ToolUnconfirmed, "")
			m.ToolStates[tc.ID] = st
		}
	}
	return m
}

// HasToolCalls reports whether the message carries tool calls.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// ToolCallInfo returns the call and its state for the given id.
func (m Message) ToolCallInfo(id string) (ToolCall, *ToolState, bool) {
	st, ok := m.ToolStates[id]
	if !ok {
		return ToolCall{}, nil, false
	}
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return tc, st, true
		}
	}
	return ToolCall{}, nil, false
}

// Unpack expands an agent message into itself followed by one tool
// projection message per tool call, in call order. Used by the renderer so
// the model sees tool results next to the call that produced them.
func (m Message) Unpack() []Message {
	out := []Message{m}
	for _, tc := range m.ToolCalls {
		st := m.ToolStates[tc.ID]
		if st == nil {
			continue
		}
		out = append(out, Message{
			Kind:       KindTool,
			ToolCallID: tc.ID,
			Content:    st.Content,
			Status:     st.Status,
			Date:       m.Date,
		})
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc.Clone()
		}
	}
	if m.ToolStates != nil {
		out.ToolStates = make(map[string]*ToolState, len(m.ToolStates))
		for id, st := range m.ToolStates {
			out.ToolStates[id] = st.Clone()
		}
	}
	return out
}

// Validate checks that the message is a storable variant with its
// invariants intact. Agent messages must carry exactly one state per call;
// missing states are filled with a default unconfirmed state rather than
// rejected, since adapters routinely send bare tool_calls.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindHuman, KindSystem:
		return nil
	case KindAgent:
		for _, tc := range m.ToolCalls {
			if _, ok := m.ToolStates[tc.ID]; !ok {
				if m.ToolStates == nil {
					m.ToolStates = make(map[string]*ToolState, len(m.ToolCalls))
				}
				st := &ToolState{Content: "Waiting for user to confirm on the UI before running."}
				st.Set(ToolUnconfirmed, "")
				m.ToolStates[tc.ID] = st
			}
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrUnknownMessageKind)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageKind, m.Kind)
	}
}

// displayContent returns the summary when present and allowed, else the
// full content.
func (m Message) displayContent(useSummary bool) string {
	if useSummary && m.Summary != "" {
		return m.Summary
	}
	return m.Content
}

// Summary is a textual abstraction covering the span [MinDate, MaxDate],
// used in place of its messages when the character budget is tight.
type Summary struct {
	MinDate time.Time `json:"min_date"`
	MaxDate time.Time `json:"max_date"`
	Text    string    `json:"summary"`
}

// summaryKey is the canonical map key for a summary's MaxDate. Channel
// summaries are keyed by this so lookups by message date are exact.
func summaryKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// WakeUp is an external trigger that runs the pipeline for a channel even
// without a new user message.
type WakeUp struct {
	// ChannelID is the fallback channel when no user match is found.
	ChannelID string `json:"channel_id,omitempty"`
	// UserName selects the channel the named user last spoke in.
	UserName string `json:"user_name,omitempty"`
	// UnlessActiveSince suppresses the wake-up when the target channel has
	// been active after this instant.
	UnlessActiveSince time.Time `json:"unless_active_since"`
}

// ParseWakeUp decodes a raw wake-up document.
func ParseWakeUp(raw json.RawMessage) (*WakeUp, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var w WakeUp
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse wakeup: %w", err)
	}
	if w.UnlessActiveSince.IsZero() {
		w.UnlessActiveSince = time.Now()
	}
	return &w, nil
}
