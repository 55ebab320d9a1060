package cadence

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChannelUpdates is the per-channel part of an InternalUpdates diff.
// Zero values mean "no change"; pointer fields distinguish unset from zero
// for instants.
type ChannelUpdates struct {
	Name        string `json:"name,omitempty"`
	ChannelType string `json:"channel_type,omitempty"`
	WakeupURL   string `json:"wakeup_url,omitempty"`

	// DeleteBefore prunes messages and summaries older than the instant.
	DeleteBefore *time.Time `json:"delete_before,omitempty"`
	// NoReactiveToolCallBefore advances the reactive-tool-call watermark.
	NoReactiveToolCallBefore *time.Time `json:"no_reactive_tool_call_before,omitempty"`
	// NoTemporaryMessageBefore advances the lifespan-cleanup watermark.
	NoTemporaryMessageBefore *time.Time `json:"no_temporary_message_before,omitempty"`

	NewMessages []Message `json:"new_messages,omitempty"`
	// MessageUpdates replaces the message at each index. The stored date at
	// the index is preserved so ordering cannot break.
	MessageUpdates map[int]Message `json:"message_updates,omitempty"`
	MessageDeletes []int           `json:"message_deletes,omitempty"`
	// MessageAppendLeft prepends messages, clamping their dates to the
	// current head so ordering is preserved.
	MessageAppendLeft []Message `json:"message_append_left,omitempty"`
	// NewSummaries are inserted keyed by their MaxDate, each key's list kept
	// sorted by MinDate ascending (longest span first).
	NewSummaries []Summary `json:"new_summaries,omitempty"`
}

// IsEmpty reports whether the diff carries no change.
func (u *ChannelUpdates) IsEmpty() bool {
	return u.Name == "" &&
		u.ChannelType == "" &&
		u.WakeupURL == "" &&
		u.DeleteBefore == nil &&
		u.NoReactiveToolCallBefore == nil &&
		u.NoTemporaryMessageBefore == nil &&
		len(u.NewMessages) == 0 &&
		len(u.MessageUpdates) == 0 &&
		len(u.MessageDeletes) == 0 &&
		len(u.MessageAppendLeft) == 0 &&
		len(u.NewSummaries) == 0
}

// Merge folds other into u: lists are concatenated, maps merged, scalars
// last-writer-wins. This is what makes concurrent stage emissions on the
// same channel commute when they touch disjoint fields.
func (u *ChannelUpdates) Merge(other *ChannelUpdates) {
	if other == nil {
		return
	}
	if other.Name != "" {
		u.Name = other.Name
	}
	if other.ChannelType != "" {
		u.ChannelType = other.ChannelType
	}
	if other.WakeupURL != "" {
		u.WakeupURL = other.WakeupURL
	}
	if other.DeleteBefore != nil {
		u.DeleteBefore = other.DeleteBefore
	}
	if other.NoReactiveToolCallBefore != nil {
		u.NoReactiveToolCallBefore = other.NoReactiveToolCallBefore
	}
	if other.NoTemporaryMessageBefore != nil {
		u.NoTemporaryMessageBefore = other.NoTemporaryMessageBefore
	}
	u.NewMessages = append(u.NewMessages, other.NewMessages...)
	if len(other.MessageUpdates) > 0 {
		if u.MessageUpdates == nil {
			u.MessageUpdates = make(map[int]Message, len(other.MessageUpdates))
		}
		for i, m := range other.MessageUpdates {
			u.MessageUpdates[i] = m
		}
	}
	u.MessageDeletes = append(u.MessageDeletes, other.MessageDeletes...)
	u.MessageAppendLeft = append(u.MessageAppendLeft, other.MessageAppendLeft...)
	u.NewSummaries = append(u.NewSummaries, other.NewSummaries...)
}

// Clone returns a deep copy of the diff.
func (u *ChannelUpdates) Clone() *ChannelUpdates {
	if u == nil {
		return nil
	}
	out := &ChannelUpdates{
		Name:        u.Name,
		ChannelType: u.ChannelType,
		WakeupURL:   u.WakeupURL,
	}
	if u.DeleteBefore != nil {
		t := *u.DeleteBefore
		out.DeleteBefore = &t
	}
	if u.NoReactiveToolCallBefore != nil {
		t := *u.NoReactiveToolCallBefore
		out.NoReactiveToolCallBefore = &t
	}
	if u.NoTemporaryMessageBefore != nil {
		t := *u.NoTemporaryMessageBefore
		out.NoTemporaryMessageBefore = &t
	}
	for _, m := range u.NewMessages {
		out.NewMessages = append(out.NewMessages, m.Clone())
	}
	if u.MessageUpdates != nil {
		out.MessageUpdates = make(map[int]Message, len(u.MessageUpdates))
		for i, m := range u.MessageUpdates {
			out.MessageUpdates[i] = m.Clone()
		}
	}
	out.MessageDeletes = append([]int(nil), u.MessageDeletes...)
	for _, m := range u.MessageAppendLeft {
		out.MessageAppendLeft = append(out.MessageAppendLeft, m.Clone())
	}
	out.NewSummaries = append([]Summary(nil), u.NewSummaries...)
	return out
}

// InternalUpdates is the diff object stages emit and the reducer folds back
// into History.
type InternalUpdates struct {
	CurrentChannel string                     `json:"current_channel,omitempty"`
	ToolUpdates    []ToolUpdate               `json:"tool_updates,omitempty"`
	ChannelUpdates map[string]*ChannelUpdates `json:"channel_updates,omitempty"`
}

// NewInternalUpdates returns an empty diff.
func NewInternalUpdates() *InternalUpdates {
	return &InternalUpdates{ChannelUpdates: make(map[string]*ChannelUpdates)}
}

// IsEmpty reports whether the diff carries no change at all.
func (u *InternalUpdates) IsEmpty() bool {
	if u == nil {
		return true
	}
	if u.CurrentChannel != "" || len(u.ToolUpdates) > 0 {
		return false
	}
	for _, cu := range u.ChannelUpdates {
		if !cu.IsEmpty() {
			return false
		}
	}
	return true
}

// Channel returns the diff for the given channel, creating it when missing.
func (u *InternalUpdates) Channel(id string) *ChannelUpdates {
	if u.ChannelUpdates == nil {
		u.ChannelUpdates = make(map[string]*ChannelUpdates)
	}
	cu, ok := u.ChannelUpdates[id]
	if !ok {
		cu = &ChannelUpdates{}
		u.ChannelUpdates[id] = cu
	}
	return cu
}

// Clone returns a deep copy of the diff.
func (u *InternalUpdates) Clone() *InternalUpdates {
	if u == nil {
		return nil
	}
	out := &InternalUpdates{
		CurrentChannel: u.CurrentChannel,
		ToolUpdates:    append([]ToolUpdate(nil), u.ToolUpdates...),
		ChannelUpdates: make(map[string]*ChannelUpdates, len(u.ChannelUpdates)),
	}
	for id, cu := range u.ChannelUpdates {
		out.ChannelUpdates[id] = cu.Clone()
	}
	return out
}

// MergeUpdates accumulates right into left and returns the result. Passing
// the Reset sentinel for right returns a fresh empty diff. A nil left is
// initialized. This is the reducer for the pipeline state's internal_updates
// field.
func MergeUpdates(left *InternalUpdates, right any) (*InternalUpdates, error) {
	if s, ok := right.(string); ok {
		if s == Reset {
			return NewInternalUpdates(), nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownReducerCommand, s)
	}
	ru, ok := right.(*InternalUpdates)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownReducerCommand, right)
	}
	if left == nil {
		left = NewInternalUpdates()
	}
	if ru == nil {
		return left, nil
	}
	left.ToolUpdates = append(left.ToolUpdates, ru.ToolUpdates...)
	if ru.CurrentChannel != "" {
		left.CurrentChannel = ru.CurrentChannel
	}
	for id, cu := range ru.ChannelUpdates {
		left.Channel(id).Merge(cu)
	}
	return left, nil
}

// ParseUpdates decodes a raw updates document (the run-input "history"
// value) and validates every carried message.
func ParseUpdates(raw json.RawMessage) (*InternalUpdates, error) {
	var u InternalUpdates
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("parse updates: %w", err)
	}
	for id, cu := range u.ChannelUpdates {
		if cu == nil {
			u.ChannelUpdates[id] = &ChannelUpdates{}
			continue
		}
		for i := range cu.NewMessages {
			if err := cu.NewMessages[i].Validate(); err != nil {
				return nil, fmt.Errorf("channel %s new_messages[%d]: %w", id, i, err)
			}
		}
		for idx := range cu.MessageUpdates {
			m := cu.MessageUpdates[idx]
			if err := m.Validate(); err != nil {
				return nil, fmt.Errorf("channel %s message_updates[%d]: %w", id, idx, err)
			}
			cu.MessageUpdates[idx] = m
		}
		for i := range cu.MessageAppendLeft {
			if err := cu.MessageAppendLeft[i].Validate(); err != nil {
				return nil, fmt.Errorf("channel %s message_append_left[%d]: %w", id, i, err)
			}
		}
	}
	return &u, nil
}
