package cadence

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Reset is the reducer sentinel that clears a store regardless of its
// prior contents.
const Reset = "reset"

// Channel is a logical conversation surface (DM, public room) with its own
// ordered message history and summary index.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ChannelType string `json:"channel_type"`
	// WakeupURL, when set, is fetched to nudge the surface adapter after an
	// out-of-band event (tool completion, timer).
	WakeupURL string `json:"wakeup_url,omitempty"`

	// Messages are ordered by date ascending. The reducer re-sorts after any
	// out-of-order insertion before the messages become visible.
	Messages []Message `json:"messages"`
	// Summaries are keyed by the canonical form of each summary's MaxDate
	// (see summaryKey); the list at a key is sorted by MinDate ascending, so
	// index 0 holds the longest span.
	Summaries map[string][]Summary `json:"summaries,omitempty"`

	// LastActivity equals the newest message date whenever the channel is
	// non-empty.
	LastActivity time.Time `json:"last_activity"`
	// MaxSummaryDate tracks the summary frontier: advanced to the newest
	// added MaxDate on insertion, recomputed as the minimum surviving
	// MinDate after pruning.
	MaxSummaryDate time.Time `json:"max_summary_date"`

	// Watermarks below which messages need no re-examination.
	NoReactiveToolCallBefore *time.Time `json:"no_reactive_tool_call_before,omitempty"`
	NoTemporaryMessageBefore *time.Time `json:"no_temporary_message_before,omitempty"`
}

// NewChannel creates a channel named after its id. Channels are created
// lazily by the reducer on first reference.
func NewChannel(id string) *Channel {
	now := time.Now()
	return &Channel{
		ID:             id,
		Name:           id,
		ChannelType:    "basic",
		Summaries:      make(map[string][]Summary),
		LastActivity:   now,
		MaxSummaryDate: now,
	}
}

// SummariesAt returns the summaries whose MaxDate equals t, longest span
// first.
func (c *Channel) SummariesAt(t time.Time) []Summary {
	return c.Summaries[summaryKey(t)]
}

// Clone returns a deep copy of the channel.
func (c *Channel) Clone() *Channel {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	if c.Summaries != nil {
		out.Summaries = make(map[string][]Summary, len(c.Summaries))
		for k, list := range c.Summaries {
			cp := make([]Summary, len(list))
			copy(cp, list)
			out.Summaries[k] = cp
		}
	}
	if c.NoReactiveToolCallBefore != nil {
		t := *c.NoReactiveToolCallBefore
		out.NoReactiveToolCallBefore = &t
	}
	if c.NoTemporaryMessageBefore != nil {
		t := *c.NoTemporaryMessageBefore
		out.NoTemporaryMessageBefore = &t
	}
	return &out
}

// History is the multi-channel message store. It exclusively owns its
// channels; mutations happen only through ReduceHistory.
type History struct {
	CurrentChannel string              `json:"current_channel,omitempty"`
	Channels       map[string]*Channel `json:"channels"`
}

// NewHistory returns an empty store.
func NewHistory() *History {
	return &History{Channels: make(map[string]*Channel)}
}

// IsEmpty reports whether the store is in its default state.
func (h *History) IsEmpty() bool {
	return h == nil || (h.CurrentChannel == "" && len(h.Channels) == 0)
}

// Clone returns a deep copy of the store.
func (h *History) Clone() *History {
	if h == nil {
		return NewHistory()
	}
	out := &History{
		CurrentChannel: h.CurrentChannel,
		Channels:       make(map[string]*Channel, len(h.Channels)),
	}
	for id, c := range h.Channels {
		out.Channels[id] = c.Clone()
	}
	return out
}

// Channel returns the channel with the given id.
func (h *History) Channel(id string) (*Channel, error) {
	c, ok := h.Channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return c, nil
}

// Current returns the current channel, or a synthetic unregistered channel
// when none is set or the id is unknown. The synthetic channel is never
// stored.
func (h *History) Current() *Channel {
	if h.CurrentChannel == "" {
		return NewChannel("unregistered")
	}
	if c, ok := h.Channels[h.CurrentChannel]; ok {
		return c
	}
	return NewChannel(h.CurrentChannel)
}

// ToolCallLocation addresses a tool call inside the store.
type ToolCallLocation struct {
	ChannelID string
	Index     int
}

// LocateToolCalls finds the channel and message index hosting each of the
// given tool call ids. The current channel is scanned first, then the
// remaining channels in strict last-activity-descending order, each at most
// once. Missing ids map to no entry.
func (h *History) LocateToolCalls(ids []string) map[string]ToolCallLocation {
	results := make(map[string]ToolCallLocation, len(ids))
	queue := make(map[string]bool, len(ids))
	for _, id := range ids {
		queue[id] = true
	}
	visited := make(map[string]bool, len(h.Channels))

	channel := h.Current()
	for channel != nil {
		visited[channel.ID] = true
		for idx, msg := range channel.Messages {
			if msg.Kind != KindAgent || !msg.HasToolCalls() {
				continue
			}
			for id := range msg.ToolStates {
				if queue[id] {
					delete(queue, id)
					results[id] = ToolCallLocation{ChannelID: channel.ID, Index: idx}
				}
			}
		}
		channel = nil
		if len(queue) > 0 {
			for _, c := range h.Channels {
				if visited[c.ID] {
					continue
				}
				if channel == nil || c.LastActivity.After(channel.LastActivity) ||
					(c.LastActivity.Equal(channel.LastActivity) && c.ID < channel.ID) {
					channel = c
				}
			}
		}
	}
	return results
}

// ReactiveToolCall pairs a tool call with its current state for scheduling.
type ReactiveToolCall struct {
	ChannelID string
	Call      ToolCall
	State     *ToolState
}

// FindReactiveToolCalls walks each channel newest-first collecting calls in
// the confirmed or unconfirmed state, stopping at the channel's reactive
// watermark. The returned updates carry only the advanced watermarks: when a
// message still holds reactive calls the watermark lands one second before
// it so the message is rechecked on the next pass.
func (h *History) FindReactiveToolCalls() ([]ReactiveToolCall, *InternalUpdates) {
	var reactive []ReactiveToolCall
	updates := NewInternalUpdates()

	for _, id := range h.sortedChannelIDs() {
		channel := h.Channels[id]
		if len(channel.Messages) == 0 {
			continue
		}
		last := channel.Messages[len(channel.Messages)-1]
		if channel.NoReactiveToolCallBefore != nil && !last.Date.After(*channel.NoReactiveToolCallBefore) {
			continue
		}

		watermark := last.Date
		for i := len(channel.Messages) - 1; i >= 0; i-- {
			msg := channel.Messages[i]
			if channel.NoReactiveToolCallBefore != nil && !msg.Date.After(*channel.NoReactiveToolCallBefore) {
				break
			}
			if msg.Kind != KindAgent || !msg.HasToolCalls() {
				continue
			}
			found := false
			for _, tc := range msg.ToolCalls {
				st := msg.ToolStates[tc.ID]
				if st == nil {
					continue
				}
				if st.InternalStatus == ToolConfirmed || st.InternalStatus == ToolUnconfirmed {
					reactive = append(reactive, ReactiveToolCall{ChannelID: channel.ID, Call: tc, State: st})
					found = true
				}
			}
			if found {
				watermark = msg.Date.Add(-time.Second)
			}
		}
		w := watermark
		updates.Channel(channel.ID).NoReactiveToolCallBefore = &w
	}
	return reactive, updates
}

// sortedChannelIDs returns channel ids in a stable order so walks over the
// channel map are deterministic.
func (h *History) sortedChannelIDs() []string {
	ids := make([]string, 0, len(h.Channels))
	for id := range h.Channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdatesFromResponses translates tool execution responses into history
// updates: the hosting agent message's ToolState is rewritten through a
// positional message update, and a transient "#toolupdated#<id>" system
// message is injected when the hosting message is no longer last in its
// channel. Responses whose call cannot be located are skipped; tools may
// finish after a history rewrite. Introspective tool updates carried in the
// response artifact are folded in last.
func (h *History) UpdatesFromResponses(responses []Response) (*InternalUpdates, error) {
	updates := NewInternalUpdates()

	ids := make([]string, 0, len(responses))
	for _, r := range responses {
		ids = append(ids, r.ToolCallID)
	}
	locations := h.LocateToolCalls(ids)

	touched := make(map[ToolCallLocation]Message)
	for _, resp := range responses {
		loc, ok := locations[resp.ToolCallID]
		if !ok {
			continue
		}
		msg, ok := touched[loc]
		if !ok {
			msg = h.Channels[loc.ChannelID].Messages[loc.Index].Clone()
		}
		st := msg.ToolStates[resp.ToolCallID]
		if st == nil {
			continue
		}
		st.Set(resp.Status, resp.Content)
		touched[loc] = msg

		if loc.Index < len(h.Channels[loc.ChannelID].Messages)-1 {
			updates.Channel(loc.ChannelID).NewMessages = append(
				updates.Channel(loc.ChannelID).NewMessages,
				NewSystemMessage("#toolupdated#"+resp.ToolCallID, time.Now(), 1),
			)
		}
	}

	for loc, msg := range touched {
		cu := updates.Channel(loc.ChannelID)
		if cu.MessageUpdates == nil {
			cu.MessageUpdates = make(map[int]Message)
		}
		cu.MessageUpdates[loc.Index] = msg
	}

	for _, resp := range responses {
		if resp.Updates != nil {
			var err error
			updates, err = MergeUpdates(updates, resp.Updates)
			if err != nil {
				return nil, err
			}
		}
	}
	return updates, nil
}

// ReduceHistory is the single mutation path for the store. right is one of:
//
//   - the Reset sentinel: returns an empty History;
//   - *History: replaces left only when left is empty (the store is source
//     of truth once populated);
//   - json.RawMessage / []byte: parsed as an updates document and applied;
//   - *InternalUpdates: applied per channel in a fixed order that preserves
//     the ordering invariants.
//
// left is never mutated: the reducer clones, applies, and returns the clone,
// so a structural error leaves the caller's state untouched.
func ReduceHistory(left *History, right any) (*History, error) {
	if left == nil {
		left = NewHistory()
	}

	switch r := right.(type) {
	case string:
		if r == Reset {
			return NewHistory(), nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownReducerCommand, r)

	case *History:
		if r == left {
			return left, nil
		}
		if left.IsEmpty() {
			return r, nil
		}
		return left, nil

	case json.RawMessage:
		updates, err := ParseUpdates(r)
		if err != nil {
			return nil, err
		}
		return ReduceHistory(left, updates)

	case []byte:
		return ReduceHistory(left, json.RawMessage(r))

	case *InternalUpdates:
		return applyUpdates(left, r)

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownReducerCommand, right)
	}
}

// applyUpdates applies a diff to a deep clone of the store.
func applyUpdates(left *History, updates *InternalUpdates) (*History, error) {
	next := left.Clone()
	if updates == nil {
		return next, nil
	}

	for _, channelID := range sortedUpdateChannelIDs(updates) {
		cu := updates.ChannelUpdates[channelID]
		if cu == nil {
			continue
		}

		channel, ok := next.Channels[channelID]
		if !ok {
			channel = NewChannel(channelID)
			next.Channels[channelID] = channel
		}

		applyChannelMetadata(channel, cu)

		// Positional updates preserve the stored date at the index so they
		// can never break ordering.
		indices := make([]int, 0, len(cu.MessageUpdates))
		for i := range cu.MessageUpdates {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			if i >= len(channel.Messages) {
				return nil, fmt.Errorf("channel %s: %w: index %d, length %d",
					channelID, ErrIndexOutOfRange, i, len(channel.Messages))
			}
			m := cu.MessageUpdates[i].Clone()
			m.Date = channel.Messages[i].Date
			channel.Messages[i] = m
		}

		// Deletes, largest index first.
		deletes := append([]int(nil), cu.MessageDeletes...)
		sort.Sort(sort.Reverse(sort.IntSlice(deletes)))
		for _, i := range deletes {
			if i < len(channel.Messages) {
				channel.Messages = append(channel.Messages[:i], channel.Messages[i+1:]...)
			}
		}

		if cu.DeleteBefore != nil {
			pruneBefore(channel, *cu.DeleteBefore)
		}

		// Left-append clamps each new head to the current head's date.
		for _, m := range cu.MessageAppendLeft {
			msg := m.Clone()
			if len(channel.Messages) > 0 && msg.Date.After(channel.Messages[0].Date) {
				msg.Date = channel.Messages[0].Date
			}
			channel.Messages = append([]Message{msg}, channel.Messages...)
		}

		// Appends; a single out-of-order arrival triggers a full re-sort
		// before the messages become visible.
		needsSort := false
		for _, m := range cu.NewMessages {
			if len(channel.Messages) > 0 && m.Date.Before(channel.Messages[len(channel.Messages)-1].Date) {
				needsSort = true
			}
			channel.Messages = append(channel.Messages, m.Clone())
		}
		if needsSort {
			sort.SliceStable(channel.Messages, func(i, j int) bool {
				return channel.Messages[i].Date.Before(channel.Messages[j].Date)
			})
		}
		if len(cu.NewMessages) > 0 && len(channel.Messages) > 0 {
			channel.LastActivity = channel.Messages[len(channel.Messages)-1].Date
		}

		for _, s := range cu.NewSummaries {
			key := summaryKey(s.MaxDate)
			if channel.Summaries == nil {
				channel.Summaries = make(map[string][]Summary)
			}
			list := append(channel.Summaries[key], s)
			sort.SliceStable(list, func(i, j int) bool { return list[i].MinDate.Before(list[j].MinDate) })
			channel.Summaries[key] = list
			if s.MaxDate.After(channel.MaxSummaryDate) {
				channel.MaxSummaryDate = s.MaxDate
			}
		}
	}

	if updates.CurrentChannel != "" {
		next.CurrentChannel = updates.CurrentChannel
	}

	if len(updates.ToolUpdates) > 0 {
		if err := applyToolUpdates(next, updates.ToolUpdates); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func applyChannelMetadata(channel *Channel, cu *ChannelUpdates) {
	if cu.Name != "" {
		channel.Name = cu.Name
	}
	if cu.ChannelType != "" {
		channel.ChannelType = cu.ChannelType
	}
	if cu.WakeupURL != "" {
		channel.WakeupURL = cu.WakeupURL
	}
	if cu.NoReactiveToolCallBefore != nil {
		t := *cu.NoReactiveToolCallBefore
		channel.NoReactiveToolCallBefore = &t
	}
	if cu.NoTemporaryMessageBefore != nil {
		t := *cu.NoTemporaryMessageBefore
		channel.NoTemporaryMessageBefore = &t
	}
}

// pruneBefore drops messages and summaries older than the cutoff, then
// recomputes the summary frontier as the minimum surviving MinDate (or now
// when none survive).
func pruneBefore(channel *Channel, cutoff time.Time) {
	kept := channel.Messages[:0]
	for _, m := range channel.Messages {
		if !m.Date.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	channel.Messages = kept

	for key, list := range channel.Summaries {
		if len(list) > 0 && list[0].MaxDate.Before(cutoff) {
			delete(channel.Summaries, key)
		}
	}

	var frontier time.Time
	for _, list := range channel.Summaries {
		for _, s := range list {
			if frontier.IsZero() || s.MinDate.Before(frontier) {
				frontier = s.MinDate
			}
		}
	}
	if frontier.IsZero() {
		frontier = time.Now()
	}
	channel.MaxSummaryDate = frontier
}

// applyToolUpdates rewrites tool states addressed by id. Unlocatable ids are
// skipped: tool updates may arrive out of order or after history rewrites.
func applyToolUpdates(h *History, toolUpdates []ToolUpdate) error {
	ids := make([]string, 0, len(toolUpdates))
	for _, tu := range toolUpdates {
		ids = append(ids, tu.ToolCallID)
	}
	locations := h.LocateToolCalls(ids)

	for _, tu := range toolUpdates {
		loc, ok := locations[tu.ToolCallID]
		if !ok {
			continue
		}
		channel := h.Channels[loc.ChannelID]
		msg := &channel.Messages[loc.Index]
		if msg.Kind != KindAgent {
			return fmt.Errorf("channel %s index %d: located message is not an agent message", loc.ChannelID, loc.Index)
		}
		st := msg.ToolStates[tu.ToolCallID]
		if st == nil {
			continue
		}
		st.Set(tu.InternalStatus, tu.Content)

		// Readers only scan the tail for fresh context, so surface the
		// change when the hosting message is buried.
		if loc.Index < len(channel.Messages)-1 {
			note := NewSystemMessage("#toolupdated#"+tu.ToolCallID, time.Now(), 1)
			if last := channel.Messages[len(channel.Messages)-1].Date; note.Date.Before(last) {
				note.Date = last
			}
			channel.Messages = append(channel.Messages, note)
		}
	}
	return nil
}

func sortedUpdateChannelIDs(u *InternalUpdates) []string {
	ids := make([]string, 0, len(u.ChannelUpdates))
	for id := range u.ChannelUpdates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
