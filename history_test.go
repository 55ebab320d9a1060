package cadence

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testBase = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func atMin(n int) time.Time { return testBase.Add(time.Duration(n) * time.Minute) }

func human(author, content string, date time.Time) Message {
	return NewHumanMessage(author, content, date)
}

func agentWithCall(content string, date time.Time, callID, tool string) Message {
	return NewAgentMessage(content, date, "conversing", []ToolCall{{ID: callID, Name: tool}})
}

// reduce applies one update to a history and fails the test on error.
func reduce(t *testing.T, h *History, right any) *History {
	t.Helper()
	out, err := ReduceHistory(h, right)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	return out
}

func singleChannel(t *testing.T, msgs ...Message) *History {
	t.Helper()
	u := NewInternalUpdates()
	u.CurrentChannel = "general"
	u.Channel("general").NewMessages = msgs
	return reduce(t, nil, u)
}

func TestReduceReset(t *testing.T) {
	h := singleChannel(t, human("ada", "hello", atMin(0)))
	out := reduce(t, h, Reset)
	if !out.IsEmpty() {
		t.Error("reset should clear the store")
	}
	if len(h.Channels) != 1 {
		t.Error("reset must not mutate the input")
	}
}

func TestReduceReplacesOnlyWhenEmpty(t *testing.T) {
	seeded := singleChannel(t, human("ada", "hello", atMin(0)))

	out := reduce(t, NewHistory(), seeded)
	if out != seeded {
		t.Error("an empty store should adopt the replacement")
	}

	other := singleChannel(t, human("bob", "hi", atMin(1)))
	out = reduce(t, seeded, other)
	if out != seeded {
		t.Error("a populated store must win over a replacement")
	}
}

func TestNewMessagesKeepOrder(t *testing.T) {
	h := singleChannel(t,
		human("ada", "first", atMin(0)),
		human("ada", "third", atMin(10)),
	)

	// Out-of-order arrival triggers a re-sort.
	u := NewInternalUpdates()
	u.Channel("general").NewMessages = []Message{human("bob", "second", atMin(5))}
	h = reduce(t, h, u)

	c := h.Channels["general"]
	got := []string{c.Messages[0].Content, c.Messages[1].Content, c.Messages[2].Content}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
	if !c.LastActivity.Equal(atMin(10)) {
		t.Errorf("last activity %v, want the newest message date", c.LastActivity)
	}
}

func TestReduceIsIdempotentOnClone(t *testing.T) {
	h := singleChannel(t, human("ada", "hello", atMin(0)))
	u := NewInternalUpdates()
	u.Channel("general").NewMessages = []Message{human("bob", "hi", atMin(1))}

	once := reduce(t, h, u.Clone())
	twice := reduce(t, h, u.Clone())
	if len(once.Channels["general"].Messages) != len(twice.Channels["general"].Messages) {
		t.Error("same update on same state should give same result")
	}
	if len(h.Channels["general"].Messages) != 1 {
		t.Error("input state was mutated")
	}
}

func TestMessageUpdatePreservesDate(t *testing.T) {
	h := singleChannel(t,
		human("ada", "original", atMin(0)),
		human("ada", "tail", atMin(1)),
	)

	u := NewInternalUpdates()
	replacement := human("ada", "rewritten", atMin(30))
	u.Channel("general").MessageUpdates = map[int]Message{0: replacement}
	h = reduce(t, h, u)

	msg := h.Channels["general"].Messages[0]
	if msg.Content != "rewritten" {
		t.Errorf("content %q", msg.Content)
	}
	if !msg.Date.Equal(atMin(0)) {
		t.Errorf("stored date must survive the update, got %v", msg.Date)
	}
}

func TestMessageUpdateOutOfRange(t *testing.T) {
	h := singleChannel(t, human("ada", "only", atMin(0)))

	u := NewInternalUpdates()
	u.Channel("general").MessageUpdates = map[int]Message{5: human("x", "y", atMin(1))}
	_, err := ReduceHistory(h, u)
	if !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if h.Channels["general"].Messages[0].Content != "only" {
		t.Error("failed update must leave the store untouched")
	}
}

func TestMessageDeletes(t *testing.T) {
	h := singleChannel(t,
		human("ada", "a", atMin(0)),
		human("ada", "b", atMin(1)),
		human("ada", "c", atMin(2)),
	)

	u := NewInternalUpdates()
	u.Channel("general").MessageDeletes = []int{0, 2}
	h = reduce(t, h, u)

	msgs := h.Channels["general"].Messages
	if len(msgs) != 1 || msgs[0].Content != "b" {
		t.Fatalf("unexpected survivors %+v", msgs)
	}
}

func TestAppendLeftClampsDate(t *testing.T) {
	h := singleChannel(t, human("ada", "head", atMin(10)))

	u := NewInternalUpdates()
	u.Channel("general").MessageAppendLeft = []Message{human("sys", "prelude", atMin(60))}
	h = reduce(t, h, u)

	msgs := h.Channels["general"].Messages
	if msgs[0].Content != "prelude" {
		t.Fatalf("prepend failed: %+v", msgs)
	}
	if msgs[0].Date.After(msgs[1].Date) {
		t.Errorf("prepended date %v must not pass the head %v", msgs[0].Date, msgs[1].Date)
	}
}

func TestDeleteBeforePrunes(t *testing.T) {
	h := singleChannel(t,
		human("ada", "old", atMin(0)),
		human("ada", "new", atMin(60)),
	)
	u := NewInternalUpdates()
	u.Channel("general").NewSummaries = []Summary{
		{MinDate: atMin(0), MaxDate: atMin(0), Text: "old span"},
		{MinDate: atMin(50), MaxDate: atMin(60), Text: "new span"},
	}
	h = reduce(t, h, u)

	cutoff := atMin(30)
	u = NewInternalUpdates()
	u.Channel("general").DeleteBefore = &cutoff
	h = reduce(t, h, u)

	c := h.Channels["general"]
	if len(c.Messages) != 1 || c.Messages[0].Content != "new" {
		t.Fatalf("unexpected messages %+v", c.Messages)
	}
	if len(c.SummariesAt(atMin(0))) != 0 {
		t.Error("expired summary survived")
	}
	if len(c.SummariesAt(atMin(60))) != 1 {
		t.Error("live summary was pruned")
	}
	if !c.MaxSummaryDate.Equal(atMin(50)) {
		t.Errorf("summary frontier %v, want min surviving MinDate", c.MaxSummaryDate)
	}
}

func TestNewSummariesSortedBySpan(t *testing.T) {
	h := singleChannel(t, human("ada", "x", atMin(10)))

	u := NewInternalUpdates()
	u.Channel("general").NewSummaries = []Summary{
		{MinDate: atMin(8), MaxDate: atMin(10), Text: "short"},
		{MinDate: atMin(0), MaxDate: atMin(10), Text: "long"},
	}
	h = reduce(t, h, u)

	list := h.Channels["general"].SummariesAt(atMin(10))
	if len(list) != 2 || list[0].Text != "long" || list[1].Text != "short" {
		t.Fatalf("summaries not sorted longest-first: %+v", list)
	}
	if !h.Channels["general"].MaxSummaryDate.Equal(atMin(10)) {
		t.Errorf("frontier %v", h.Channels["general"].MaxSummaryDate)
	}
}

func TestRawJSONUpdates(t *testing.T) {
	raw := json.RawMessage(`{
		"current_channel": "dm",
		"channel_updates": {
			"dm": {"new_messages": [{"type": "human", "author": "ada", "content": "hi", "date": "2026-03-14T12:00:00Z"}]}
		}
	}`)
	h := reduce(t, nil, raw)
	if h.CurrentChannel != "dm" {
		t.Errorf("current channel %q", h.CurrentChannel)
	}
	if len(h.Channels["dm"].Messages) != 1 {
		t.Fatal("message not applied")
	}

	bad := json.RawMessage(`{"channel_updates": {"dm": {"new_messages": [{"content": "no type"}]}}}`)
	if _, err := ReduceHistory(h, bad); !errors.Is(err, ErrUnknownMessageKind) {
		t.Errorf("expected ErrUnknownMessageKind, got %v", err)
	}
}

func TestToolUpdatesBuriedHost(t *testing.T) {
	h := singleChannel(t,
		agentWithCall("on it", atMin(0), "call-1", "remind"),
		human("ada", "later", atMin(5)),
	)

	u := NewInternalUpdates()
	u.ToolUpdates = []ToolUpdate{{ToolCallID: "call-1", InternalStatus: ToolCompleted, Content: "done"}}
	h = reduce(t, h, u)

	c := h.Channels["general"]
	st := c.Messages[0].ToolStates["call-1"]
	if st.InternalStatus != ToolCompleted || st.Status != "success" || st.Content != "done" {
		t.Fatalf("state not updated: %+v", st)
	}

	last := c.Messages[len(c.Messages)-1]
	if last.Kind != KindSystem || !strings.Contains(last.Content, "#toolupdated#call-1") {
		t.Fatalf("expected a toolupdated note, got %+v", last)
	}
	if last.Lifespan != 1 {
		t.Errorf("note lifespan %d, want 1", last.Lifespan)
	}
}

func TestToolUpdatesUnknownIDSkipped(t *testing.T) {
	h := singleChannel(t, human("ada", "hi", atMin(0)))
	u := NewInternalUpdates()
	u.ToolUpdates = []ToolUpdate{{ToolCallID: "ghost", InternalStatus: ToolCompleted}}
	out := reduce(t, h, u)
	if len(out.Channels["general"].Messages) != 1 {
		t.Error("unknown tool update must be a no-op")
	}
}

func TestLocateToolCallsScanOrder(t *testing.T) {
	u := NewInternalUpdates()
	u.CurrentChannel = "general"
	u.Channel("general").NewMessages = []Message{agentWithCall("a", atMin(0), "call-cur", "x")}
	u.Channel("busy").NewMessages = []Message{agentWithCall("b", atMin(50), "call-busy", "x")}
	u.Channel("quiet").NewMessages = []Message{agentWithCall("c", atMin(5), "call-quiet", "x")}
	h := reduce(t, nil, u)

	locs := h.LocateToolCalls([]string{"call-cur", "call-busy", "call-quiet", "ghost"})
	if len(locs) != 3 {
		t.Fatalf("located %d, want 3", len(locs))
	}
	if locs["call-cur"].ChannelID != "general" || locs["call-cur"].Index != 0 {
		t.Errorf("call-cur at %+v", locs["call-cur"])
	}
	if locs["call-busy"].ChannelID != "busy" {
		t.Errorf("call-busy at %+v", locs["call-busy"])
	}
	if locs["call-quiet"].ChannelID != "quiet" {
		t.Errorf("call-quiet at %+v", locs["call-quiet"])
	}
	if _, ok := locs["ghost"]; ok {
		t.Error("ghost should be absent")
	}
}

func TestFindReactiveToolCalls(t *testing.T) {
	h := singleChannel(t,
		agentWithCall("pending", atMin(0), "call-1", "remind"),
		human("ada", "tail", atMin(10)),
	)

	reactive, updates := h.FindReactiveToolCalls()
	if len(reactive) != 1 || reactive[0].Call.ID != "call-1" {
		t.Fatalf("reactive %+v", reactive)
	}

	// The hosting message still holds a live call, so the watermark lands
	// just before it for the next pass.
	w := updates.Channel("general").NoReactiveToolCallBefore
	if w == nil || !w.Equal(atMin(0).Add(-time.Second)) {
		t.Fatalf("watermark %v", w)
	}

	// Once applied with the call completed, the next pass finds nothing and
	// pushes the watermark to the tail.
	u := NewInternalUpdates()
	u.ToolUpdates = []ToolUpdate{{ToolCallID: "call-1", InternalStatus: ToolCompleted, Content: "ok"}}
	u.Channel("general").NoReactiveToolCallBefore = w
	h = reduce(t, h, u)

	reactive, updates = h.FindReactiveToolCalls()
	if len(reactive) != 0 {
		t.Fatalf("unexpected reactive %+v", reactive)
	}
	w = updates.Channel("general").NoReactiveToolCallBefore
	last := h.Channels["general"].Messages[len(h.Channels["general"].Messages)-1]
	if w == nil || !w.Equal(last.Date) {
		t.Errorf("watermark %v, want tail %v", w, last.Date)
	}
}

func TestFindReactiveSkipsWatermarkedChannel(t *testing.T) {
	h := singleChannel(t, agentWithCall("pending", atMin(0), "call-1", "remind"))
	mark := atMin(5)
	u := NewInternalUpdates()
	u.Channel("general").NoReactiveToolCallBefore = &mark
	h = reduce(t, h, u)

	reactive, _ := h.FindReactiveToolCalls()
	if len(reactive) != 0 {
		t.Fatalf("watermarked channel yielded %+v", reactive)
	}
}

func TestUpdatesFromResponses(t *testing.T) {
	h := singleChannel(t,
		agentWithCall("working", atMin(0), "call-1", "remind"),
		human("ada", "later", atMin(5)),
	)

	updates, err := h.UpdatesFromResponses([]Response{
		{ToolCallID: "call-1", Status: ToolCompleted, Content: "reminder set"},
		{ToolCallID: "ghost", Status: ToolCompleted, Content: "nope"},
	})
	if err != nil {
		t.Fatalf("updates: %v", err)
	}

	cu := updates.Channel("general")
	msg, ok := cu.MessageUpdates[0]
	if !ok {
		t.Fatal("expected a positional update for the hosting message")
	}
	if st := msg.ToolStates["call-1"]; st.InternalStatus != ToolCompleted || st.Content != "reminder set" {
		t.Fatalf("tool state %+v", st)
	}
	if len(cu.NewMessages) != 1 || !strings.Contains(cu.NewMessages[0].Content, "#toolupdated#call-1") {
		t.Fatalf("expected a toolupdated note, got %+v", cu.NewMessages)
	}

	// Applying the produced updates must leave the original message date.
	h2 := reduce(t, h, updates)
	if st := h2.Channels["general"].Messages[0].ToolStates["call-1"]; st.Status != "success" {
		t.Errorf("applied state %+v", st)
	}
}

func TestUpdatesFromResponsesFoldsArtifactUpdates(t *testing.T) {
	h := singleChannel(t, agentWithCall("working", atMin(0), "call-1", "memo"))

	side := NewInternalUpdates()
	side.Channel("general").NewMessages = []Message{NewSystemMessage("note", atMin(1), 0)}
	updates, err := h.UpdatesFromResponses([]Response{
		{ToolCallID: "call-1", Status: ToolCompleted, Content: "ok", Updates: side},
	})
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(updates.Channel("general").NewMessages) != 1 {
		t.Error("introspective updates were dropped")
	}
}

func TestHistorySerializationRoundTrip(t *testing.T) {
	h := singleChannel(t,
		human("ada", "hello", atMin(0)),
		agentWithCall("hi, scheduling", atMin(1), "call-1", "remind"),
	)
	u := NewInternalUpdates()
	u.Channel("general").NewSummaries = []Summary{{MinDate: atMin(0), MaxDate: atMin(1), Text: "greeting"}}
	h = reduce(t, h, u)

	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back History
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	c := back.Channels["general"]
	if len(c.Messages) != 2 {
		t.Fatalf("messages %d", len(c.Messages))
	}
	if st := c.Messages[1].ToolStates["call-1"]; st == nil || st.InternalStatus != ToolUnconfirmed {
		t.Fatalf("tool state lost: %+v", st)
	}
	if len(c.SummariesAt(atMin(1))) != 1 {
		t.Error("summary lost")
	}
}
