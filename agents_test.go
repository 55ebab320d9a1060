package cadence

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type scriptedStreamer struct {
	chunks []string
	resp   ChatResponse
	err    error

	mu  sync.Mutex
	req ChatRequest
}

func (s *scriptedStreamer) Name() string { return "scripted" }

func (s *scriptedStreamer) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	s.mu.Lock()
	s.req = req
	s.mu.Unlock()
	for _, c := range s.chunks {
		ch <- c
	}
	return s.resp, s.err
}

type eventLog struct {
	mu     sync.Mutex
	events []any
}

func (l *eventLog) emit(e any) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) strings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func testRegistry() *AgentRegistry {
	reg := NewAgentRegistry("conversing")
	reg.Register("conversing", AgentSpec{Prompt: "Chat casually."})
	return reg
}

func TestConverseStreamsAndRecords(t *testing.T) {
	h := recentChannel(t, human("ada", "hello there", ago(5*time.Minute)))
	model := &scriptedStreamer{
		chunks: []string{"hi ", "ada"},
		resp:   ChatResponse{Content: "hi ada"},
	}
	log := &eventLog{}

	updates, err := Converse(context.Background(), model, testRegistry(), h, "conversing", "Cadence", log.emit)
	if err != nil {
		t.Fatalf("converse: %v", err)
	}

	events := log.strings()
	if strings.Join(events, "") != "hi ada"+DirectiveSend {
		t.Errorf("events %v", events)
	}

	msgs := updates.Channel("general").NewMessages
	if len(msgs) != 1 || msgs[0].Kind != KindAgent || msgs[0].Content != "hi ada" {
		t.Fatalf("recorded %+v", msgs)
	}
	if msgs[0].Activity != "conversing" {
		t.Errorf("activity %q", msgs[0].Activity)
	}

	if !strings.Contains(model.req.System, "Your name is Cadence") {
		t.Errorf("system prompt %q", model.req.System)
	}
	if !strings.Contains(model.req.System, "Chat casually.") {
		t.Error("agent prompt missing from system prompt")
	}
}

func TestConverseResolvesReferences(t *testing.T) {
	m := human("ada", "The code is 1234, keep it safe", ago(5*time.Minute))
	m.MessageID = "m-7"
	h := recentChannel(t, m)

	model := &scriptedStreamer{
		chunks: []string{"¤the code is 12¤", "noted!"},
		resp:   ChatResponse{Content: "noted!"},
	}
	log := &eventLog{}

	if _, err := Converse(context.Background(), model, testRegistry(), h, "conversing", "Cadence", log.emit); err != nil {
		t.Fatalf("converse: %v", err)
	}

	events := log.strings()
	var sawRef bool
	for _, e := range events {
		if e == ReferenceEvent("m-7") {
			sawRef = true
		}
		if strings.Contains(e, "¤") {
			t.Errorf("marker leaked: %q", e)
		}
	}
	if !sawRef {
		t.Errorf("no reference event in %v", events)
	}
	if !strings.Contains(model.req.System, "reply-link") {
		t.Error("reference instructions missing when message ids exist")
	}
}

func TestConverseEmitsToolEvents(t *testing.T) {
	h := recentChannel(t, human("ada", "remind me tomorrow", ago(time.Minute)))
	model := &scriptedStreamer{
		resp: ChatResponse{
			Content:   "will do",
			ToolCalls: []ToolCall{{Name: "remind", Args: map[string]any{"when": "tomorrow"}}},
		},
	}
	log := &eventLog{}

	updates, err := Converse(context.Background(), model, testRegistry(), h, "conversing", "Cadence", log.emit)
	if err != nil {
		t.Fatalf("converse: %v", err)
	}

	var sawTool bool
	for _, e := range log.strings() {
		if strings.HasPrefix(e, DirectiveTool) {
			sawTool = true
		}
	}
	if !sawTool {
		t.Error("no tool event emitted")
	}

	msg := updates.Channel("general").NewMessages[0]
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].ID == "" {
		t.Fatalf("call id not assigned: %+v", msg.ToolCalls)
	}
	if st := msg.ToolStates[msg.ToolCalls[0].ID]; st == nil || st.InternalStatus != ToolUnconfirmed {
		t.Errorf("tool state %+v", st)
	}
}

func TestConverseEmptyResponse(t *testing.T) {
	h := recentChannel(t, human("ada", "...", ago(time.Minute)))
	model := &scriptedStreamer{}
	log := &eventLog{}

	updates, err := Converse(context.Background(), model, testRegistry(), h, "conversing", "Cadence", log.emit)
	if err != nil {
		t.Fatalf("converse: %v", err)
	}
	if !updates.IsEmpty() {
		t.Errorf("updates %+v", updates)
	}
	for _, e := range log.strings() {
		if e == DirectiveSend {
			t.Error("empty turn must not flush")
		}
	}
}

func TestConverseUnknownActivity(t *testing.T) {
	h := recentChannel(t, human("ada", "hi", ago(time.Minute)))
	if _, err := Converse(context.Background(), &scriptedStreamer{}, testRegistry(), h, "ghost", "Cadence", func(any) {}); err == nil {
		t.Fatal("expected error for unknown activity")
	}
}

func TestRegistryRouting(t *testing.T) {
	reg := NewAgentRegistry("conversing")
	reg.Register("conversing", AgentSpec{})
	reg.Register("coder", AgentSpec{RoutingDescription: "writes code", Includable: true})
	reg.Register("artist", AgentSpec{RoutingDescription: "draws", Includable: true})

	choices := reg.RoutingChoices()
	if len(choices) != 2 || choices[0] != "artist" || choices[1] != "coder" {
		t.Errorf("choices %v", choices)
	}

	prompt := reg.RoutingPrompt()
	if !strings.Contains(prompt, "writes code") || !strings.Contains(prompt, "draws") {
		t.Errorf("prompt %q", prompt)
	}

	if reg.Default() != "conversing" {
		t.Errorf("default %q", reg.Default())
	}
}

func TestChannelHasMessageIDs(t *testing.T) {
	c := NewChannel("general")
	c.Messages = []Message{human("ada", "no id", atMin(0))}
	if channelHasMessageIDs(c) {
		t.Error("no ids expected")
	}
	withID := human("ada", "with id", atMin(1))
	withID.MessageID = "m-1"
	c.Messages = append(c.Messages, withID)
	if !channelHasMessageIDs(c) {
		t.Error("id not seen")
	}
}
