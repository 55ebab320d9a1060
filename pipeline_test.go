package cadence

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type pipeEnv struct {
	model   *scriptedStreamer
	decider *scriptDecider
	events  *eventLog
	cp      *FileCheckpointer
	runner  *Runner
}

func newPipeEnv(t *testing.T, model *scriptedStreamer, decider *scriptDecider, toolkit *ToolKit) *pipeEnv {
	t.Helper()
	if toolkit == nil {
		toolkit = NewToolKit()
	}
	cp, err := NewFileCheckpointer(t.TempDir())
	if err != nil {
		t.Fatalf("checkpointer: %v", err)
	}

	settings := NewPipelineSettings()
	settings.QuickResponseWindow = 300 * time.Millisecond

	pipeline, err := NewPipeline(settings, PipelineDeps{
		Model:      model,
		Decider:    decider,
		Summarizer: &recordingSummarizer{text: "condensed"},
		Registry:   testRegistry(),
		MCP:        NewClient(toolkit),
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	return &pipeEnv{
		model:   model,
		decider: decider,
		events:  &eventLog{},
		cp:      cp,
		runner:  NewRunner(pipeline, cp, nil),
	}
}

func messageInput(t *testing.T, msgs ...Message) RunInput {
	t.Helper()
	u := NewInternalUpdates()
	u.CurrentChannel = "general"
	u.Channel("general").NewMessages = msgs
	raw, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return RunInput{History: raw}
}

func TestPipelineConversationTurn(t *testing.T) {
	env := newPipeEnv(t,
		&scriptedStreamer{chunks: []string{"sure ", "thing"}, resp: ChatResponse{Content: "sure thing"}},
		&scriptDecider{answers: []string{"take"}},
		nil,
	)

	final, err := env.runner.Run(context.Background(), "t1",
		messageInput(t, human("ada", "can you help?", ago(time.Minute))),
		env.events.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if final.Activity != "conversing" {
		t.Errorf("activity %q", final.Activity)
	}
	msgs := final.History.Channels["general"].Messages
	if len(msgs) != 2 || msgs[1].Kind != KindAgent || msgs[1].Content != "sure thing" {
		t.Fatalf("messages %+v", msgs)
	}
	if !final.InternalUpdates.IsEmpty() {
		t.Error("cleanup should leave no pending updates")
	}
	if final.LastSummaryCheck.IsZero() {
		t.Error("summarize stage should advance the check time")
	}

	joined := strings.Join(env.events.strings(), "")
	if joined != DirectiveTyping+"sure thing"+DirectiveSend {
		t.Errorf("events %q", joined)
	}

	loaded, ok, err := env.cp.LoadState(context.Background(), "t1")
	if err != nil || !ok {
		t.Fatalf("checkpoint: ok=%v err=%v", ok, err)
	}
	if len(loaded.History.Channels["general"].Messages) != 2 {
		t.Errorf("checkpointed messages %+v", loaded.History.Channels["general"].Messages)
	}
}

func TestPipelineSecondRunKeepsHistory(t *testing.T) {
	env := newPipeEnv(t,
		&scriptedStreamer{chunks: []string{"hi"}, resp: ChatResponse{Content: "hi"}},
		&scriptDecider{answers: []string{"take", "skip"}},
		nil,
	)
	ctx := context.Background()

	if _, err := env.runner.Run(ctx, "t1",
		messageInput(t, human("ada", "hello", ago(2*time.Minute))), env.events.emit); err != nil {
		t.Fatalf("first run: %v", err)
	}

	final, err := env.runner.Run(ctx, "t1",
		messageInput(t, human("ada", "thanks", time.Now())), env.events.emit)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	msgs := final.History.Channels["general"].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages %+v", msgs)
	}
	if msgs[2].Kind != KindHuman || msgs[2].Content != "thanks" {
		t.Errorf("last message %+v", msgs[2])
	}
	if final.Activity != Waiting {
		t.Errorf("activity %q after a skipped turn", final.Activity)
	}
}

func TestPipelineWakeupShortCircuits(t *testing.T) {
	rec := &wakeRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	env := newPipeEnv(t, &scriptedStreamer{}, &scriptDecider{}, nil)
	ctx := context.Background()

	u := NewInternalUpdates()
	u.CurrentChannel = "general"
	cu := u.Channel("general")
	cu.WakeupURL = srv.URL + "/general"
	cu.NewMessages = []Message{human("ada", "see you", ago(2 * time.Hour))}
	h := reduce(t, nil, u)
	if err := env.cp.SaveState(ctx, "tw", State{History: h}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	final, err := env.runner.Run(ctx, "tw",
		RunInput{WakeUp: json.RawMessage(`{"channel_id":"general"}`)},
		env.events.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if paths := rec.paths(); len(paths) != 1 || paths[0] != "/general" {
		t.Errorf("wakeup calls %v", paths)
	}
	if final.WakeUp != nil {
		t.Error("wakeup event should be cleared")
	}
	if len(final.History.Channels["general"].Messages) != 1 {
		t.Error("a wakeup run must not touch the conversation")
	}
	if len(env.decider.prompts) != 0 {
		t.Error("a wakeup run must not reach the decider")
	}
	if events := env.events.strings(); len(events) != 0 {
		t.Errorf("events %v", events)
	}
}

func TestPipelineIdleSkipStaysQuiet(t *testing.T) {
	env := newPipeEnv(t, &scriptedStreamer{}, &scriptDecider{answers: []string{"skip"}}, nil)
	ctx := context.Background()

	h := recentChannel(t, human("ada", "are you there?", ago(time.Minute)))
	if err := env.cp.SaveState(ctx, "t1", State{Activity: Waiting, History: h}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	final, err := env.runner.Run(ctx, "t1", RunInput{}, env.events.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if final.Activity != Waiting {
		t.Errorf("activity %q", final.Activity)
	}
	if len(final.History.Channels["general"].Messages) != 1 {
		t.Error("a skipped idle turn must not speak")
	}
	if events := env.events.strings(); len(events) != 0 {
		t.Errorf("events %v", events)
	}
}

func TestPipelineIdleTakeReleasesStages(t *testing.T) {
	env := newPipeEnv(t,
		&scriptedStreamer{chunks: []string{"back!"}, resp: ChatResponse{Content: "back!"}},
		&scriptDecider{answers: []string{"take"}},
		nil,
	)
	ctx := context.Background()

	h := recentChannel(t, human("ada", "hello again", ago(30*time.Second)))
	if err := env.cp.SaveState(ctx, "t1", State{Activity: Waiting, History: h}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	final, err := env.runner.Run(ctx, "t1", RunInput{}, env.events.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if final.Activity != "conversing" {
		t.Errorf("activity %q", final.Activity)
	}
	msgs := final.History.Channels["general"].Messages
	if len(msgs) != 2 || msgs[1].Content != "back!" {
		t.Fatalf("messages %+v", msgs)
	}

	joined := strings.Join(env.events.strings(), "")
	want := DirectiveTyping + ActivityEvent("conversing") + "back!" + DirectiveSend
	if joined != want {
		t.Errorf("events %q", joined)
	}
}

func TestPipelineRunsConfirmedTool(t *testing.T) {
	toolkit := NewToolKit()
	toolkit.Register("echo", func(ctx context.Context, call ToolCall, local map[string]any) (ToolResult, error) {
		return ToolResult{Content: "pong"}, nil
	})
	env := newPipeEnv(t, &scriptedStreamer{}, &scriptDecider{answers: []string{"skip"}}, toolkit)

	agent := NewAgentMessage("on it", ago(30*time.Second), "conversing", []ToolCall{{ID: "c1", Name: "echo"}})
	agent.ToolStates["c1"].Set(ToolConfirmed, "")

	final, err := env.runner.Run(context.Background(), "t1",
		messageInput(t, human("ada", "ping?", ago(time.Minute)), agent),
		env.events.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	msgs := final.History.Channels["general"].Messages
	if len(msgs) != 2 {
		t.Fatalf("messages %+v", msgs)
	}
	st := msgs[1].ToolStates["c1"]
	if st.InternalStatus != ToolCompleted || st.Content != "pong" {
		t.Errorf("tool state %+v", st)
	}
	for _, e := range env.events.strings() {
		if e == DirectiveRerun {
			t.Error("a tool finished before the agent turn needs no rerun")
		}
	}
}

func TestPipelineAutoToolSchedulesAndReruns(t *testing.T) {
	toolkit := NewToolKit()
	toolkit.Register("echo", func(ctx context.Context, call ToolCall, local map[string]any) (ToolResult, error) {
		return ToolResult{Content: "pong"}, nil
	})
	env := newPipeEnv(t, &scriptedStreamer{}, &scriptDecider{answers: []string{"skip"}}, toolkit)

	agent := NewAgentMessage("on it", ago(30*time.Second), "conversing", []ToolCall{
		{ID: "c2", Name: "echo", Args: map[string]any{"skip_confirmation": true}},
	})

	final, err := env.runner.Run(context.Background(), "t1",
		messageInput(t, human("ada", "ping?", ago(time.Minute)), agent),
		env.events.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	st := final.History.Channels["general"].Messages[1].ToolStates["c2"]
	if st.InternalStatus != ToolCompleted || st.Content != "pong" {
		t.Errorf("tool state %+v", st)
	}

	rerun := false
	for _, e := range env.events.strings() {
		if e == DirectiveRerun {
			rerun = true
		}
	}
	if !rerun {
		t.Error("a completed auto tool should ask for a rerun")
	}
}
