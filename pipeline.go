package cadence

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Internal activities routing the chat subgraph.
const (
	internalRegular     = "regular"
	internalIdle        = "idle"
	internalVisionFirst = "vision first"
)

type threadKey struct{}

// withThreadID tags the context with the conversation thread being run, so
// stages can address the right tool-execution thread.
func withThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadKey{}, id)
}

func threadIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(threadKey{}).(string)
	return id
}

// PipelineSettings are the runtime knobs of a pipeline.
type PipelineSettings struct {
	// AgentName is how the agent introduces itself in prompts.
	AgentName string
	// DefaultActivity is the persona used when none is set and on decision
	// failures.
	DefaultActivity string
	// QuickResponseWindow is how long tool stages wait for in-flight calls
	// before settling for processing placeholders.
	QuickResponseWindow time.Duration
	// Summarize tunes the background summarizer.
	Summarize SummarizeSettings
}

// NewPipelineSettings returns the defaults.
func NewPipelineSettings() PipelineSettings {
	return PipelineSettings{
		AgentName:           "Cadence",
		DefaultActivity:     "conversing",
		QuickResponseWindow: 2 * time.Second,
		Summarize:           NewSummarizeSettings(),
	}
}

// PipelineDeps are the external collaborators of a pipeline.
type PipelineDeps struct {
	Model      ChatStreamer
	Decider    Decider
	Summarizer Summarizer
	Describer  ImageDescriber
	Knowledge  KnowledgeProvider
	Registry   *AgentRegistry
	MCP        *Client
	URLCache   URLCache
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     Tracer
}

// Pipeline is the full conversational run: tool scheduling, link enrichment,
// turn selection, the agent's reply, background summarization and cleanup,
// wired as a two-level stage graph.
type Pipeline struct {
	settings PipelineSettings

	registry   *AgentRegistry
	model      ChatStreamer
	selector   *ActivitySelector
	vision     *VisionProcessor
	knowledge  *KnowledgeStage
	summarizer *ChannelSummarizer
	waker      *Waker
	mcp        *Client

	graph  *Graph
	logger *slog.Logger
}

// NewPipeline builds and compiles the pipeline graph.
func NewPipeline(settings PipelineSettings, deps PipelineDeps) (*Pipeline, error) {
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	p := &Pipeline{
		settings:   settings,
		registry:   deps.Registry,
		model:      deps.Model,
		selector:   NewActivitySelector(deps.Decider, deps.Registry, settings.AgentName, logger),
		vision:     NewVisionProcessor(deps.Describer, deps.Summarizer, deps.URLCache, deps.HTTPClient, logger),
		knowledge:  NewKnowledgeStage(deps.Knowledge, logger),
		summarizer: NewChannelSummarizer(deps.Summarizer, settings.Summarize, logger),
		waker:      NewWaker(deps.HTTPClient, logger),
		mcp:        deps.MCP,
		logger:     logger,
	}

	chat := NewGraph("chat", "entrypoint", WithGraphLogger(logger), WithGraphTracer(deps.Tracer))
	chat.Node("entrypoint", p.entrypoint, "tools", "activity", "vision", "knowledge")
	chat.Node("activity", p.activityStage, "local_merge")
	chat.Node("vision", p.visionStage, "local_merge")
	chat.Node("knowledge", p.knowledgeStage, "local_merge")
	chat.Node("tools", p.toolsStage, "local_merge")
	chat.Node("local_merge", p.localMerge, "agents")
	chat.Node("agents", p.agentsStage, "postprocess")
	chat.Node("postprocess", p.postprocessChat, End)
	if err := chat.Compile(); err != nil {
		return nil, err
	}

	outer := NewGraph("pipeline", "preprocess", WithGraphLogger(logger), WithGraphTracer(deps.Tracer))
	outer.Node("preprocess", p.preprocess, "chat", "summarize", "wakeup")
	outer.Node("wakeup", p.wakeupStage, End)
	outer.Subgraph("chat", chat, "merge")
	outer.Node("summarize", p.summarizeStage, "merge")
	outer.Node("merge", p.merge, "afterthought", "autotools")
	outer.Node("afterthought", p.afterthought, "cleanup")
	outer.Node("autotools", p.autotoolsStage, "cleanup")
	outer.Node("cleanup", p.cleanup, End)
	if err := outer.Compile(); err != nil {
		return nil, err
	}
	p.graph = outer
	return p, nil
}

// history returns the state's history, or an empty one before the first
// input initialized it.
func history(s State) *History {
	if s.History == nil {
		return NewHistory()
	}
	return s.History
}

// ---- Outer graph ----

// preprocess initializes missing state fields and routes: a pending wake-up
// short-circuits to the wakeup stage, everything else fans out to the chat
// subgraph and the summarizer.
func (p *Pipeline) preprocess(_ context.Context, s State, _ EmitFunc) (Command, error) {
	if s.WakeUp != nil {
		return Command{Goto: []string{"wakeup"}}, nil
	}
	u := Update{
		InternalUpdates:  Reset,
		InternalActivity: internalRegular,
	}
	if s.Activity == "" {
		u.Activity = p.settings.DefaultActivity
	}
	if s.History == nil {
		u.History = Reset
	}
	return Command{Update: u, Goto: []string{"chat", "summarize"}}, nil
}

// wakeupStage resolves the wake-up to a channel, fires its wakeup URL and
// clears the event.
func (p *Pipeline) wakeupStage(ctx context.Context, s State, _ EmitFunc) (Command, error) {
	if s.WakeUp == nil {
		return Command{}, fmt.Errorf("wakeup stage reached without a wakeup event")
	}
	p.waker.HandleWakeUp(ctx, history(s), *s.WakeUp)
	return Command{Update: Update{ClearWakeUp: true}, Goto: []string{End}}, nil
}

// summarizeStage condenses summarizable regions across channels. Each new
// summary is streamed to the adapter before the updates head to merge.
func (p *Pipeline) summarizeStage(ctx context.Context, s State, emit EmitFunc) (Command, error) {
	updates, err := p.summarizer.SummarizeHistory(ctx, history(s), s.LastSummaryCheck)
	if err != nil {
		return Command{}, err
	}
	for _, id := range sortedUpdateChannelIDs(updates) {
		for _, summary := range updates.ChannelUpdates[id].NewSummaries {
			emit(fmt.Sprintf("**SUMMARY** <%s - %s> %s", summary.MinDate, summary.MaxDate, summary.Text))
			emit(DirectiveSend)
		}
	}
	now := time.Now()
	return Command{Update: Update{InternalUpdates: updates, LastSummaryCheck: &now}}, nil
}

// merge applies the accumulated internal updates to the history through the
// reducer, then resets them for the post-processing stages.
func (p *Pipeline) merge(_ context.Context, s State, _ EmitFunc) (Command, error) {
	if s.InternalUpdates.IsEmpty() {
		return Command{}, nil
	}
	return Command{Update: Update{History: s.InternalUpdates, InternalUpdates: Reset}}, nil
}

// afterthought is the post-conversation reflection slot. Nothing runs here
// yet; it exists so reflection work lands between merge and cleanup without
// rewiring the graph.
func (p *Pipeline) afterthought(_ context.Context, _ State, _ EmitFunc) (Command, error) {
	return Command{}, nil
}

// autotoolsStage schedules unconfirmed tool calls that opted out of user
// confirmation, and asks for a rerun when any finished inside the window so
// the conversation can react to the results.
func (p *Pipeline) autotoolsStage(ctx context.Context, s State, emit EmitFunc) (Command, error) {
	h := history(s)
	reactive, updates := h.FindReactiveToolCalls()

	var requests []Request
	for _, r := range reactive {
		if r.State.InternalStatus == ToolUnconfirmed && r.Call.BoolArg("skip_confirmation") {
			requests = append(requests, NewRequest(r.Call))
		}
	}
	threadID := threadIDFrom(ctx)
	if len(requests) > 0 {
		p.mcp.AddRequests(ctx, threadID, requests, nil)
	}

	responses := p.mcp.GetResponses(ctx, threadID, p.settings.QuickResponseWindow)
	if len(responses) > 0 {
		ru, err := h.UpdatesFromResponses(responses)
		if err != nil {
			return Command{}, err
		}
		if updates, err = MergeUpdates(updates, ru); err != nil {
			return Command{}, err
		}
		for _, resp := range responses {
			if resp.Status != ToolProcessing {
				emit(DirectiveRerun)
				break
			}
		}
	}

	if updates.IsEmpty() {
		return Command{}, nil
	}
	return Command{Update: Update{InternalUpdates: updates}}, nil
}

// cleanup counts down temporary system messages and applies everything that
// accumulated after merge. Each visited channel's watermark advances so the
// next run skips it until new activity or the oldest pending expiry.
func (p *Pipeline) cleanup(_ context.Context, s State, _ EmitFunc) (Command, error) {
	updates := s.InternalUpdates.Clone()
	if updates == nil {
		updates = NewInternalUpdates()
	}

	h := history(s)
	for _, id := range h.sortedChannelIDs() {
		channel := h.Channels[id]
		if channel.NoTemporaryMessageBefore != nil && !channel.LastActivity.After(*channel.NoTemporaryMessageBefore) {
			continue
		}

		cu := &ChannelUpdates{}
		watermark := channel.LastActivity
		for i, m := range channel.Messages {
			if m.Kind != KindSystem || m.Lifespan == 0 {
				continue
			}
			if m.Lifespan > 1 {
				updated := m.Clone()
				updated.Lifespan--
				if cu.MessageUpdates == nil {
					cu.MessageUpdates = make(map[int]Message)
				}
				cu.MessageUpdates[i] = updated
			} else {
				cu.MessageDeletes = append(cu.MessageDeletes, i)
			}
			if expiry := m.Date.Add(-time.Second); expiry.Before(watermark) {
				watermark = expiry
			}
		}
		cu.NoTemporaryMessageBefore = &watermark

		local := NewInternalUpdates()
		local.ChannelUpdates[id] = cu
		var err error
		if updates, err = MergeUpdates(updates, local); err != nil {
			return Command{}, err
		}
	}

	return Command{Update: Update{InternalUpdates: Reset, History: updates}, Goto: []string{End}}, nil
}

// ---- Chat subgraph ----

// entrypoint routes the chat subgraph: idle turns run the selector first,
// a message that is mostly a bare link runs vision first, everything else
// fans out to all preparation stages at once.
func (p *Pipeline) entrypoint(_ context.Context, s State, _ EmitFunc) (Command, error) {
	internal := internalRegular
	if s.Activity == Waiting {
		internal = internalIdle
	}

	channel := history(s).Current()
	if n := len(channel.Messages); n > 0 {
		last := channel.Messages[n-1]
		if link := urlPattern.FindString(last.Content); link != "" && len(last.Content)-len(link) < 5 {
			internal = internalVisionFirst
		}
	}

	u := Update{InternalActivity: internal}
	switch internal {
	case internalVisionFirst:
		return Command{Update: u, Goto: []string{"vision"}}, nil
	case internalIdle:
		return Command{Update: u, Goto: []string{"activity"}}, nil
	default:
		return Command{Update: u, Goto: []string{"tools", "activity", "vision", "knowledge"}}, nil
	}
}

// activityStage runs the turn decision. On an idle turn the routing depends
// on the fresh selection: staying in waiting skips straight to the merge,
// leaving it releases the held preparation stages.
func (p *Pipeline) activityStage(ctx context.Context, s State, emit EmitFunc) (Command, error) {
	u := p.selector.Select(ctx, history(s), s.Activity, emit)

	targets := []string{"local_merge"}
	if s.InternalActivity == internalIdle && u.Activity != Waiting {
		targets = []string{"vision", "knowledge", "tools"}
	}
	return Command{Update: u, Goto: targets}, nil
}

// visionStage enriches links in the freshest human messages. In vision-first
// mode it releases the remaining preparation stages once the annotations are
// in place.
func (p *Pipeline) visionStage(ctx context.Context, s State, _ EmitFunc) (Command, error) {
	updates, err := p.vision.ProcessCurrentChannel(ctx, history(s))
	if err != nil {
		return Command{}, err
	}

	targets := []string{"local_merge"}
	if s.InternalActivity == internalVisionFirst {
		targets = []string{"activity", "knowledge", "tools"}
	}
	cmd := Command{Goto: targets}
	if !updates.IsEmpty() {
		cmd.Update = Update{InternalUpdates: updates}
	}
	return cmd, nil
}

// knowledgeStage surfaces retrieved knowledge for one turn.
func (p *Pipeline) knowledgeStage(ctx context.Context, s State, _ EmitFunc) (Command, error) {
	updates := p.knowledge.Inject(ctx, history(s))
	if updates.IsEmpty() {
		return Command{}, nil
	}
	return Command{Update: Update{InternalUpdates: updates}}, nil
}

// toolsStage schedules confirmed tool calls and folds in whatever responses
// arrive inside the quick window.
func (p *Pipeline) toolsStage(ctx context.Context, s State, _ EmitFunc) (Command, error) {
	h := history(s)
	reactive, updates := h.FindReactiveToolCalls()

	var requests []Request
	for _, r := range reactive {
		if r.State.InternalStatus == ToolConfirmed {
			requests = append(requests, NewRequest(r.Call))
		}
	}
	threadID := threadIDFrom(ctx)
	if len(requests) > 0 {
		p.mcp.AddRequests(ctx, threadID, requests, map[string]any{"history": h})
	}

	responses := p.mcp.GetResponses(ctx, threadID, p.settings.QuickResponseWindow)
	if len(responses) > 0 {
		ru, err := h.UpdatesFromResponses(responses)
		if err != nil {
			return Command{}, err
		}
		if updates, err = MergeUpdates(updates, ru); err != nil {
			return Command{}, err
		}
	}

	if updates.IsEmpty() {
		return Command{}, nil
	}
	return Command{Update: Update{InternalUpdates: updates}}, nil
}

// localMerge applies the preparation stages' updates before the agent reads
// the history. The applied updates are reset so the outer merge does not
// fold them in a second time.
func (p *Pipeline) localMerge(_ context.Context, s State, _ EmitFunc) (Command, error) {
	if s.InternalUpdates.IsEmpty() {
		return Command{}, nil
	}
	return Command{Update: Update{History: s.InternalUpdates, InternalUpdates: Reset}}, nil
}

// agentsStage runs the selected persona's conversational turn, unless the
// selector decided to keep quiet.
func (p *Pipeline) agentsStage(ctx context.Context, s State, emit EmitFunc) (Command, error) {
	if s.Activity == Waiting {
		return Command{}, nil
	}
	updates, err := Converse(ctx, p.model, p.registry, history(s), s.Activity, p.settings.AgentName, emit)
	if err != nil {
		return Command{}, err
	}
	if updates.IsEmpty() {
		return Command{}, nil
	}
	return Command{Update: Update{InternalUpdates: updates}}, nil
}

// postprocessChat guarantees the subgraph leaves with a usable history.
func (p *Pipeline) postprocessChat(_ context.Context, s State, _ EmitFunc) (Command, error) {
	if s.History != nil && !s.History.IsEmpty() {
		return Command{}, nil
	}
	return Command{Update: Update{History: Reset}}, nil
}

// ---- Runner ----

// Runner serializes pipeline runs per conversation thread and persists the
// state around each superstep.
type Runner struct {
	pipeline     *Pipeline
	checkpointer Checkpointer
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner creates a runner over a compiled pipeline. A nil checkpointer
// keeps state in memory for the duration of each run only.
func NewRunner(pipeline *Pipeline, checkpointer Checkpointer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = nopLogger
	}
	return &Runner{
		pipeline:     pipeline,
		checkpointer: checkpointer,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (r *Runner) threadLock(threadID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[threadID] = l
	}
	return l
}

// Run executes one pipeline run for the thread: the checkpointed state is
// loaded, the input folded in, the graph executed with a checkpoint at every
// superstep, and the final state returned. Runs on the same thread are
// serialized; runs on different threads proceed concurrently.
func (r *Runner) Run(ctx context.Context, threadID string, input RunInput, emit EmitFunc) (State, error) {
	lock := r.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	ctx = withThreadID(ctx, threadID)

	var s State
	if r.checkpointer != nil {
		loaded, ok, err := r.checkpointer.LoadState(ctx, threadID)
		if err != nil {
			return State{}, fmt.Errorf("load state: %w", err)
		}
		if ok {
			s = loaded
		}
	}

	u, err := input.ToUpdate()
	if err != nil {
		return s, fmt.Errorf("run input: %w", err)
	}
	if s, err = s.Apply(u); err != nil {
		return s, fmt.Errorf("apply input: %w", err)
	}

	var after func(context.Context, State) error
	if r.checkpointer != nil {
		after = func(ctx context.Context, snapshot State) error {
			return r.checkpointer.SaveState(ctx, threadID, snapshot)
		}
	}

	final, err := r.pipeline.graph.Run(ctx, s, emit, after)
	if err != nil {
		return final, err
	}
	r.logger.Info("run finished", "thread", threadID)
	return final, nil
}
