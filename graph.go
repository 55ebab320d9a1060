package cadence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// End is the terminal pseudo-node. Edges to End stop the branch.
const End = "end"

// maxSupersteps bounds a run so a routing bug cannot spin forever.
const maxSupersteps = 50

// EmitFunc routes a stream event to the external side channel. It must be
// safe for concurrent use; frontier stages run in parallel.
type EmitFunc func(event any)

// Command is a stage's output: an optional state update plus routing. An
// empty Goto follows the node's static edges.
type Command struct {
	Update Update
	Goto   []string
}

// NodeFunc runs one stage against an immutable state snapshot.
type NodeFunc func(ctx context.Context, s State, emit EmitFunc) (Command, error)

// Graph is a declarative DAG of pipeline stages executed in supersteps:
// every node of the current frontier runs concurrently against the same
// snapshot, then their commands are applied through the state reducers in
// deterministic order and the next frontier is the union of their targets.
type Graph struct {
	name  string
	entry string
	nodes map[string]NodeFunc
	edges map[string][]string

	logger *slog.Logger
	tracer Tracer

	compiled bool
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithGraphLogger sets the graph logger. Defaults to a discard handler.
func WithGraphLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGraphTracer sets the tracer used to span each stage execution.
func WithGraphTracer(t Tracer) GraphOption {
	return func(g *Graph) { g.tracer = t }
}

// NewGraph creates a graph starting at the named entry node.
func NewGraph(name, entry string, opts ...GraphOption) *Graph {
	g := &Graph{
		name:   name,
		entry:  entry,
		nodes:  make(map[string]NodeFunc),
		edges:  make(map[string][]string),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Node adds a stage with its static outgoing edges. No edges means the
// branch ends after the node unless its command routes elsewhere.
func (g *Graph) Node(name string, fn NodeFunc, next ...string) *Graph {
	g.nodes[name] = fn
	g.edges[name] = next
	return g
}

// Subgraph embeds another graph as a single node: the inner graph runs to
// completion against the snapshot and its stages' writes are condensed into
// one command for the outer graph. The inner run shares the outer emit but
// not the outer checkpoint hook; the outer graph checkpoints once the whole
// subgraph has finished.
func (g *Graph) Subgraph(name string, sub *Graph, next ...string) *Graph {
	fn := func(ctx context.Context, s State, emit EmitFunc) (Command, error) {
		_, acc, err := sub.run(ctx, s, emit, nil)
		if err != nil {
			return Command{}, err
		}
		return Command{Update: acc}, nil
	}
	return g.Node(name, fn, next...)
}

// Compile validates the graph: the entry exists, every edge target resolves,
// and the static edges form no cycle.
func (g *Graph) Compile() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("graph %s: entry node %q not found", g.name, g.entry)
	}
	for from, targets := range g.edges {
		for _, to := range targets {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("graph %s: node %q routes to unknown node %q", g.name, from, to)
			}
		}
	}

	// Kahn's algorithm over the static edges.
	indegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		indegree[name] = 0
	}
	for _, targets := range g.edges {
		for _, to := range targets {
			if to != End {
				indegree[to]++
			}
		}
	}
	queue := make([]string, 0, len(g.nodes))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range g.edges[n] {
			if to == End {
				continue
			}
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if visited != len(g.nodes) {
		return fmt.Errorf("graph %s: cycle detected in static edges", g.name)
	}
	g.compiled = true
	return nil
}

// Run executes the graph from its entry node. after, when non-nil, is called
// with the state at every superstep boundary (the checkpoint hook). On error
// the state of the last completed superstep is returned.
func (g *Graph) Run(ctx context.Context, s State, emit EmitFunc, after func(context.Context, State) error) (State, error) {
	out, _, err := g.run(ctx, s, emit, after)
	return out, err
}

type nodeResult struct {
	name string
	cmd  Command
	err  error
}

// run is the shared superstep loop. It returns both the final state and the
// accumulated update equivalent to every applied command, which lets a
// subgraph surface its writes as one command.
func (g *Graph) run(ctx context.Context, s State, emit EmitFunc, after func(context.Context, State) error) (State, Update, error) {
	if !g.compiled {
		if err := g.Compile(); err != nil {
			return s, Update{}, err
		}
	}
	if emit == nil {
		emit = func(any) {}
	}

	var acc Update
	frontier := []string{g.entry}
	for step := 0; len(frontier) > 0; step++ {
		if step >= maxSupersteps {
			return s, acc, fmt.Errorf("graph %s: superstep limit reached", g.name)
		}
		if err := ctx.Err(); err != nil {
			return s, acc, err
		}

		results := make([]nodeResult, len(frontier))
		var wg sync.WaitGroup
		for i, name := range frontier {
			wg.Add(1)
			go func(i int, name string) {
				defer wg.Done()
				results[i] = g.runNode(ctx, name, s, emit)
			}(i, name)
		}
		wg.Wait()

		// Commands apply in node-name order so fan-in is deterministic.
		sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })

		next := make([]string, 0, len(results))
		seen := make(map[string]bool)
		for _, r := range results {
			if r.err != nil {
				return s, acc, fmt.Errorf("graph %s: node %s: %w", g.name, r.name, r.err)
			}
			applied, err := s.Apply(r.cmd.Update)
			if err != nil {
				return s, acc, fmt.Errorf("graph %s: node %s: %w", g.name, r.name, err)
			}
			s = applied
			acc, err = accumulate(acc, r.cmd.Update)
			if err != nil {
				return s, acc, fmt.Errorf("graph %s: node %s: %w", g.name, r.name, err)
			}

			targets := r.cmd.Goto
			if len(targets) == 0 {
				targets = g.edges[r.name]
			}
			for _, t := range targets {
				if t == End || seen[t] {
					continue
				}
				if _, ok := g.nodes[t]; !ok {
					return s, acc, fmt.Errorf("graph %s: node %s routed to unknown node %q", g.name, r.name, t)
				}
				seen[t] = true
				next = append(next, t)
			}
		}
		sort.Strings(next)
		frontier = next

		if after != nil {
			if err := after(ctx, s); err != nil {
				return s, acc, fmt.Errorf("graph %s: checkpoint: %w", g.name, err)
			}
		}
	}
	return s, acc, nil
}

func (g *Graph) runNode(ctx context.Context, name string, s State, emit EmitFunc) nodeResult {
	var span Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "pipeline.stage",
			StringAttr("graph.name", g.name),
			StringAttr("stage.name", name))
		defer span.End()
	}
	g.logger.Debug("stage start", "graph", g.name, "stage", name)

	cmd, err := g.nodes[name](ctx, s.Clone(), emit)
	if err != nil {
		g.logger.Error("stage failed", "graph", g.name, "stage", name, "error", err)
		if span != nil {
			span.Error(err)
		}
	}
	return nodeResult{name: name, cmd: cmd, err: err}
}
