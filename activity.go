package cadence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// turnPrompt explains the turn decision to the model.
const turnPrompt = `Choose "skip" to pass your conversation turn.
Choose "check" if you want to speak but are unsure the timing is right
(for example the other person may not be done writing a run of messages).
Choose "take" to start speaking immediately.`

// ActivitySelector decides whether the agent speaks and which persona
// speaks. External failures never block the conversation: the selector falls
// back to the default agent.
type ActivitySelector struct {
	decider  Decider
	registry *AgentRegistry
	name     string
	logger   *slog.Logger
}

// NewActivitySelector creates a selector for the named agent.
func NewActivitySelector(decider Decider, registry *AgentRegistry, agentName string, logger *slog.Logger) *ActivitySelector {
	if logger == nil {
		logger = nopLogger
	}
	return &ActivitySelector{decider: decider, registry: registry, name: agentName, logger: logger}
}

// Select runs one routing decision for the current channel and returns the
// next activity. A "check" decision emits a #wait#5 directive and keeps
// waiting; a "take" decision picks the persona. Events are emitted exactly
// in the order the adapter must see them.
func (a *ActivitySelector) Select(ctx context.Context, h *History, activity string, emit EmitFunc) Update {
	channel := h.Current()

	rendered := Render(h, RenderOptions{
		UseSummaries: true,
		FromTimeAgo:  30 * time.Minute,
		MinMessage:   2,
		MaxMessage:   6,
	})
	conversation := flattenForPrompt(rendered)

	prompt := turnPrompt
	if activity != Waiting {
		prompt += a.registry.RoutingPrompt()
	}
	if channel.ChannelType == "public" {
		prompt += fmt.Sprintf("\nYou are %s. Pass your turn if people are not talking to you (talking among themselves) or do not want you to speak.", a.name)
	} else {
		prompt += fmt.Sprintf("\nYou are %s. You and one other user are alone in this conversation. Pass your turn if the user's messages need no answer (for example a plain thanks).", a.name)
	}

	if activity != Waiting {
		emit(DirectiveTyping)
	}

	decision, err := a.decider.Decide(ctx, prompt+"\n\n"+conversation, []string{"skip", "check", "take"})
	if err != nil {
		a.logger.Warn("turn decision failed, falling back to default agent", "error", err)
		return Update{Activity: a.registry.Default()}
	}

	switch decision {
	case "skip":
		if activity != Waiting {
			emit(ActivityEvent(Waiting))
		}
		return Update{Activity: Waiting}

	case "check":
		emit(WaitEvent(5))
		return Update{Activity: Waiting}

	case "take":
		if activity == Waiting {
			emit(DirectiveTyping)
		}
		choice := a.pickAgent(ctx, conversation)
		if choice != activity {
			emit(ActivityEvent(choice))
		}
		return Update{Activity: choice}

	default:
		a.logger.Warn("unexpected turn decision, falling back to default agent", "decision", decision)
		return Update{Activity: a.registry.Default()}
	}
}

// pickAgent routes a taken turn to a special agent, or the default one when
// nothing applies or the decision fails.
func (a *ActivitySelector) pickAgent(ctx context.Context, conversation string) string {
	choices := a.registry.RoutingChoices()
	if len(choices) == 0 {
		return a.registry.Default()
	}
	choices = append(choices, "none")

	choice, err := a.decider.Decide(ctx, a.registry.RoutingPrompt()+"\n\n"+conversation, choices)
	if err != nil {
		a.logger.Warn("agent routing failed, using default agent", "error", err)
		return a.registry.Default()
	}
	if choice == "" || choice == "none" {
		return a.registry.Default()
	}
	if _, ok := a.registry.Get(choice); !ok {
		a.logger.Warn("agent routing returned unknown agent, using default", "choice", choice)
		return a.registry.Default()
	}
	return choice
}

// flattenForPrompt renders display messages as plain text for decision
// prompts.
func flattenForPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Kind {
		case KindTool:
			fmt.Fprintf(&b, "[tool %s %s] %s\n", m.ToolCallID, m.Status, m.Content)
		case KindAgent:
			fmt.Fprintf(&b, "You: %s\n", m.Content)
		default:
			b.WriteString(m.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
