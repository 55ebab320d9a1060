package cadence

import (
	"context"
	"log/slog"
	"time"
)

// KnowledgeProvider retrieves background knowledge relevant to the current
// conversation. Implementations typically query a memory or document store
// with the recent messages.
type KnowledgeProvider interface {
	// Retrieve returns knowledge text for the conversation, or "" when
	// nothing relevant is found.
	Retrieve(ctx context.Context, h *History) (string, error)
}

// KnowledgeStage injects retrieved knowledge into the current channel as a
// transient system message, visible for exactly one turn.
type KnowledgeStage struct {
	provider KnowledgeProvider
	logger   *slog.Logger
}

// NewKnowledgeStage creates the stage. A nil provider makes it a no-op.
func NewKnowledgeStage(provider KnowledgeProvider, logger *slog.Logger) *KnowledgeStage {
	if logger == nil {
		logger = nopLogger
	}
	return &KnowledgeStage{provider: provider, logger: logger}
}

// Inject queries the provider and returns updates appending one lifespan-1
// system message to the current channel. Retrieval failures degrade to no
// knowledge rather than failing the turn.
func (k *KnowledgeStage) Inject(ctx context.Context, h *History) *InternalUpdates {
	updates := NewInternalUpdates()
	if k.provider == nil {
		return updates
	}
	text, err := k.provider.Retrieve(ctx, h)
	if err != nil {
		k.logger.Warn("knowledge retrieval failed", "error", err)
		return updates
	}
	if text == "" {
		return updates
	}
	channel := h.Current()
	cu := updates.Channel(channel.ID)
	msg := NewSystemMessage("Relevant knowledge: "+text, time.Now(), 1)
	msg.Author = "Knowledge"
	cu.NewMessages = append(cu.NewMessages, msg)
	return updates
}
