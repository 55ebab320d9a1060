package cadence

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SummarizeSettings tunes when conversation regions are condensed into
// summaries.
type SummarizeSettings struct {
	// SizeThreshold is the base region size for recent messages.
	SizeThreshold int
	// ChannelSizeThreshold is the region size ceiling for day-old messages.
	ChannelSizeThreshold int
	// MinRegionMessages is the smallest region worth summarizing.
	MinRegionMessages int
	// MinRegionContent skips regions whose combined text is too small to be
	// worth a model call.
	MinRegionContent int
	// MessageSummaryThreshold is the content size past which an individual
	// message gets its own short stand-in summary.
	MessageSummaryThreshold int
	// Retention is how far back messages are kept once a channel has fresh
	// summaries covering them.
	Retention time.Duration
}

// NewSummarizeSettings returns the default thresholds.
func NewSummarizeSettings() SummarizeSettings {
	return SummarizeSettings{
		SizeThreshold:           4000,
		ChannelSizeThreshold:    20000,
		MinRegionMessages:       5,
		MinRegionContent:        300,
		MessageSummaryThreshold: 2000,
		Retention:               5 * 24 * time.Hour,
	}
}

// ChannelSummarizer condenses inactive stretches of channel history into
// summaries and prunes messages old enough to be covered by them. It is the
// only component that shrinks a conversation.
type ChannelSummarizer struct {
	model    Summarizer
	settings SummarizeSettings
	logger   *slog.Logger
}

// NewChannelSummarizer creates a summarizer over the given model.
func NewChannelSummarizer(model Summarizer, settings SummarizeSettings, logger *slog.Logger) *ChannelSummarizer {
	if logger == nil {
		logger = nopLogger
	}
	return &ChannelSummarizer{model: model, settings: settings, logger: logger}
}

// SummarizeHistory checks every channel active since the last check, groups
// its messages with coarse long-range gap tiers, and summarizes the regions
// that are old enough, large enough and not already covered. Channels with
// new summaries also get their old messages pruned.
func (cs *ChannelSummarizer) SummarizeHistory(ctx context.Context, h *History, lastCheck time.Time) (*InternalUpdates, error) {
	updates := NewInternalUpdates()
	now := time.Now()

	for _, id := range h.sortedChannelIDs() {
		channel := h.Channels[id]
		if !lastCheck.IsZero() && !channel.LastActivity.After(lastCheck) {
			continue
		}

		items := make([]Item, len(channel.Messages))
		for i := range channel.Messages {
			items[i] = Item{Message: &channel.Messages[i]}
		}
		groups := Group(items, []GapTier{
			{Threshold: now, MaxGap: 5 * time.Minute},
			{Threshold: now.Add(-20 * time.Minute), MaxGap: 15 * time.Minute},
			{Threshold: now.Add(-time.Hour), MaxGap: time.Hour},
			{Threshold: now.Add(-6 * time.Hour), MaxGap: 24 * time.Hour},
			{Threshold: now.Add(-48 * time.Hour), MaxGap: 48 * time.Hour},
		}, []SizeTier{
			{Threshold: now, MaxSize: cs.settings.SizeThreshold},
			{Threshold: now.Add(-time.Hour), MaxSize: 2 * cs.settings.SizeThreshold},
			{Threshold: now.Add(-24 * time.Hour), MaxSize: cs.settings.ChannelSizeThreshold},
		})

		var produced []Summary
		for i, group := range groups {
			if i == len(groups)-1 {
				continue // the active region stays verbatim
			}
			if len(group) < cs.settings.MinRegionMessages {
				continue
			}
			minDate, maxDate := group[0].Start(), group[len(group)-1].End()
			if cs.hasSummary(channel, minDate, maxDate) {
				continue
			}
			size := 0
			for _, item := range group {
				size += item.size(false)
			}
			if size < cs.settings.MinRegionContent {
				continue
			}

			summary, err := cs.createSummary(ctx, h, id, minDate, maxDate)
			if err != nil {
				cs.logger.Warn("summarize region failed", "channel", id, "error", err)
				continue
			}
			produced = append(produced, summary)
		}

		msgUpdates := cs.messageSummaries(ctx, channel, now)

		if len(produced) > 0 || len(msgUpdates) > 0 {
			cu := updates.Channel(id)
			cu.NewSummaries = produced
			if len(msgUpdates) > 0 {
				cu.MessageUpdates = msgUpdates
			}
			if len(produced) > 0 {
				cutoff := now.Add(-cs.settings.Retention)
				cu.DeleteBefore = &cutoff
			}
		}
	}
	return updates, nil
}

// hasSummary reports whether a summary with exactly this span already exists.
func (cs *ChannelSummarizer) hasSummary(c *Channel, minDate, maxDate time.Time) bool {
	for _, s := range c.SummariesAt(maxDate) {
		if s.MinDate.Equal(minDate) {
			return true
		}
	}
	return false
}

// createSummary renders the region and asks the model for a second-person
// summary of it.
func (cs *ChannelSummarizer) createSummary(ctx context.Context, h *History, channelID string, minDate, maxDate time.Time) (Summary, error) {
	opts := NewRenderOptions()
	opts.ChannelID = channelID
	opts.MinDate = &minDate
	opts.MaxDate = &maxDate
	rendered := Render(h, opts)

	prompt := "Summarize the whole conversation in the second person (\"... talked about ... and you ...\"), " +
		"integrating any message summaries already present, " +
		"but excluding messages that start with \"from channel ...\", " +
		"which only provide context about what happens in the other channels.\n\n" +
		flattenForPrompt(rendered)

	text, err := cs.model.Summarize(ctx, prompt)
	if err != nil {
		return Summary{}, fmt.Errorf("create summary: %w", err)
	}
	return Summary{MinDate: minDate, MaxDate: maxDate, Text: text}, nil
}

// messageSummaries gives oversized messages older than an hour a short
// stand-in summary, so the assembler can show them cheaply.
func (cs *ChannelSummarizer) messageSummaries(ctx context.Context, c *Channel, now time.Time) map[int]Message {
	var out map[int]Message
	for i, m := range c.Messages {
		if m.Summary != "" || len(m.Content) < cs.settings.MessageSummaryThreshold {
			continue
		}
		if m.Date.After(now.Add(-time.Hour)) {
			continue
		}
		text, err := cs.model.Summarize(ctx,
			"Reduce the size of this message to a small paragraph while keeping as much information and meaning as possible: "+m.Content)
		if err != nil {
			cs.logger.Warn("message summary failed", "channel", c.ID, "index", i, "error", err)
			continue
		}
		updated := m.Clone()
		updated.Summary = text
		if out == nil {
			out = make(map[int]Message)
		}
		out[i] = updated
	}
	return out
}
