package cadence

import (
	"fmt"
	"strings"
	"time"
)

// timeAgo renders a coarse relative timestamp for group headers.
func timeAgo(t time.Time) string {
	seconds := int(time.Since(t).Seconds())
	switch {
	case seconds < 0:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 60:
		return fmt.Sprintf("%ds ago", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm ago", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh ago", seconds/3600)
	default:
		return fmt.Sprintf("%dd ago", seconds/86400)
	}
}

// RenderOptions tunes the conversation projection handed to the model.
type RenderOptions struct {
	// ChannelID overrides the history's current channel.
	ChannelID string
	// UseSummaries substitutes message summaries for content where present.
	UseSummaries bool
	// FromTimeAgo sets the visible window when MinDate is unset.
	FromTimeAgo time.Duration
	MinDate     *time.Time
	MaxDate     *time.Time
	// MinMessage is the minimum number of current-channel messages shown even
	// when older than the window.
	MinMessage int
	MaxMessage int
}

// NewRenderOptions returns the renderer defaults.
func NewRenderOptions() RenderOptions {
	return RenderOptions{UseSummaries: true, FromTimeAgo: 24 * time.Hour, MinMessage: 3}
}

// Render projects the history into the message list shown to the model: the
// current channel assembled under a budget, clustered into grouped
// human-facing messages with relative-time headers, agent messages kept
// verbatim with their tool messages unpacked alongside, and recently active
// external channels interleaved at the right spots.
func Render(h *History, opts RenderOptions) []Message {
	channelID := opts.ChannelID
	if channelID == "" {
		channelID = h.CurrentChannel
	}
	channel, err := h.Channel(channelID)
	if err != nil || len(channel.Messages) == 0 {
		return nil
	}

	minDate := opts.MinDate
	if minDate == nil {
		d := time.Now().Add(-opts.FromTimeAgo)
		minDate = &d
	}

	aOpts := NewAssembleOptions()
	aOpts.MinMessage = opts.MinMessage
	aOpts.MaxMessage = opts.MaxMessage
	aOpts.MinDate = minDate
	aOpts.MaxDate = opts.MaxDate
	assembled := Assemble(channel.Messages, channel.Summaries, aOpts)

	now := time.Now()
	groups := Group(assembled, []GapTier{
		{Threshold: now, MaxGap: 20 * time.Minute},
		{Threshold: now.Add(-2 * time.Hour), MaxGap: time.Hour},
		{Threshold: now.Add(-24 * time.Hour), MaxGap: 24 * time.Hour},
	}, nil)

	var display []Message
	firstGroup := true
	for _, group := range groups {
		var aggregate []Item
		for _, item := range group {
			if item.Message != nil && item.Message.Kind == KindAgent {
				if len(aggregate) > 0 {
					display = append(display, formatGroup(aggregate, opts.UseSummaries, firstGroup))
					aggregate = nil
				}
				display = append(display, item.Message.Unpack()...)
				continue
			}
			if item.Message != nil && item.Message.Kind == KindSystem && item.Message.Lifespan > 0 {
				if rewritten, ok := rewriteToolUpdated(*item.Message, channel); ok {
					m := rewritten
					item = Item{Message: &m}
				}
			}
			aggregate = append(aggregate, item)
		}
		if len(aggregate) > 0 {
			display = append(display, formatGroup(aggregate, opts.UseSummaries, firstGroup))
		}
		firstGroup = false
	}
	if len(display) == 0 {
		return nil
	}

	display = interleaveExternal(h, channel, display, opts.MaxDate, opts.UseSummaries)
	return display
}

// formatGroup folds a run of human, system and summary items into a single
// human-facing message. The first group of a rendering shows a per-line
// timestamp instead of one shared header.
func formatGroup(group []Item, useSummaries, showAllDates bool) Message {
	last := group[len(group)-1]

	var lines []string
	if !showAllDates {
		if last.IsSummary() {
			lines = append(lines, fmt.Sprintf("from %s to %s", timeAgo(last.Start()), timeAgo(last.End())))
		} else {
			lines = append(lines, timeAgo(last.End()))
		}
	}

	for _, item := range group {
		var line string
		switch {
		case item.IsSummary():
			if showAllDates {
				line = fmt.Sprintf("*%s to %s: %s*", timeAgo(item.Start()), timeAgo(item.End()), item.Summary.Text)
			} else {
				line = fmt.Sprintf("*%s*", item.Summary.Text)
			}
		case item.Message.Kind == KindSystem:
			author := item.Message.Author
			if author == "" {
				author = "System"
			}
			if showAllDates {
				line = fmt.Sprintf("%s: [%s] %s", timeAgo(item.End()), author, item.Message.Content)
			} else {
				line = fmt.Sprintf("[%s] %s", author, item.Message.Content)
			}
		default:
			author := item.Message.Author
			if author == "" {
				author = "Unspecified User"
			}
			content := item.Message.displayContent(useSummaries)
			if showAllDates {
				line = fmt.Sprintf("%s: %s: %s", timeAgo(item.End()), author, content)
			} else {
				line = fmt.Sprintf("%s: %s", author, content)
			}
		}
		lines = append(lines, line)
	}

	return Message{
		Kind:    KindHuman,
		Author:  "Grouped Messages",
		Content: strings.Join(lines, "\n"),
		Date:    last.End(),
	}
}

// rewriteToolUpdated replaces a transient "#toolupdated#<id>" notification
// with the current state of the referenced tool call so the model sees the
// outcome instead of the marker.
func rewriteToolUpdated(msg Message, channel *Channel) (Message, bool) {
	idx := strings.Index(msg.Content, "#toolupdated#")
	if idx < 0 {
		return msg, false
	}
	id := msg.Content[idx+len("#toolupdated#"):]

	for i := len(channel.Messages) - 1; i >= 0; i-- {
		host := channel.Messages[i]
		if host.Kind != KindAgent {
			continue
		}
		tc, st, ok := host.ToolCallInfo(id)
		if !ok {
			continue
		}
		out := msg.Clone()
		out.Content = fmt.Sprintf(
			"[Tool Updated] %s %q called %q with=%q updated to status=%q with update message=%q",
			id, tc.Name, timeAgo(host.Date), fmt.Sprintf("%v", tc.Args), st.InternalStatus, st.Content,
		)
		return out, true
	}
	return msg, false
}

// interleaveExternal assembles every other channel active inside the visible
// window and inserts its sub-groups before the first display message newer
// than the sub-group's last item.
func interleaveExternal(h *History, current *Channel, display []Message, maxDate *time.Time, useSummaries bool) []Message {
	// The first display message redefines the window floor; the assembly
	// above may have reached past the requested MinDate to satisfy quotas.
	minDate := display[0].Date

	// Slots are the distinct dates of all display messages but the last, in
	// display order.
	var refDates []time.Time
	seen := make(map[time.Time]bool)
	for _, m := range display[:len(display)-1] {
		if !seen[m.Date] {
			seen[m.Date] = true
			refDates = append(refDates, m.Date)
		}
	}
	buckets := make([][]string, len(refDates))

	for _, id := range h.sortedChannelIDs() {
		channel := h.Channels[id]
		if channel.ID == current.ID || !channel.LastActivity.After(minDate) {
			continue
		}

		aOpts := NewAssembleOptions()
		aOpts.MinDate = &minDate
		aOpts.MaxDate = maxDate
		assembled := Assemble(channel.Messages, channel.Summaries, aOpts)

		local := make([][]Item, len(refDates))
		for _, item := range assembled {
			slot := -1
			for si, ref := range refDates {
				if !ref.Before(item.End()) {
					break
				}
				slot = si
			}
			if slot >= 0 {
				local[slot] = append(local[slot], item)
			}
		}
		for si, group := range local {
			if len(group) == 0 {
				continue
			}
			gm := formatGroup(group, useSummaries, false)
			buckets[si] = append(buckets[si], "From channel "+channel.Name+"\n"+gm.Content)
		}
	}

	inserted := 0
	for si, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		gm := Message{
			Kind:    KindHuman,
			Author:  "External Grouped Messages",
			Content: "Grouped messages from external channels:\n" + strings.Join(bucket, "\n"),
			Date:    refDates[si],
		}
		// The bucket's items fall between slot si and the next display
		// message, so the group lands right after the slot's message.
		pos := si + 1 + inserted
		display = append(display, Message{})
		copy(display[pos+1:], display[pos:])
		display[pos] = gm
		inserted++
	}
	return display
}
