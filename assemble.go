package cadence

import "time"

// Item is one entry in an assembled timeline. Exactly one of Message or
// Summary is set.
type Item struct {
	Message *Message
	Summary *Summary
}

// IsSummary reports whether the item is a summary span.
func (it Item) IsSummary() bool { return it.Summary != nil }

// Start is the item's lower time boundary.
func (it Item) Start() time.Time {
	if it.Summary != nil {
		return it.Summary.MinDate
	}
	return it.Message.Date
}

// End is the item's upper time boundary.
func (it Item) End() time.Time {
	if it.Summary != nil {
		return it.Summary.MaxDate
	}
	return it.Message.Date
}

// size counts the characters the item contributes to a budget. Agent
// messages also pay for their tool outputs.
func (it Item) size(useSummary bool) int {
	if it.Summary != nil {
		return len(it.Summary.Text)
	}
	n := len(it.Message.displayContent(useSummary))
	for _, st := range it.Message.ToolStates {
		n += len(st.Content)
	}
	return n
}

// AssembleOptions tunes message selection. Cutoff priority, strongest
// first: MaxDate, MinMessage, MinDate, MaxMessage. MinDate can therefore be
// crossed while the minimum-message quota is unmet.
type AssembleOptions struct {
	// SummaryRank selects which summary to use when several share a MaxDate:
	// higher ranks prefer shorter spans (the list is sorted by MinDate
	// ascending, longest first). Clamped to the list length.
	SummaryRank int
	// UseMessageSummaries counts a message's summary instead of its content
	// when one exists.
	UseMessageSummaries bool
	// MaxSize is the character budget. Zero is a real budget, not unlimited.
	MaxSize int
	// MinMessage is the number of plain messages to include before summaries
	// or the other cutoffs may apply.
	MinMessage int
	// MaxMessage caps the number of assembled items; zero means no cap.
	MaxMessage int
	MinDate    *time.Time
	MaxDate    *time.Time
}

// NewAssembleOptions returns the defaults used by the renderer.
func NewAssembleOptions() AssembleOptions {
	return AssembleOptions{UseMessageSummaries: true, MaxSize: 4000}
}

// Assemble walks messages newest to oldest and returns a chronologically
// ordered mix of messages and summaries fitting the character budget. When a
// summary is keyed at the current message's date (summaries always borrow an
// existing message date as their MaxDate) and the minimum-message quota is
// met, the summary stands in for the message. When the budget overflows,
// progressively larger summaries are substituted for the spans they cover;
// if no substitution helps, the newest-added item is dropped and the walk
// continues.
func Assemble(messages []Message, summaries map[string][]Summary, opts AssembleOptions) []Item {
	var assembled []Item // newest first until the final reverse
	count := 0
	minRemaining := opts.MinMessage
	minDate := opts.MinDate

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]

		if opts.MaxDate != nil && !msg.Date.Before(*opts.MaxDate) {
			continue
		}
		if minDate != nil && msg.Date.Before(*minDate) {
			if minRemaining > 0 {
				d := msg.Date // quota unmet: extend the window to this message
				minDate = &d
			} else {
				break
			}
		} else if opts.MaxMessage > 0 && len(assembled) >= opts.MaxMessage && minRemaining == 0 {
			break
		}

		if cands := summaries[summaryKey(msg.Date)]; minRemaining == 0 && len(cands) > 0 {
			idx := opts.SummaryRank
			if idx > len(cands)-1 {
				idx = len(cands) - 1
			}
			s := cands[idx]
			count += len(s.Text)
			assembled = append(assembled, Item{Summary: &s})
		} else {
			if minRemaining > 0 {
				minRemaining--
			}
			m := msg
			it := Item{Message: &m}
			count += it.size(opts.UseMessageSummaries)
			assembled = append(assembled, it)
		}

		// Substitute wider summaries until the budget fits or nothing improves.
		for count > opts.MaxSize {
			cand, ok := findWiderSummary(assembled, summaries)
			if !ok {
				break
			}
			assembled, count = substituteSummary(assembled, cand, count, opts.UseMessageSummaries)
		}

		if count > opts.MaxSize {
			last := assembled[len(assembled)-1]
			count -= last.size(opts.UseMessageSummaries)
			assembled = assembled[:len(assembled)-1]
		}
	}

	for l, r := 0, len(assembled)-1; l < r; l, r = l+1, r-1 {
		assembled[l], assembled[r] = assembled[r], assembled[l]
	}
	return assembled
}

// findWiderSummary scans assembled items oldest-first for a summary keyed at
// the item's upper boundary that starts strictly before the item's lower
// boundary.
func findWiderSummary(assembled []Item, summaries map[string][]Summary) (Summary, bool) {
	for j := len(assembled) - 1; j >= 0; j-- {
		item := assembled[j]
		for _, cand := range summaries[summaryKey(item.End())] {
			if cand.MinDate.Before(item.Start()) {
				return cand, true
			}
		}
	}
	return Summary{}, false
}

// substituteSummary removes every assembled item whose upper boundary falls
// inside the candidate's span and inserts the candidate at the earliest
// removed position. Items older than the candidate's MinDate cannot be in
// the list yet, so removal is always contiguous enough to be safe.
func substituteSummary(assembled []Item, cand Summary, count int, useSummary bool) ([]Item, int) {
	insertIdx := -1
	for k := len(assembled) - 1; k >= 0; k-- {
		end := assembled[k].End()
		if !end.Before(cand.MinDate) && !end.After(cand.MaxDate) {
			count -= assembled[k].size(useSummary)
			assembled = append(assembled[:k], assembled[k+1:]...)
			insertIdx = k
		}
	}
	if insertIdx < 0 {
		// The keyed item itself always matches, so this is unreachable.
		insertIdx = len(assembled)
	}
	s := cand
	assembled = append(assembled, Item{})
	copy(assembled[insertIdx+1:], assembled[insertIdx:])
	assembled[insertIdx] = Item{Summary: &s}
	count += len(cand.Text)
	return assembled, count
}
