package cadence

import (
	"strings"
	"testing"
	"time"
)

func items(msgs ...Message) []Item {
	out := make([]Item, len(msgs))
	for i := range msgs {
		m := msgs[i]
		out[i] = Item{Message: &m}
	}
	return out
}

func TestGroupSplitsOnGap(t *testing.T) {
	tl := items(msgOfLen(3, 0), msgOfLen(3, 5), msgOfLen(3, 30))
	schedule := []GapTier{{Threshold: atMin(-100), MaxGap: 10 * time.Minute}}

	groups := Group(tl, schedule, nil)
	if len(groups) != 2 {
		t.Fatalf("groups %d, want 2", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Errorf("group sizes %d/%d", len(groups[0]), len(groups[1]))
	}
}

func TestGroupOlderTierWidensGap(t *testing.T) {
	tl := items(msgOfLen(3, 0), msgOfLen(3, 30), msgOfLen(3, 60))
	schedule := []GapTier{
		{Threshold: atMin(100), MaxGap: 10 * time.Minute},
		{Threshold: atMin(-100), MaxGap: time.Hour},
	}

	// Every item predates the newest threshold, so the wider gap applies and
	// the half-hour spacing stays in one group.
	groups := Group(tl, schedule, nil)
	if len(groups) != 1 {
		t.Fatalf("groups %d, want 1", len(groups))
	}
}

func TestGroupSummarySpansTime(t *testing.T) {
	s := Summary{MinDate: atMin(0), MaxDate: atMin(40), Text: "recap"}
	m := msgOfLen(3, 45)
	tl := []Item{{Summary: &s}, {Message: &m}}
	schedule := []GapTier{{Threshold: atMin(-100), MaxGap: 10 * time.Minute}}

	// The summary's MaxDate closes the gap check: 5 minutes to the message.
	groups := Group(tl, schedule, nil)
	if len(groups) != 1 {
		t.Fatalf("groups %d, want 1", len(groups))
	}
}

func TestGroupEmptyTimeline(t *testing.T) {
	if got := Group(nil, nil, nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestGroupSplitsOversizedAtWidestGap(t *testing.T) {
	tl := items(msgOfLen(10, 0), msgOfLen(10, 1), msgOfLen(10, 10))
	gaps := []GapTier{{Threshold: atMin(-100), MaxGap: time.Hour}}
	sizes := []SizeTier{{Threshold: atMin(-100), MaxSize: 20}}

	groups := Group(tl, gaps, sizes)
	if len(groups) != 2 {
		t.Fatalf("groups %d, want 2", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Errorf("split %d/%d, want at the widest gap", len(groups[0]), len(groups[1]))
	}
}

func TestGroupTruncatesOversizedSingleton(t *testing.T) {
	tl := items(msgOfLen(40, 0))
	gaps := []GapTier{{Threshold: atMin(-100), MaxGap: time.Hour}}
	sizes := []SizeTier{{Threshold: atMin(-100), MaxSize: 20}}

	groups := Group(tl, gaps, sizes)
	if len(groups) != 1 || len(groups[0]) != 1 {
		t.Fatalf("groups %+v", groups)
	}
	if got := len(groups[0][0].Message.Content); got != 30 {
		t.Errorf("truncated to %d, want 1.5x the limit", got)
	}
}

func TestGroupTruncationPrefersMessageSummary(t *testing.T) {
	m := msgOfLen(40, 0)
	m.Summary = strings.Repeat("s", 10)
	gaps := []GapTier{{Threshold: atMin(-100), MaxGap: time.Hour}}
	sizes := []SizeTier{{Threshold: atMin(-100), MaxSize: 20}}

	groups := Group(items(m), gaps, sizes)
	if got := groups[0][0].Message.Content; got != m.Summary {
		t.Errorf("content %q, want the message summary", got)
	}
}
