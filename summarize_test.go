package cadence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSummarizer struct {
	text string
	err  error

	mu      sync.Mutex
	prompts []string
}

func (s *recordingSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, text)
	s.mu.Unlock()
	return s.text, s.err
}

func (s *recordingSummarizer) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// oldRegionChannel is a channel with an inactive three-day-old region large
// enough to summarize, plus fresh activity keeping the channel eligible.
func oldRegionChannel(t *testing.T) *History {
	t.Helper()
	old := ago(72 * time.Hour)
	filler := strings.Repeat("the meeting moved again ", 3)
	msgs := make([]Message, 0, 7)
	for i := 0; i < 6; i++ {
		msgs = append(msgs, human("ada", filler, old.Add(time.Duration(i)*time.Minute)))
	}
	msgs = append(msgs, human("bob", "morning", ago(2*time.Minute)))
	return recentChannel(t, msgs...)
}

func TestSummarizeCreatesRegionSummary(t *testing.T) {
	h := oldRegionChannel(t)
	model := &recordingSummarizer{text: "ada rescheduled the meeting and you agreed"}
	cs := NewChannelSummarizer(model, NewSummarizeSettings(), nil)

	updates, err := cs.SummarizeHistory(context.Background(), h, time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	cu := updates.ChannelUpdates["general"]
	if cu == nil || len(cu.NewSummaries) != 1 {
		t.Fatalf("updates %+v", updates)
	}
	summary := cu.NewSummaries[0]
	if summary.Text != model.text {
		t.Errorf("summary text %q", summary.Text)
	}
	first := h.Channels["general"].Messages[0].Date
	if !summary.MinDate.Equal(first) {
		t.Errorf("min date %v, region starts %v", summary.MinDate, first)
	}
	if cu.DeleteBefore == nil {
		t.Fatal("summarized channel should be pruned")
	}
	if cu.DeleteBefore.After(time.Now()) || cu.DeleteBefore.Before(ago(6*24*time.Hour)) {
		t.Errorf("retention cutoff %v", cu.DeleteBefore)
	}

	prompts := model.calls()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "Summarize the whole conversation") {
		t.Errorf("prompts %v", prompts)
	}
}

func TestSummarizeSkipsInactiveChannel(t *testing.T) {
	h := oldRegionChannel(t)
	model := &recordingSummarizer{text: "unused"}
	cs := NewChannelSummarizer(model, NewSummarizeSettings(), nil)

	updates, err := cs.SummarizeHistory(context.Background(), h, time.Now())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !updates.IsEmpty() {
		t.Errorf("updates %+v", updates)
	}
	if len(model.calls()) != 0 {
		t.Error("inactive channel should not reach the model")
	}
}

func TestSummarizeSkipsCoveredRegion(t *testing.T) {
	h := oldRegionChannel(t)
	msgs := h.Channels["general"].Messages

	u := NewInternalUpdates()
	u.Channel("general").NewSummaries = []Summary{{
		MinDate: msgs[0].Date,
		MaxDate: msgs[5].Date,
		Text:    "already covered",
	}}
	h = reduce(t, h, u)

	model := &recordingSummarizer{text: "unused"}
	cs := NewChannelSummarizer(model, NewSummarizeSettings(), nil)

	updates, err := cs.SummarizeHistory(context.Background(), h, time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !updates.IsEmpty() {
		t.Errorf("updates %+v", updates)
	}
	if len(model.calls()) != 0 {
		t.Error("covered region should not be re-summarized")
	}
}

func TestSummarizeSmallRegionSkipped(t *testing.T) {
	old := ago(72 * time.Hour)
	h := recentChannel(t,
		human("ada", "one", old),
		human("ada", "two", old.Add(time.Minute)),
		human("ada", "three", old.Add(2*time.Minute)),
		human("bob", "hey", ago(time.Minute)),
	)
	model := &recordingSummarizer{text: "unused"}
	cs := NewChannelSummarizer(model, NewSummarizeSettings(), nil)

	updates, err := cs.SummarizeHistory(context.Background(), h, time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !updates.IsEmpty() {
		t.Errorf("updates %+v", updates)
	}
}

func TestSummarizeOversizedMessageGetsStandIn(t *testing.T) {
	big := strings.Repeat("a very long story about gophers. ", 80)
	h := recentChannel(t,
		human("ada", big, ago(3*time.Hour)),
		human("bob", "wow", ago(time.Minute)),
	)
	model := &recordingSummarizer{text: "a long gopher story"}
	cs := NewChannelSummarizer(model, NewSummarizeSettings(), nil)

	updates, err := cs.SummarizeHistory(context.Background(), h, time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	cu := updates.ChannelUpdates["general"]
	if cu == nil || len(cu.MessageUpdates) != 1 {
		t.Fatalf("updates %+v", updates)
	}
	updated := cu.MessageUpdates[0]
	if updated.Summary != model.text {
		t.Errorf("summary %q", updated.Summary)
	}
	if updated.Content != big {
		t.Error("stand-in must not replace the content")
	}
	if cu.DeleteBefore != nil {
		t.Error("message summaries alone must not trigger pruning")
	}
}

func TestSummarizeModelFailureDegrades(t *testing.T) {
	h := oldRegionChannel(t)
	model := &recordingSummarizer{err: errors.New("model down")}
	cs := NewChannelSummarizer(model, NewSummarizeSettings(), nil)

	updates, err := cs.SummarizeHistory(context.Background(), h, time.Time{})
	if err != nil {
		t.Fatalf("a failing model must not fail the stage: %v", err)
	}
	if !updates.IsEmpty() {
		t.Errorf("updates %+v", updates)
	}
}
