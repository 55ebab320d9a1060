package cadence

import (
	"context"
	"testing"
	"time"
)

func TestWaitFiresWakeup(t *testing.T) {
	woken := make(chan WakeUp, 1)
	w := NewWaitTable(func(ctx context.Context, wu WakeUp) { woken <- wu })

	before := time.Now()
	w.Arm("general", 20*time.Millisecond)
	if !w.Pending("general") {
		t.Error("wait should be pending")
	}

	select {
	case wu := <-woken:
		if wu.ChannelID != "general" {
			t.Errorf("channel %q", wu.ChannelID)
		}
		if wu.UnlessActiveSince.Before(before) {
			t.Error("guard instant predates arming")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait never fired")
	}
	if w.Pending("general") {
		t.Error("fired wait still pending")
	}
}

func TestCancelStopsWait(t *testing.T) {
	woken := make(chan WakeUp, 1)
	w := NewWaitTable(func(ctx context.Context, wu WakeUp) { woken <- wu })

	w.Arm("general", 30*time.Millisecond)
	w.Cancel("general")
	if w.Pending("general") {
		t.Error("cancelled wait still pending")
	}

	select {
	case <-woken:
		t.Fatal("cancelled wait fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRearmReplacesWait(t *testing.T) {
	woken := make(chan WakeUp, 2)
	w := NewWaitTable(func(ctx context.Context, wu WakeUp) { woken <- wu })

	w.Arm("general", 30*time.Millisecond)
	w.Arm("general", 60*time.Millisecond)

	var fired int
	deadline := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case <-woken:
			fired++
		case <-deadline:
			done = true
		}
	}
	if fired != 1 {
		t.Errorf("fired %d times, want the replacement only", fired)
	}
}

func TestWaitsPerChannel(t *testing.T) {
	w := NewWaitTable(nil)
	w.Arm("a", time.Minute)
	w.Arm("b", time.Minute)
	w.Cancel("a")
	if w.Pending("a") || !w.Pending("b") {
		t.Error("channel waits interfered")
	}
}
