package cadence

import (
	"fmt"
	"time"
)

// State is the pipeline state threaded through graph stages. Stages receive
// an immutable snapshot and describe changes through Update values; every
// field change goes through its reducer.
type State struct {
	// Activity is the user-visible activity of the agent.
	Activity string `json:"activity,omitempty"`
	// History is the multi-channel message store.
	History *History `json:"history,omitempty"`
	// WakeUp is the wake-up input of the current run, if any.
	WakeUp *WakeUp `json:"wakeup,omitempty"`
	// LastSummaryCheck is when the summarizer last examined the channels.
	LastSummaryCheck time.Time `json:"last_summary_check,omitempty"`
	// InternalUpdates accumulates the history changes of the current run
	// until cleanup applies them.
	InternalUpdates *InternalUpdates `json:"internal_updates,omitempty"`
	// InternalActivity routes the chat subgraph: "regular", "waiting" or an
	// agent name.
	InternalActivity string `json:"internal_activity,omitempty"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	if s.History != nil {
		out.History = s.History.Clone()
	}
	if s.WakeUp != nil {
		w := *s.WakeUp
		out.WakeUp = &w
	}
	if s.InternalUpdates != nil {
		out.InternalUpdates = s.InternalUpdates.Clone()
	}
	return out
}

// Update is a partial state write. Zero fields are untouched.
type Update struct {
	// Activity replaces the activity when non-empty (last writer wins).
	Activity string
	// History is reducer input: the Reset sentinel, a *History, a raw JSON
	// updates document, or *InternalUpdates.
	History any
	// WakeUp replaces the wake-up atomically; ClearWakeUp removes it.
	WakeUp      *WakeUp
	ClearWakeUp bool
	// LastSummaryCheck replaces the timestamp when non-nil.
	LastSummaryCheck *time.Time
	// InternalUpdates is the Reset sentinel or *InternalUpdates to merge in.
	InternalUpdates any
	// InternalActivity replaces the routing activity when non-empty.
	InternalActivity string
}

// IsZero reports whether the update changes nothing.
func (u Update) IsZero() bool {
	return u.Activity == "" && u.History == nil && u.WakeUp == nil && !u.ClearWakeUp &&
		u.LastSummaryCheck == nil && u.InternalUpdates == nil && u.InternalActivity == ""
}

// Apply runs the update through the per-field reducers and returns the new
// state. The receiver is not mutated.
func (s State) Apply(u Update) (State, error) {
	next := s

	if u.Activity != "" {
		next.Activity = u.Activity
	}
	if u.InternalActivity != "" {
		next.InternalActivity = u.InternalActivity
	}
	if u.History != nil {
		h, err := ReduceHistory(s.History, u.History)
		if err != nil {
			return s, fmt.Errorf("reduce history: %w", err)
		}
		next.History = h
	}
	if u.ClearWakeUp {
		next.WakeUp = nil
	} else if u.WakeUp != nil {
		w := *u.WakeUp
		next.WakeUp = &w
	}
	if u.LastSummaryCheck != nil {
		next.LastSummaryCheck = *u.LastSummaryCheck
	}
	if u.InternalUpdates != nil {
		// Merge onto a clone: the previous snapshot stays untouched.
		merged, err := MergeUpdates(s.InternalUpdates.Clone(), u.InternalUpdates)
		if err != nil {
			return s, fmt.Errorf("merge internal updates: %w", err)
		}
		next.InternalUpdates = merged
	}
	return next, nil
}

// accumulate folds two updates into one equivalent update, used when a
// subgraph condenses its stages' writes into a single command for the outer
// graph. Later writes win on scalar fields; history and internal updates
// compose through their reducers' merge semantics.
func accumulate(left, right Update) (Update, error) {
	out := left
	if right.Activity != "" {
		out.Activity = right.Activity
	}
	if right.InternalActivity != "" {
		out.InternalActivity = right.InternalActivity
	}
	if right.History != nil {
		if out.History == nil {
			out.History = right.History
		} else {
			lu, lok := out.History.(*InternalUpdates)
			ru, rok := right.History.(*InternalUpdates)
			if lok && rok {
				merged, err := MergeUpdates(lu.Clone(), ru)
				if err != nil {
					return left, err
				}
				out.History = merged
			} else {
				out.History = right.History
			}
		}
	}
	if right.ClearWakeUp {
		out.ClearWakeUp = true
		out.WakeUp = nil
	} else if right.WakeUp != nil {
		out.WakeUp = right.WakeUp
		out.ClearWakeUp = false
	}
	if right.LastSummaryCheck != nil {
		out.LastSummaryCheck = right.LastSummaryCheck
	}
	if right.InternalUpdates != nil {
		if out.InternalUpdates == nil {
			out.InternalUpdates = right.InternalUpdates
		} else {
			lu, lok := out.InternalUpdates.(*InternalUpdates)
			ru, rok := right.InternalUpdates.(*InternalUpdates)
			if lok && rok {
				merged, err := MergeUpdates(lu.Clone(), ru)
				if err != nil {
					return left, err
				}
				out.InternalUpdates = merged
			} else {
				out.InternalUpdates = right.InternalUpdates
			}
		}
	}
	return out, nil
}
