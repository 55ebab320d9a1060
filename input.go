package cadence

import (
	"encoding/json"
	"fmt"
)

// RunInput is the request body of a pipeline run. History carries a raw
// updates document folded into the state before the run; WakeUp carries an
// external wake-up event instead of new messages.
type RunInput struct {
	History json.RawMessage `json:"history,omitempty"`
	WakeUp  json.RawMessage `json:"wakeup,omitempty"`
}

// ParseRunInput decodes a run-input document.
func ParseRunInput(raw []byte) (RunInput, error) {
	var in RunInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return RunInput{}, fmt.Errorf("parse run input: %w", err)
	}
	return in, nil
}

// ToUpdate converts the input into the state update applied before the
// graph runs. Carried messages are validated here, so malformed input fails
// the run before any state changes.
func (in RunInput) ToUpdate() (Update, error) {
	var u Update
	if len(in.History) > 0 {
		parsed, err := ParseUpdates(in.History)
		if err != nil {
			return Update{}, err
		}
		u.History = parsed
	}
	if len(in.WakeUp) > 0 {
		w, err := ParseWakeUp(in.WakeUp)
		if err != nil {
			return Update{}, err
		}
		u.WakeUp = w
	}
	return u, nil
}
