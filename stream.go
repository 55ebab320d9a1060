package cadence

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Side-channel directives. Each event on the stream is either literal model
// output to accumulate or one of these prefixed control lines.
const (
	// DirectiveSend flushes accumulated tokens as one user-visible message.
	DirectiveSend = "#send#"
	// DirectiveUpdate flushes into the current message as an edit.
	DirectiveUpdate = "#update#"
	// DirectiveTool carries a tool-call descriptor as JSON.
	DirectiveTool = "#tool#"
	// DirectiveReference marks the message the next send replies to.
	DirectiveReference = "#reference#"
	// DirectiveActivity announces an activity transition.
	DirectiveActivity = "#activity#"
	// DirectiveWait asks the adapter to idle the channel for N seconds.
	DirectiveWait = "#wait#"
	// DirectiveRerun schedules another pipeline run after the current flush.
	DirectiveRerun = "#rerun#"
	// DirectiveTyping shows a typing indicator until the next event.
	DirectiveTyping = "#typing#"
	// DirectiveToolUpdated marks a transient tool-state notification inside
	// history; the renderer rewrites it before the model sees it.
	DirectiveToolUpdated = "#toolupdated#"
)

// ToolEvent encodes a tool call as a #tool# directive.
func ToolEvent(tc ToolCall) string {
	data, err := json.Marshal(tc)
	if err != nil {
		// ToolCall is plain data; marshal only fails on non-JSON arg values.
		return DirectiveTool + fmt.Sprintf(`{"id":%q,"name":%q}`, tc.ID, tc.Name)
	}
	return DirectiveTool + string(data)
}

// WaitEvent encodes a #wait# directive for the given number of seconds.
func WaitEvent(seconds int) string {
	return DirectiveWait + strconv.Itoa(seconds)
}

// ActivityEvent encodes an #activity# transition.
func ActivityEvent(name string) string {
	return DirectiveActivity + name
}

// ReferenceEvent encodes a #reference# directive for a message id.
func ReferenceEvent(messageID string) string {
	return DirectiveReference + messageID
}

// ParseWaitEvent extracts the seconds from a #wait# directive line.
func ParseWaitEvent(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, DirectiveWait)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}
