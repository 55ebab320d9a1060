package cadence

import (
	"errors"
	"fmt"
	"time"
)

// Structural errors abort the current reduction without mutating state.
var (
	// ErrIndexOutOfRange is returned when a positional message update
	// addresses an index past the end of a channel's messages.
	ErrIndexOutOfRange = errors.New("message index out of range")
	// ErrUnknownMessageKind is returned for a message whose type tag is not
	// a storable variant.
	ErrUnknownMessageKind = errors.New("unknown message kind")
	// ErrUnknownReducerCommand is returned when the reducer receives a value
	// it does not understand.
	ErrUnknownReducerCommand = errors.New("unknown reducer command")
	// ErrChannelNotFound is returned by History.Channel for an unknown id.
	ErrChannelNotFound = errors.New("channel not found")
)

// ErrHTTP reports a non-success response from an external HTTP call
// (model backend, wake-up delivery, vision fetch).
type ErrHTTP struct {
	Status int
	Body   string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
