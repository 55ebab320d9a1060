package cadence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WaitTable arms one cancellable wait per channel, backing the #wait#
// directive. Arming a channel replaces its pending wait (writer wins); a new
// external message on the channel cancels it. A wait that elapses
// uncancelled issues a wake-up carrying the arming instant, so the wake-up
// is a no-op if the channel was active in the meantime.
type WaitTable struct {
	mu    sync.Mutex
	waits map[string]context.CancelFunc

	wake   WakeFunc
	logger *slog.Logger
}

// WaitTableOption configures a WaitTable.
type WaitTableOption func(*WaitTable)

// WithWaitTableLogger sets the logger. Defaults to a discard handler.
func WithWaitTableLogger(l *slog.Logger) WaitTableOption {
	return func(w *WaitTable) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWaitTable creates a table delivering wake-ups through wake.
func NewWaitTable(wake WakeFunc, opts ...WaitTableOption) *WaitTable {
	w := &WaitTable{
		waits:  make(map[string]context.CancelFunc),
		wake:   wake,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Arm schedules a wake-up for the channel after d, replacing any pending
// wait on the same channel.
func (w *WaitTable) Arm(channelID string, d time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	armedAt := time.Now()

	w.mu.Lock()
	if prev, ok := w.waits[channelID]; ok {
		prev()
	}
	w.waits[channelID] = cancel
	w.mu.Unlock()

	w.logger.Debug("wait armed", "channel", channelID, "duration", d)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		w.mu.Lock()
		if current, ok := w.waits[channelID]; ok && ctx.Err() == nil {
			_ = current
			delete(w.waits, channelID)
		}
		w.mu.Unlock()

		if w.wake != nil {
			w.wake(context.Background(), WakeUp{ChannelID: channelID, UnlessActiveSince: armedAt})
		}
	}()
}

// Cancel stops the channel's pending wait, if any.
func (w *WaitTable) Cancel(channelID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.waits[channelID]; ok {
		cancel()
		delete(w.waits, channelID)
	}
}

// Pending reports whether the channel has an armed wait.
func (w *WaitTable) Pending(channelID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.waits[channelID]
	return ok
}
