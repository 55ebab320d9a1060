package cadence

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Waker resolves a wake-up event to a channel and fires that channel's
// wakeup URL, which tells the adapter to start a run for it.
type Waker struct {
	client *http.Client
	logger *slog.Logger
}

// NewWaker creates a waker. A nil client uses the default HTTP client.
func NewWaker(client *http.Client, logger *slog.Logger) *Waker {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Waker{client: client, logger: logger}
}

// selectChannel picks the wake-up target: the channel where the named user
// spoke most recently within two days, else the event's channel when known,
// else the current channel.
func (w *Waker) selectChannel(h *History, event WakeUp) *Channel {
	if event.UserName != "" {
		cutoff := time.Now().Add(-48 * time.Hour)
		best := cutoff
		var selected *Channel
		for _, id := range h.sortedChannelIDs() {
			channel := h.Channels[id]
			for i := len(channel.Messages) - 1; i >= 0; i-- {
				m := channel.Messages[i]
				if m.Kind == KindHuman && m.Author == event.UserName && m.Date.After(best) {
					best = m.Date
					selected = channel
					break
				}
			}
		}
		if selected != nil {
			return selected
		}
	}
	if event.ChannelID != "" {
		if channel, err := h.Channel(event.ChannelID); err == nil {
			return channel
		}
	}
	return h.Current()
}

// HandleWakeUp fires the wake-up against the selected channel. A channel
// without a wakeup URL, or one already active after the event's cutoff,
// swallows the event.
func (w *Waker) HandleWakeUp(ctx context.Context, h *History, event WakeUp) {
	channel := w.selectChannel(h, event)
	if channel.WakeupURL == "" || !channel.LastActivity.Before(event.UnlessActiveSince) {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, channel.WakeupURL, nil)
	if err != nil {
		w.logger.Warn("invalid wakeup url", "channel", channel.ID, "error", err)
		return
	}
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("wakeup call failed", "channel", channel.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		w.logger.Warn("wakeup call rejected", "channel", channel.ID, "status", resp.StatusCode, "body", string(body))
	}
}
