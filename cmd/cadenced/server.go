package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	cadence "github.com/maelin/cadence"
)

// defaultThread hosts wake-driven runs that arrive without a thread, such as
// tool completions and timer expiries.
const defaultThread = "main"

type server struct {
	runner *cadence.Runner
	waits  *cadence.WaitTable
	logger *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{id}/runs", s.handleRun)
	mux.HandleFunc("GET /wakeup/{channel}", s.handleWakeup)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleRun executes one pipeline run and streams its side-channel events
// back as newline-separated text. #wait# directives also arm the wait table
// so the timer fires even if the adapter ignores them.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	input, err := cadence.ParseRunInput(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	var mu sync.Mutex
	emit := func(event any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%v\n", event)
		if flusher != nil {
			flusher.Flush()
		}
		if line, ok := event.(string); ok {
			if secs, ok := cadence.ParseWaitEvent(line); ok {
				s.waits.Arm(threadID, time.Duration(secs)*time.Second)
			}
		}
	}

	if _, err := s.runner.Run(r.Context(), threadID, input, emit); err != nil {
		s.logger.Error("run failed", "thread", threadID, "error", err)
	}
}

// handleWakeup starts a wake-driven run for a channel. External schedulers
// and adapters hit this to resume a conversation without a new message.
func (s *server) handleWakeup(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel")
	s.wake(r.Context(), cadence.WakeUp{ChannelID: channelID, UnlessActiveSince: time.Now()})
	w.WriteHeader(http.StatusAccepted)
}

// wake runs the pipeline's wakeup branch on the default thread. Used by the
// MCP client when tools finish and by expired #wait# timers.
func (s *server) wake(ctx context.Context, event cadence.WakeUp) {
	raw, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal wakeup failed", "error", err)
		return
	}
	go func() {
		emit := func(e any) { s.logger.Debug("wake event", "event", e) }
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if _, err := s.runner.Run(runCtx, defaultThread, cadence.RunInput{WakeUp: raw}, emit); err != nil {
			s.logger.Error("wake run failed", "error", err)
		}
	}()
}
