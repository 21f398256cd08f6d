package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"portfolio/internal/feed"
)

// StreamExpenses serves the expense-change notification stream for one
// authenticated client. Frames, each terminated by a blank line:
//
//	data: connected   written once, immediately after the stream opens
//	data: refresh     one per change detected by the feed, in order
//	: heartbeat       comment frame on a fixed interval
//
// Signals are not buffered or replayed; a reconnecting client must refetch
// unconditionally. The poll and heartbeat timers and the feed subscription
// are released as soon as the client disconnects or a write fails.
func (h *Handlers) StreamExpenses(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	// Disable Nginx buffering if behind a proxy.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, "data: connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	// r.Context() is cancelled when the client goes away; the deferred
	// cancel covers write failures, so the watcher goroutine and both
	// timers never outlive the stream.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	signals := make(chan struct{})
	watcher := feed.New(h.db.Revision, h.pollInterval)
	go watcher.Run(ctx, func() {
		select {
		case signals <- struct{}{}:
		case <-ctx.Done():
		}
	})

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			if _, err := fmt.Fprint(w, "data: refresh\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
