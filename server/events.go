package server

import (
	"fmt"
	"net/http"
	"time"
)

// pingInterval keeps idle SSE connections alive through proxies
const pingInterval = 30 * time.Second

// handleEventStream serves the Server-Sent Events stream. Each connection
// gets its own bus subscription; a slow consumer loses events rather than
// stalling the scheduler.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, events := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	if s.logger != nil {
		s.logger.Debugw("Event stream connected", "subscriber_id", id)
	}

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			if s.logger != nil {
				s.logger.Debugw("Event stream disconnected", "subscriber_id", id)
			}
			return
		case ev, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Payload)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
