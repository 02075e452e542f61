package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/luthienresearch/luthien/internal/eventbus"
)

// heartbeatInterval paces the SSE keepalive comment frames. A comment
// keeps intermediaries from dropping an idle connection without
// emitting a spurious data event.
const heartbeatInterval = 15 * time.Second

// handleGlobalEvents serves luthien:activity:global as SSE — every
// event published on the bus, regardless of call.
func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	ch := s.broker.SubscribeGlobal()
	defer s.broker.UnsubscribeGlobal(ch)
	serveEventStream(w, r, ch)
}

// handleCallEvents serves luthien:conversation:{call_id} as SSE — only
// events for the named call.
func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	ch := s.broker.SubscribeCall(callID)
	defer s.broker.UnsubscribeCall(callID, ch)
	serveEventStream(w, r, ch)
}

// serveEventStream drains ev until the client disconnects or the
// channel closes (broker unsubscribe), writing each as a "data: {json}"
// SSE frame and a ": ping" comment frame on every heartbeat tick so
// intermediary proxies don't time the connection out while it's idle.
func serveEventStream(w http.ResponseWriter, r *http.Request, ev <-chan eventbus.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ev:
			if !ok {
				return
			}
			body, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
