package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents handles GET /api/v1/events, streaming bus events as
// Server-Sent Events until the client goes away. QR codes, session
// transitions and run progress all arrive on this stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	ch, cancel := s.deps.Bus.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt.Data)
			if err != nil {
				s.logger.Error("failed to encode event", "type", evt.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}
