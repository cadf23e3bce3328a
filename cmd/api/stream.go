package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"escrowflow/events"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams engine events as server-sent events. An optional
// escrowId query parameter narrows the stream to one escrow.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := r.URL.Query().Get("escrowId")
	if filter != "" {
		id, err := strconv.ParseUint(filter, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid escrow id")
			return
		}
		filter = strconv.FormatUint(id, 10)
	}

	stream, cancel := s.events.Subscribe(s.eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, open := <-stream:
			if !open {
				return
			}
			if filter != "" && env.Attributes["escrowId"] != filter {
				continue
			}
			if err := writeFrame(w, env); err != nil {
				s.logger.Debug("event stream closed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Type, data)
	return err
}
