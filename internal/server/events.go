package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BadgerOps/artsync/internal/engine"
)

const eventHeartbeat = 15 * time.Second

// handleRunEvents streams the progress of an active run as server-sent
// events: "progress" on every tracker update and "done" once the run
// reaches a terminal phase.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runKey := r.PathValue("runKey")
	tracker, ok := s.orch.Tracker(runKey)
	if !ok {
		jsonError(w, http.StatusNotFound, "no active run "+runKey)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	heartbeat := time.NewTicker(eventHeartbeat)
	defer heartbeat.Stop()

	for {
		// Take the channel before the snapshot so no update is missed.
		updated := tracker.Wait()
		snap := tracker.Snapshot()
		if snap.Phase == engine.PhaseComplete || snap.Phase == engine.PhaseFailed {
			sendEvent("done", snap)
			return
		}
		sendEvent("progress", snap)

		select {
		case <-updated:
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
