package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/vedfolnir/pkg/model"
)

// handleSSEJob streams job progress via Server-Sent Events. The stream
// carries "progress" events, a final "complete" event when the job
// reaches a terminal state, and comment heartbeats in between.
// GET /api/v1/sse/jobs/{id}
func (s *Server) handleSSEJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())
	requester := requesterFrom(r)

	job, err := s.manager.GetStatus(r.Context(), id)
	if err != nil {
		respondDomainError(w, reqID, err)
		return
	}
	if !requester.CanActOn(job) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}

	events, cancelSub, err := s.tracker.Subscribe(id)
	if err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}
	defer cancelSub()

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case snap, open := <-events:
			if !open {
				return
			}
			event := "progress"
			if snap.State.IsTerminal() {
				event = "complete"
			}
			if err := sendSSEEvent(w, flusher, event, snap); err != nil {
				s.logger.Debug("sse client disconnected", "job_id", id)
				return
			}
			if snap.State.IsTerminal() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
