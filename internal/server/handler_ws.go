package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/me/vedfolnir/pkg/model"
)

// wsFrame is one message on the websocket progress stream.
type wsFrame struct {
	Event string                  `json:"event"`
	Data  *model.ProgressSnapshot `json:"data"`
}

// handleWSJob streams the same progress events as the SSE endpoint over
// a websocket connection.
// GET /api/v1/ws/jobs/{id}
func (s *Server) handleWSJob(w http.ResponseWriter, r *http.Request) {
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

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancelSub()
		s.logger.Debug("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()
	defer cancelSub()

	// Drain client frames so close handshakes and pongs are processed;
	// closing done ends the write loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
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
			if err := conn.WriteJSON(wsFrame{Event: event, Data: snap}); err != nil {
				s.logger.Debug("websocket client disconnected", "job_id", id)
				return
			}
			if snap.State.IsTerminal() {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}

		case <-heartbeat.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
