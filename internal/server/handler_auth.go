package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/me/vedfolnir/pkg/model"
)

// handleCreateSession mints a bearer session for a subject. Verifying
// the subject's identity is the deployment's concern; this endpoint
// assigns the opaque owner identity and the admin role.
// POST /api/v1/auth/session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: %v", err))
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("subject is required"))
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.Subject)
	if err != nil {
		s.logger.Error("session creation failed", "subject", req.Subject, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("could not create session"))
		return
	}

	respondCreated(w, reqID, map[string]any{
		"token":      sess.ID,
		"subject":    sess.Subject,
		"admin":      sess.Admin,
		"expires_at": sess.ExpiresAt,
	})
}

// handleDeleteSession destroys the caller's own session.
// DELETE /api/v1/auth/session
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	token := bearerToken(r)
	if err := s.sessions.Destroy(r.Context(), token); err != nil {
		s.logger.Error("session destroy failed", "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("could not delete session"))
		return
	}

	respondOK(w, reqID, map[string]any{"deleted": true})
}
