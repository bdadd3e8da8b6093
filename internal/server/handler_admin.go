package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/me/vedfolnir/internal/config"
	"github.com/me/vedfolnir/pkg/model"
)

// handleGetSettings returns the effective value of every runtime
// setting.
// GET /api/v1/admin/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, map[string]any{"settings": s.settings.All()})
}

// handleUpdateSettings applies one or more setting changes. The whole
// batch is validated before anything is applied.
// PUT /api/v1/admin/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: %v", err))
		return
	}
	if len(req) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("no settings in request"))
		return
	}

	for key, value := range req {
		if err := config.ValidateSetting(key, value); err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("%s", err))
			return
		}
	}

	for key, value := range req {
		if err := s.settings.Set(r.Context(), key, value); err != nil {
			respondDomainError(w, reqID, err)
			return
		}
	}

	respondOK(w, reqID, map[string]any{"settings": s.settings.All()})
}

// handleSetMaintenance flips maintenance mode. The scheduler follows
// the setting change through its listener.
// PUT /api/v1/admin/maintenance
func (s *Server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: %v", err))
		return
	}

	if err := s.settings.Set(r.Context(), config.KeyMaintenanceMode, strconv.FormatBool(req.Enabled)); err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	s.logger.Info("maintenance mode changed", "enabled", req.Enabled)
	respondOK(w, reqID, map[string]any{"maintenance": req.Enabled})
}

// handleCleanup removes terminal jobs older than the retention window.
// The body may override the configured retention for this one sweep.
// POST /api/v1/admin/cleanup
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	retention := s.settings.GetDuration(config.KeyCleanupRetention)

	var req struct {
		Retention string `json:"retention"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Retention != "" {
		d, err := time.ParseDuration(req.Retention)
		if err != nil || d <= 0 {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("retention %q is not a positive duration", req.Retention))
			return
		}
		retention = d
	}

	removed := s.manager.Cleanup(retention)
	s.logger.Info("cleanup sweep", "removed", removed, "retention", retention.String())
	respondOK(w, reqID, map[string]any{
		"removed":   removed,
		"retention": retention.String(),
	})
}
