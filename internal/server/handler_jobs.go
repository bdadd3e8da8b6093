package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/vedfolnir/internal/caption"
	"github.com/me/vedfolnir/pkg/model"
)

// handleSubmitJob admits a new caption job for the authenticated owner.
// POST /api/v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	requester := requesterFrom(r)

	var req model.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: %v", err))
		return
	}

	// Elevated priority is the admin job class. Admins submit elevated
	// unless they ask for normal; everyone else submits normal.
	priority := req.Priority
	switch {
	case priority == model.PriorityElevated && !requester.Admin:
		respondError(w, reqID, http.StatusForbidden,
			model.NewForbiddenError("elevated priority requires the admin role"))
		return
	case priority == "":
		if requester.Admin {
			priority = model.PriorityElevated
		} else {
			priority = model.PriorityNormal
		}
	}

	if err := caption.ValidateSettings(req.Settings); err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	jobID, err := s.manager.Submit(r.Context(), requester.Subject, priority, req.Settings)
	if err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	job, err := s.manager.GetStatus(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	s.logger.Info("job submitted", "job_id", jobID, "owner", requester.Subject, "priority", priority)
	respondCreated(w, reqID, job)
}

// handleListJobs lists jobs. Plain owners see their own; admins see
// everything and may filter by owner.
// GET /api/v1/jobs?state=&owner=&limit=&offset=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	requester := requesterFrom(r)

	opts := model.DefaultListOptions()
	q := r.URL.Query()

	if state := q.Get("state"); state != "" {
		st := model.JobState(state)
		if !st.Valid() {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("unknown state %q", state))
			return
		}
		opts.State = st
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("limit %q is not an integer", limit))
			return
		}
		opts.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("offset %q is not an integer", offset))
			return
		}
		opts.Offset = n
	}

	if requester.Admin {
		opts.Owner = q.Get("owner")
	} else {
		opts.Owner = requester.Subject
	}

	jobs, total, err := s.manager.List(r.Context(), opts)
	if err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	opts = opts.Clamp()
	respondList(w, reqID, model.JobList{Jobs: jobs}, &model.Pagination{
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// handleGetJob returns one job. Jobs of other owners are invisible to
// plain requesters, indistinguishable from absent ones.
// GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
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

	respondOK(w, reqID, job)
}

// handleCancelJob requests cancellation of a queued or running job.
// PUT /api/v1/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	requester := requesterFrom(r)

	cancelled, err := s.manager.Cancel(r.Context(), id, requester)
	if err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	if cancelled {
		s.logger.Info("job cancelled", "job_id", id, "by", requester.Subject)
	}
	respondOK(w, reqID, map[string]any{"cancelled": cancelled})
}
