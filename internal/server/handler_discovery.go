package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "Vedfolnir API",
		Version:     "v1",
		Description: "Vedfolnir caption engine — AI caption job submission, scheduling, and progress streaming",
		Endpoints: []endpointInfo{
			{"/api/v1/jobs", []string{"GET", "POST"}, "Caption job submission and listing"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Single job status with result or error"},
			{"/api/v1/jobs/{id}/cancel", []string{"PUT"}, "Cancel a queued or running job"},
			{"/api/v1/sse/jobs/{id}", []string{"GET"}, "Job progress stream (Server-Sent Events)"},
			{"/api/v1/ws/jobs/{id}", []string{"GET"}, "Job progress stream (websocket)"},
			{"/api/v1/auth/session", []string{"POST", "DELETE"}, "Bearer session lifecycle"},
			{"/api/v1/admin/settings", []string{"GET", "PUT"}, "Runtime scheduler settings"},
			{"/api/v1/admin/maintenance", []string{"PUT"}, "Pause or resume submissions"},
			{"/api/v1/admin/cleanup", []string{"POST"}, "Remove expired terminal jobs"},
			{"/api/v1/health", []string{"GET"}, "Server health, version and queue stats"},
		},
	})
}
