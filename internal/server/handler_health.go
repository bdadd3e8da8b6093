package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	GoVersion   string `json:"go_version"`
	Uptime      string `json:"uptime"`
	Maintenance bool   `json:"maintenance"`
	Queue       struct {
		Queued        int `json:"queued"`
		Running       int `json:"running"`
		MaxConcurrent int `json:"max_concurrent"`
		Limit         int `json:"limit"`
	} `json:"queue"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	stats := s.manager.Stats()
	resp := healthResponse{
		Status:      "healthy",
		Version:     Version,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Maintenance: stats.Maintenance,
	}
	resp.Queue.Queued = stats.Queued
	resp.Queue.Running = stats.Running
	resp.Queue.MaxConcurrent = stats.MaxConcurrent
	resp.Queue.Limit = stats.QueueLimit

	respondOK(w, reqID, resp)
}
