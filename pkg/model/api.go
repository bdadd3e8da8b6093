package model

import "time"

// Response is the envelope for all API responses.
type Response struct {
	Status    string      `json:"status"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
	Paging    *Pagination `json:"pagination,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
}

// Pagination describes the window of a list response.
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ListOptions filters and pages job listings.
type ListOptions struct {
	Limit  int
	Offset int
	State  JobState
	Owner  string
}

// DefaultListLimit is applied when a list request names no limit.
const DefaultListLimit = 50

// MaxListLimit caps the page size of a single list request.
const MaxListLimit = 500

// DefaultListOptions returns the options applied to an unqualified list.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: DefaultListLimit}
}

// Clamp normalizes the options into their valid ranges.
func (o ListOptions) Clamp() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// SubmitRequest is the payload for creating a job.
type SubmitRequest struct {
	Priority Priority       `json:"priority,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// JobList is the data payload of a list response.
type JobList struct {
	Jobs []*Job `json:"jobs"`
}
