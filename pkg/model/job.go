package model

import (
	"time"
)

// ErrorKind classifies a job failure for recovery decisions.
type ErrorKind string

const (
	// ErrorKindTransient covers network hiccups and service restarts.
	// Transient faults are retried with backoff.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindTimeout marks jobs that exceeded their execution deadline.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindResource marks saturation faults such as model overload
	// or connection-pool exhaustion.
	ErrorKindResource ErrorKind = "resource"
	// ErrorKindValidation marks bad input. Never retried.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindInternal marks unexpected faults, including recovered panics.
	ErrorKindInternal ErrorKind = "internal"
)

// JobError is the structured failure recorded on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Job is a unit of caption-generation work owned by a single user.
// At most one non-terminal job may exist per owner at a time.
type Job struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	Priority    Priority       `json:"priority"`
	State       JobState       `json:"state"`
	Settings    map[string]any `json:"settings,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// IsActive returns true while the job still occupies its owner's
// exclusivity slot, i.e. it is queued or running.
func (j *Job) IsActive() bool {
	return !j.State.IsTerminal()
}

// Clone returns a deep copy of the job. Callers receive clones so that
// internal state can never be mutated from outside the scheduler.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Settings = cloneMap(j.Settings)
	c.Result = cloneMap(j.Result)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Requester identifies the principal performing an operation.
// Admins may act on jobs they do not own and change runtime settings.
type Requester struct {
	Subject string
	Admin   bool
}

// CanActOn returns true if the requester may cancel or inspect the job.
func (r Requester) CanActOn(j *Job) bool {
	return r.Admin || r.Subject == j.Owner
}
