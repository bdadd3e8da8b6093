package model

import "time"

// ProgressSnapshot is a point-in-time view of a job's execution progress.
// Snapshots are immutable once published.
type ProgressSnapshot struct {
	JobID     string         `json:"job_id"`
	Step      string         `json:"step"`
	Percent   int            `json:"percent"`
	Detail    map[string]any `json:"detail,omitempty"`
	State     JobState       `json:"state"`
	Error     *JobError      `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the snapshot.
func (p *ProgressSnapshot) Clone() *ProgressSnapshot {
	if p == nil {
		return nil
	}
	c := *p
	c.Detail = cloneMap(p.Detail)
	if p.Error != nil {
		e := *p.Error
		c.Error = &e
	}
	return &c
}
