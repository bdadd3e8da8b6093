package model

// JobState represents the lifecycle state of a Job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// Terminal states have no outgoing transitions; a job never re-enters
// queued or running once it has left.
var ValidJobTransitions = map[JobState][]JobState{
	JobStateQueued:  {JobStateRunning, JobStateCancelled},
	JobStateRunning: {JobStateCompleted, JobStateFailed, JobStateCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority is the scheduling class of a Job. Elevated jobs dequeue ahead
// of normal jobs regardless of submission order.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityElevated Priority = "elevated"
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// Rank returns the numeric scheduling rank; higher ranks dispatch first.
func (p Priority) Rank() int {
	if p == PriorityElevated {
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityElevated
}
