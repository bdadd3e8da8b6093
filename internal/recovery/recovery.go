// Package recovery classifies job execution failures and decides what
// the scheduler should do about them: retry, fail, hold dispatch, or
// escalate. Decisions are pure functions of the error kind and attempt
// count so they can be tested without a scheduler.
package recovery

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/me/vedfolnir/pkg/model"
)

// Classified is implemented by errors that carry their own error kind.
// The ollama client and the caption runner return classified errors.
type Classified interface {
	ErrorKind() model.ErrorKind
}

// Classify maps an execution error to an error kind. Unrecognized
// errors are internal: retrying an unknown fault blindly is worse than
// surfacing it.
func Classify(err error) model.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTimeout
	}

	var classified Classified
	if errors.As(err, &classified) {
		return classified.ErrorKind()
	}

	var jobErr *model.JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindTransient
	}

	return model.ErrorKindInternal
}

// Action is what the scheduler does with a failed attempt.
type Action int

const (
	// ActionRetry re-runs the job after Decision.Delay. The job stays
	// running; the queue never sees the retry.
	ActionRetry Action = iota
	// ActionFail finalizes the job as failed.
	ActionFail
	// ActionFailHold finalizes the job and pauses dispatch for
	// Decision.Hold to let a saturated dependency drain.
	ActionFailHold
	// ActionFailEscalate finalizes the job and logs at error level for
	// operator attention.
	ActionFailEscalate
)

// Decision is the scheduler's marching orders for one failed attempt.
type Decision struct {
	Action Action
	Delay  time.Duration // backoff before the next attempt (ActionRetry)
	Hold   time.Duration // dispatch hold window (ActionFailHold)
}

// Policy holds the tunable recovery parameters.
type Policy struct {
	BackoffBase time.Duration // first retry delay (default 500ms)
	BackoffCap  time.Duration // upper bound on any retry delay (default 30s)
	HoldWindow  time.Duration // dispatch pause after resource faults (default 15s)
}

// DefaultPolicy returns the production recovery parameters.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  30 * time.Second,
		HoldWindow:  15 * time.Second,
	}
}

// Decide returns the action for a failed attempt. attempt is the number
// of attempts already consumed (1 after the first failure); maxAttempts
// is the total budget including the first run.
func (p Policy) Decide(kind model.ErrorKind, attempt, maxAttempts int) Decision {
	switch kind {
	case model.ErrorKindTransient:
		if attempt < maxAttempts {
			return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
		}
		return Decision{Action: ActionFail}
	case model.ErrorKindTimeout:
		return Decision{Action: ActionFail}
	case model.ErrorKindResource:
		return Decision{Action: ActionFailHold, Hold: p.HoldWindow}
	case model.ErrorKindValidation:
		return Decision{Action: ActionFailEscalate}
	default:
		return Decision{Action: ActionFailEscalate}
	}
}

// Backoff returns the delay before the given retry attempt: exponential
// in the attempt number with uniform jitter of up to one base interval,
// capped at BackoffCap.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base * (1 << (attempt - 1))
	if delay > p.BackoffCap || delay <= 0 {
		delay = p.BackoffCap
	}
	delay += time.Duration(rand.Int63n(int64(base)))
	if p.BackoffCap > 0 && delay > p.BackoffCap {
		delay = p.BackoffCap
	}
	return delay
}
