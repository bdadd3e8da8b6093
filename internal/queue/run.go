package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/vedfolnir/internal/config"
	"github.com/me/vedfolnir/internal/recovery"
	"github.com/me/vedfolnir/pkg/model"
)

// dispatch moves queued jobs into execution while capacity remains.
// One pass runs per wake; the mutex is held only while picking jobs,
// never across runner calls or store writes.
func (m *Manager) dispatch() {
	type launch struct {
		jobID    string
		rj       *runningJob
		runCtx   context.Context
		snapshot *model.Job
	}
	var launches []launch

	m.mu.Lock()
	if m.now().Before(m.holdUntil) {
		m.mu.Unlock()
		return
	}
	pol := m.policy.Load()
	for len(m.running) < pol.MaxConcurrentJobs && m.queue.len() > 0 {
		job := m.queue.pop()
		start := m.now()
		job.State = model.JobStateRunning
		job.StartedAt = &start

		runCtx, cancel := context.WithDeadline(context.Background(), start.Add(effectiveTimeout(job, pol)))
		rj := &runningJob{cancel: cancel, done: make(chan struct{})}
		m.running[job.ID] = rj

		launches = append(launches, launch{job.ID, rj, runCtx, job.Clone()})
	}
	m.mu.Unlock()

	for _, l := range launches {
		m.persistUpdate(context.Background(), l.snapshot)
		m.logger.Info("job dispatched",
			"job_id", l.jobID, "owner", l.snapshot.Owner, "priority", l.snapshot.Priority)
		go m.run(l.runCtx, l.jobID, l.rj)
		go m.watchdog(l.runCtx, l.jobID, l.rj)
	}
}

// effectiveTimeout resolves the execution deadline for a job: the
// per-job timeout_seconds setting when present, the policy default
// otherwise, capped either way.
func effectiveTimeout(job *model.Job, pol *Policy) time.Duration {
	timeout := pol.JobTimeout
	if v, ok := job.Settings["timeout_seconds"]; ok {
		var secs float64
		switch n := v.(type) {
		case float64:
			secs = n
		case int:
			secs = float64(n)
		}
		if secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}
	if timeout <= 0 || timeout > maxJobTimeout {
		timeout = maxJobTimeout
	}
	return timeout
}

// run executes one job, including retries, and finalizes it. Retries
// happen inside this goroutine; the queue never sees them.
func (m *Manager) run(ctx context.Context, jobID string, rj *runningJob) {
	defer close(rj.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job runner panicked", "job_id", jobID, "panic", r)
			m.finalize(jobID, rj, model.JobStateFailed,
				&model.JobError{Kind: model.ErrorKindInternal, Message: fmt.Sprintf("runner panic: %v", r)}, nil)
		}
	}()

	report := func(step string, percent int, detail map[string]any) {
		m.tracker.Update(jobID, step, percent, detail)
	}

	// Total attempt budget: the first run plus configured retries.
	maxAttempts := 1 + m.settings.GetInt(config.KeyRetryMaxAttempts)

	for {
		m.mu.Lock()
		job, ok := m.jobs[jobID]
		if !ok || job.State != model.JobStateRunning {
			// Force-reclaimed or cleaned up while we were backing off.
			m.mu.Unlock()
			m.releaseSlot(jobID, rj)
			return
		}
		job.Attempts++
		attempt := job.Attempts
		snapshot := job.Clone()
		m.mu.Unlock()

		result, err := m.runner.Run(ctx, snapshot, report)

		m.mu.Lock()
		cancelRequested := rj.cancelRequested
		m.mu.Unlock()

		switch {
		case cancelRequested:
			// Cancel wins even if the runner finished its work; Cancel
			// already promised the caller a cancellation.
			m.finalize(jobID, rj, model.JobStateCancelled, nil, nil)
			return
		case err == nil:
			m.finalize(jobID, rj, model.JobStateCompleted, nil, result)
			return
		case ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
			m.finalize(jobID, rj, model.JobStateFailed,
				&model.JobError{Kind: model.ErrorKindTimeout, Message: "execution deadline exceeded"}, nil)
			return
		case errors.Is(err, context.Canceled):
			// Context ended without a user cancel request: shutdown.
			m.finalize(jobID, rj, model.JobStateCancelled, nil, nil)
			return
		}

		kind := recovery.Classify(err)
		decision := m.recovery.Decide(kind, attempt, maxAttempts)

		switch decision.Action {
		case recovery.ActionRetry:
			m.logger.Info("job attempt failed, retrying",
				"job_id", jobID, "attempt", attempt, "kind", kind,
				"delay", decision.Delay, "error", err)
			select {
			case <-time.After(decision.Delay):
				continue
			case <-ctx.Done():
				m.finalizeFromContext(ctx, jobID, rj)
				return
			}
		case recovery.ActionFailHold:
			m.holdDispatch(decision.Hold)
			m.logger.Warn("job failed on resource fault, holding dispatch",
				"job_id", jobID, "hold", decision.Hold, "error", err)
			m.finalize(jobID, rj, model.JobStateFailed,
				&model.JobError{Kind: kind, Message: err.Error()}, nil)
			return
		case recovery.ActionFailEscalate:
			m.logger.Error("job failed",
				"job_id", jobID, "kind", kind, "attempt", attempt, "error", err)
			m.finalize(jobID, rj, model.JobStateFailed,
				&model.JobError{Kind: kind, Message: err.Error()}, nil)
			return
		default:
			m.logger.Info("job failed",
				"job_id", jobID, "kind", kind, "attempt", attempt, "error", err)
			m.finalize(jobID, rj, model.JobStateFailed,
				&model.JobError{Kind: kind, Message: err.Error()}, nil)
			return
		}
	}
}

// watchdog force-reclaims a job's slot when its context has ended and
// the runner has not returned within the grace period. This bounds the
// damage a stuck adapter can do to overall capacity.
func (m *Manager) watchdog(ctx context.Context, jobID string, rj *runningJob) {
	select {
	case <-rj.done:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-rj.done:
		return
	case <-timer.C:
	}

	m.mu.Lock()
	cancelRequested := rj.cancelRequested
	m.mu.Unlock()

	state := model.JobStateFailed
	var jobErr *model.JobError
	if cancelRequested || ctx.Err() == context.Canceled {
		state = model.JobStateCancelled
	} else {
		jobErr = &model.JobError{Kind: model.ErrorKindTimeout, Message: "execution deadline exceeded, slot reclaimed"}
	}

	m.logger.Warn("runner unresponsive after context end, reclaiming slot",
		"job_id", jobID, "state", state, "grace", m.grace)
	m.finalize(jobID, rj, state, jobErr, nil)
}

// finalize records a job's terminal state exactly once and releases its
// slot. Safe to call from both the run goroutine and the watchdog; the
// loser of the race sees a terminal state and only releases the slot.
func (m *Manager) finalize(jobID string, rj *runningJob, state model.JobState, jobErr *model.JobError, result map[string]any) {
	m.mu.Lock()
	var snapshot *model.Job
	if job, ok := m.jobs[jobID]; ok && job.State == model.JobStateRunning {
		// Re-read the flag under the lock Cancel sets it under: a
		// cancel granted after the caller chose its outcome still
		// holds, so the job finalizes cancelled regardless.
		if rj.cancelRequested && state != model.JobStateCancelled {
			state = model.JobStateCancelled
			jobErr = nil
			result = nil
		}
		now := m.now()
		job.State = state
		job.EndedAt = &now
		job.Error = jobErr
		job.Result = result
		delete(m.active, job.Owner)
		snapshot = job.Clone()
	}
	m.mu.Unlock()

	if snapshot != nil {
		m.persistUpdate(context.Background(), snapshot)
		m.tracker.Complete(jobID, state, jobErr)
		m.logger.Info("job finished",
			"job_id", jobID, "state", state, "attempts", snapshot.Attempts)
	}
	m.releaseSlot(jobID, rj)
}

// finalizeFromContext resolves the terminal state for a job whose run
// context ended mid-flight: a user cancel wins, then the deadline.
func (m *Manager) finalizeFromContext(ctx context.Context, jobID string, rj *runningJob) {
	m.mu.Lock()
	cancelRequested := rj.cancelRequested
	m.mu.Unlock()

	if cancelRequested || ctx.Err() == context.Canceled {
		m.finalize(jobID, rj, model.JobStateCancelled, nil, nil)
		return
	}
	m.finalize(jobID, rj, model.JobStateFailed,
		&model.JobError{Kind: model.ErrorKindTimeout, Message: "execution deadline exceeded"}, nil)
}

// releaseSlot frees a job's concurrency slot exactly once and wakes the
// scheduler. Decoupled from runner cooperation.
func (m *Manager) releaseSlot(jobID string, rj *runningJob) {
	rj.release.Do(func() {
		rj.cancel()
		m.mu.Lock()
		delete(m.running, jobID)
		m.mu.Unlock()
		m.wake()
	})
}

// holdDispatch pauses dispatch until now+d, extending any existing
// hold. The configured concurrency limit is never altered.
func (m *Manager) holdDispatch(d time.Duration) {
	if d <= 0 {
		return
	}
	until := m.now().Add(d)
	m.mu.Lock()
	if until.After(m.holdUntil) {
		m.holdUntil = until
	}
	m.mu.Unlock()
}
