// Package progress distributes job progress snapshots to subscribers
// without ever blocking the producer. Each subscriber gets its own
// bounded channel; when a subscriber falls behind, its oldest pending
// event is dropped to make room for the newest one.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/me/vedfolnir/pkg/model"
)

const defaultBufferSize = 16

// Tracker fans progress snapshots out to per-job subscribers.
type Tracker struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	bufSize int
	now     func() time.Time
	logger  *slog.Logger
}

type entry struct {
	current *model.ProgressSnapshot // last accepted snapshot, nil before first update
	subs    map[int]*subscriber
	nextSub int
	done    bool // terminal event emitted
}

type subscriber struct {
	ch      chan *model.ProgressSnapshot
	dropped int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.bufSize = n
		}
	}
}

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker.
func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		jobs:    make(map[string]*entry),
		bufSize: defaultBufferSize,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With("component", "progress"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register creates the tracking entry for a job. Called at admission so
// that subscribing to a still-queued job works. Idempotent.
func (t *Tracker) Register(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[jobID]; !ok {
		t.jobs[jobID] = &entry{subs: make(map[int]*subscriber)}
	}
}

// Update publishes a progress snapshot for a running job. Fire and
// forget: a regressing percent is logged and dropped, an unknown job is
// ignored, and slow subscribers never block the caller.
func (t *Tracker) Update(jobID, step string, percent int, detail map[string]any) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.jobs[jobID]
	if !ok {
		t.logger.Debug("progress for unknown job dropped", "job_id", jobID)
		return
	}
	if e.done {
		t.logger.Debug("progress after terminal event dropped", "job_id", jobID)
		return
	}
	if e.current != nil && percent < e.current.Percent {
		t.logger.Warn("non-monotonic progress dropped",
			"job_id", jobID, "have", e.current.Percent, "got", percent)
		return
	}

	snap := &model.ProgressSnapshot{
		JobID:     jobID,
		Step:      step,
		Percent:   percent,
		Detail:    detail,
		State:     model.JobStateRunning,
		UpdatedAt: t.now(),
	}
	e.current = snap
	t.fanOut(jobID, e, snap)
}

// Complete publishes the terminal snapshot for a job and closes every
// subscription. Completed jobs report 100 percent; failed and cancelled
// jobs keep their last reported percent and carry the job error.
func (t *Tracker) Complete(jobID string, state model.JobState, jobErr *model.JobError) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.jobs[jobID]
	if !ok || e.done {
		return
	}

	percent := 0
	if e.current != nil {
		percent = e.current.Percent
	}
	if state == model.JobStateCompleted {
		percent = 100
	}

	snap := &model.ProgressSnapshot{
		JobID:     jobID,
		Step:      string(state),
		Percent:   percent,
		State:     state,
		Error:     jobErr,
		UpdatedAt: t.now(),
	}
	e.current = snap
	e.done = true

	t.fanOut(jobID, e, snap)
	for id, sub := range e.subs {
		close(sub.ch)
		delete(e.subs, id)
	}
}

// Subscribe returns a channel of snapshots for the job and a cancel
// function. A late subscriber receives the current snapshot first; a
// subscriber to an already-finished job receives the terminal snapshot
// and an immediately closed channel.
func (t *Tracker) Subscribe(jobID string) (<-chan *model.ProgressSnapshot, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.jobs[jobID]
	if !ok {
		return nil, nil, model.NewNotFoundError("job", jobID)
	}

	ch := make(chan *model.ProgressSnapshot, t.bufSize)
	if e.current != nil {
		ch <- e.current.Clone()
	}
	if e.done {
		close(ch)
		return ch, func() {}, nil
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = &subscriber{ch: ch}

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

// Snapshot returns a copy of the job's latest snapshot, or nil when the
// job is unknown or has not reported yet.
func (t *Tracker) Snapshot(jobID string) *model.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.jobs[jobID]; ok && e.current != nil {
		return e.current.Clone()
	}
	return nil
}

// Remove drops a job's tracking entry. Any remaining subscriptions are
// closed. Called by the cleanup sweep.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[jobID]
	if !ok {
		return
	}
	for id, sub := range e.subs {
		close(sub.ch)
		delete(e.subs, id)
	}
	delete(t.jobs, jobID)
}

// fanOut delivers snap to every subscriber of e without blocking. A
// full channel loses its oldest event first.
func (t *Tracker) fanOut(jobID string, e *entry, snap *model.ProgressSnapshot) {
	for _, sub := range e.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}

		// Buffer full: drop the oldest pending event, then retry once.
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
		select {
		case sub.ch <- snap:
		default:
			sub.dropped++
		}
		t.logger.Debug("slow progress subscriber dropped event",
			"job_id", jobID, "dropped_total", sub.dropped)
	}
}
