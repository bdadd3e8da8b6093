// Package queue implements the job scheduling core: admission control
// with per-owner exclusivity, a priority queue, bounded and runtime
// reconfigurable concurrency, and the cancel/timeout/cleanup lifecycle.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/me/vedfolnir/internal/config"
	"github.com/me/vedfolnir/internal/progress"
	"github.com/me/vedfolnir/internal/recovery"
	"github.com/me/vedfolnir/internal/store"
	"github.com/me/vedfolnir/pkg/model"
)

// ProgressFunc is how a Runner reports execution progress.
type ProgressFunc func(step string, percent int, detail map[string]any)

// Runner executes the body of a job. Run must honor ctx cancellation;
// the scheduler reclaims the slot on its own deadline regardless. The
// returned map becomes the job's result payload.
type Runner interface {
	Run(ctx context.Context, job *model.Job, report ProgressFunc) (map[string]any, error)
}

// Policy is the scheduling policy snapshot. It is swapped whole on
// reconfiguration and loaded once per decision, never mutated in place.
type Policy struct {
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	QueueSizeLimit    int // 0 means unbounded
}

// maxJobTimeout caps any per-job timeout override.
const maxJobTimeout = 24 * time.Hour

// runningJob tracks one dispatched job.
type runningJob struct {
	cancel          context.CancelFunc
	done            chan struct{} // closed when the run goroutine exits
	release         sync.Once
	cancelRequested bool // guarded by Manager.mu
}

// Manager is the job scheduling core. One mutex guards the registry,
// the queue, and the running set so every check-then-act decision is
// atomic.
type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job // all known jobs, any state
	queue   *pending
	running map[string]*runningJob
	active  map[string]string // owner -> job ID, for queued/running jobs

	policy      atomic.Pointer[Policy]
	maintenance atomic.Bool
	holdUntil   time.Time // dispatch pause after resource faults, guarded by mu

	runner   Runner
	tracker  *progress.Tracker
	settings *config.Settings
	store    store.Store // optional, write-behind
	recovery recovery.Policy

	now   func() time.Time
	newID func() string

	wakeInterval time.Duration
	grace        time.Duration

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore enables write-behind job persistence.
func WithStore(st store.Store) Option {
	return func(m *Manager) { m.store = st }
}

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides job ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// WithWakeInterval sets the scheduling pass interval.
func WithWakeInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.wakeInterval = d
		}
	}
}

// WithGrace sets how long a timed-out or cancelled job may keep its
// slot before the scheduler force-reclaims it.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithRecoveryPolicy overrides the retry/backoff parameters.
func WithRecoveryPolicy(p recovery.Policy) Option {
	return func(m *Manager) { m.recovery = p }
}

// NewManager creates a Manager wired to the given runner, tracker, and
// settings. It reads its initial policy from settings and subscribes to
// concurrency, timeout, queue-bound, and maintenance changes.
func NewManager(runner Runner, tracker *progress.Tracker, settings *config.Settings, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = progress.NewTracker(logger)
	}
	if settings == nil {
		settings = config.NewSettings(nil, logger)
	}

	m := &Manager{
		jobs:         make(map[string]*model.Job),
		queue:        newPending(),
		running:      make(map[string]*runningJob),
		active:       make(map[string]string),
		runner:       runner,
		tracker:      tracker,
		settings:     settings,
		recovery:     recovery.DefaultPolicy(),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        func() string { return "job_" + uuid.New().String() },
		wakeInterval: 2 * time.Second,
		grace:        10 * time.Second,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       logger.With("component", "queue"),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.reloadPolicy()
	m.maintenance.Store(settings.GetBool(config.KeyMaintenanceMode))

	settings.OnChange([]string{
		config.KeyMaxConcurrentJobs,
		config.KeyDefaultJobTimeout,
		config.KeyQueueSizeLimit,
	}, func(key, value string) {
		m.reloadPolicy()
		m.wake()
	})
	settings.OnChange([]string{config.KeyMaintenanceMode}, func(key, value string) {
		m.SetMaintenance(settings.GetBool(config.KeyMaintenanceMode))
	})

	return m
}

// reloadPolicy rebuilds the policy snapshot from settings and swaps it
// atomically. In-flight jobs are never preempted by a lower limit; the
// new limit applies to future dispatch decisions.
func (m *Manager) reloadPolicy() {
	maxJobs := m.settings.GetInt(config.KeyMaxConcurrentJobs)
	if maxJobs < 1 {
		// Stored values bypass Set validation; below one slot the
		// scheduler would never dispatch.
		m.logger.Warn("stored max_concurrent_jobs below minimum, clamping to 1", "stored", maxJobs)
		maxJobs = 1
	}
	pol := &Policy{
		MaxConcurrentJobs: maxJobs,
		JobTimeout:        m.settings.GetDuration(config.KeyDefaultJobTimeout),
		QueueSizeLimit:    m.settings.GetInt(config.KeyQueueSizeLimit),
	}
	m.policy.Store(pol)
	m.logger.Info("scheduling policy loaded",
		"max_concurrent", pol.MaxConcurrentJobs,
		"job_timeout", pol.JobTimeout,
		"queue_limit", pol.QueueSizeLimit)
}

// wake nudges the scheduling loop without waiting for the ticker.
func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the scheduling loop. Blocks until ctx is cancelled or Stop
// is called.
func (m *Manager) Start(ctx context.Context) error {
	pol := m.policy.Load()
	m.logger.Info("queue manager started",
		"wake_interval", m.wakeInterval, "max_concurrent", pol.MaxConcurrentJobs)

	ticker := time.NewTicker(m.wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("queue manager stopping (context cancelled)")
			close(m.doneCh)
			return ctx.Err()
		case <-m.stopCh:
			m.logger.Info("queue manager stopping (stop called)")
			close(m.doneCh)
			return nil
		case <-ticker.C:
			m.dispatch()
		case <-m.wakeCh:
			m.dispatch()
		}
	}
}

// Stop shuts the scheduling loop down, then cancels every running job
// so their goroutines unwind. It does not wait for them; interrupted
// jobs are swept to failed on the next startup.
func (m *Manager) Stop() error {
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.running))
	for _, rj := range m.running {
		cancels = append(cancels, rj.cancel)
	}
	n := len(cancels)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if n > 0 {
		m.logger.Info("cancelled running jobs on shutdown", "count", n)
	}
	return nil
}

// Submit admits a job for the owner. Admission checks run atomically:
// a rejected submission leaves no trace. The returned ID is usable for
// GetStatus, Cancel, and progress subscription immediately, before the
// job is dispatched.
func (m *Manager) Submit(ctx context.Context, owner string, priority model.Priority, settings map[string]any) (string, error) {
	if owner == "" {
		return "", model.NewValidationError("owner is required")
	}
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !priority.Valid() {
		return "", model.NewValidationError("unknown priority %q", priority)
	}

	pol := m.policy.Load()

	m.mu.Lock()
	if m.maintenance.Load() && priority != model.PriorityElevated {
		m.mu.Unlock()
		return "", model.NewMaintenanceError()
	}
	if activeID, ok := m.active[owner]; ok {
		m.mu.Unlock()
		m.logger.Info("submission rejected, owner has active job",
			"owner", owner, "active_job_id", activeID)
		return "", model.NewDuplicateActiveJobError(owner)
	}
	if pol.QueueSizeLimit > 0 && m.queue.len() >= pol.QueueSizeLimit {
		m.mu.Unlock()
		return "", model.NewQueueFullError(pol.QueueSizeLimit)
	}

	job := &model.Job{
		ID:          m.newID(),
		Owner:       owner,
		Priority:    priority,
		State:       model.JobStateQueued,
		Settings:    settings,
		SubmittedAt: m.now(),
	}
	m.jobs[job.ID] = job
	m.queue.push(job)
	m.active[owner] = job.ID
	snapshot := job.Clone()
	m.mu.Unlock()

	m.tracker.Register(job.ID)
	m.persistCreate(ctx, snapshot)
	m.logger.Info("job submitted",
		"job_id", job.ID, "owner", owner, "priority", priority)
	m.wake()

	return job.ID, nil
}

// Cancel requests cancellation of a job. The first effective call
// returns true; later calls, and calls on terminal jobs, return false.
// A true return for a queued job guarantees it will never run.
func (m *Manager) Cancel(ctx context.Context, jobID string, req model.Requester) (bool, error) {
	m.mu.Lock()

	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return false, model.NewNotFoundError("job", jobID)
	}
	if !req.CanActOn(job) {
		m.mu.Unlock()
		return false, model.NewUnauthorizedError("job belongs to another owner")
	}

	if !job.State.CanTransitionTo(model.JobStateCancelled) {
		m.mu.Unlock()
		return false, nil
	}

	if job.State == model.JobStateQueued {
		m.queue.remove(jobID)
		now := m.now()
		job.State = model.JobStateCancelled
		job.EndedAt = &now
		delete(m.active, job.Owner)
		snapshot := job.Clone()
		m.mu.Unlock()

		m.persistUpdate(ctx, snapshot)
		m.tracker.Complete(jobID, model.JobStateCancelled, nil)
		m.logger.Info("queued job cancelled", "job_id", jobID, "by", req.Subject)
		return true, nil
	}

	// Running: signal the run context and let the runner unwind. The
	// watchdog force-reclaims the slot if it does not.
	rj := m.running[jobID]
	if rj == nil || rj.cancelRequested {
		m.mu.Unlock()
		return false, nil
	}
	rj.cancelRequested = true
	m.mu.Unlock()

	rj.cancel()
	m.logger.Info("running job cancel requested", "job_id", jobID, "by", req.Subject)
	return true, nil
}

// GetStatus returns a deep copy of the job.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, model.NewNotFoundError("job", jobID)
	}
	return job.Clone(), nil
}

// List returns registry jobs matching opts, newest first.
func (m *Manager) List(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	opts = opts.Clamp()

	m.mu.Lock()
	matched := make([]*model.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if opts.State != "" && job.State != opts.State {
			continue
		}
		if opts.Owner != "" && job.Owner != opts.Owner {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if opts.Offset >= total {
		m.mu.Unlock()
		return nil, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	page := make([]*model.Job, 0, end-opts.Offset)
	for _, job := range matched[opts.Offset:end] {
		page = append(page, job.Clone())
	}
	m.mu.Unlock()

	return page, total, nil
}

// Cleanup removes terminal jobs that ended before the horizon from the
// registry, the progress tracker, and the store. Queued and running
// jobs are never touched. Returns the number removed.
func (m *Manager) Cleanup(horizon time.Duration) int {
	cutoff := m.now().Add(-horizon)

	m.mu.Lock()
	var removed []string
	for id, job := range m.jobs {
		if job.State.IsTerminal() && job.EndedAt != nil && job.EndedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range removed {
		m.tracker.Remove(id)
		if m.store != nil {
			if err := m.store.DeleteJob(context.Background(), id); err != nil {
				m.logger.Warn("cleanup store delete failed", "job_id", id, "error", err)
			}
		}
	}
	if len(removed) > 0 {
		m.logger.Info("cleanup removed terminal jobs", "count", len(removed), "horizon", horizon)
	}
	return len(removed)
}

// SetMaintenance pauses or resumes admission of normal-priority jobs.
// Queued and running jobs are unaffected.
func (m *Manager) SetMaintenance(on bool) {
	if m.maintenance.Swap(on) != on {
		m.logger.Info("maintenance mode changed", "enabled", on)
	}
}

// Maintenance reports whether submissions are paused.
func (m *Manager) Maintenance() bool {
	return m.maintenance.Load()
}

// Stats is a point-in-time view of scheduler load.
type Stats struct {
	Queued        int  `json:"queued"`
	Running       int  `json:"running"`
	MaxConcurrent int  `json:"max_concurrent"`
	QueueLimit    int  `json:"queue_limit"`
	Maintenance   bool `json:"maintenance"`
}

// Stats returns current queue depth and capacity.
func (m *Manager) Stats() Stats {
	pol := m.policy.Load()
	m.mu.Lock()
	queued, running := m.queue.len(), len(m.running)
	m.mu.Unlock()

	return Stats{
		Queued:        queued,
		Running:       running,
		MaxConcurrent: pol.MaxConcurrentJobs,
		QueueLimit:    pol.QueueSizeLimit,
		Maintenance:   m.maintenance.Load(),
	}
}

// --- persistence helpers (write-behind, failures logged) ---

func (m *Manager) persistCreate(ctx context.Context, job *model.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		m.logger.Warn("job persist failed", "job_id", job.ID, "error", err)
	}
}

func (m *Manager) persistUpdate(ctx context.Context, job *model.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Warn("job persist failed", "job_id", job.ID, "error", err)
	}
}
