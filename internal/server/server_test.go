package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/me/vedfolnir/internal/config"
	"github.com/me/vedfolnir/internal/logging"
	"github.com/me/vedfolnir/internal/progress"
	"github.com/me/vedfolnir/internal/queue"
	"github.com/me/vedfolnir/internal/session"
	"github.com/me/vedfolnir/pkg/model"
)

// runnerFunc adapts a function to the queue.Runner interface.
type runnerFunc func(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error)

func (f runnerFunc) Run(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error) {
	return f(ctx, job, report)
}

// instantRunner completes every job immediately with an empty result.
func instantRunner() queue.Runner {
	return runnerFunc(func(context.Context, *model.Job, queue.ProgressFunc) (map[string]any, error) {
		return map[string]any{"captions": []any{}, "generated": 0, "skipped": 0}, nil
	})
}

// parkedRunner blocks jobs until release is closed, so tests can hold a
// job in the running state. Honors cancellation while parked.
type parkedRunner struct {
	release chan struct{}
	once    sync.Once
}

func newParkedRunner() *parkedRunner {
	return &parkedRunner{release: make(chan struct{})}
}

func (p *parkedRunner) Run(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error) {
	select {
	case <-p.release:
		return map[string]any{"captions": []any{}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *parkedRunner) releaseAll() {
	p.once.Do(func() { close(p.release) })
}

type testEnv struct {
	srv      *Server
	manager  *queue.Manager
	tracker  *progress.Tracker
	settings *config.Settings
}

// newTestEnv wires a server over a live manager. The subject "root" is
// an admin.
func newTestEnv(t *testing.T, runner queue.Runner, opts ...Option) *testEnv {
	t.Helper()
	t.Setenv(session.AdminsEnvVar, "root")

	logger := logging.Nop()
	settings := config.NewSettings(nil, logger)
	tracker := progress.NewTracker(logger)
	manager := queue.NewManager(runner, tracker, settings, logger,
		queue.WithWakeInterval(10*time.Millisecond),
		queue.WithGrace(50*time.Millisecond),
	)

	go func() { _ = manager.Start(context.Background()) }()
	var stopOnce sync.Once
	t.Cleanup(func() { stopOnce.Do(func() { _ = manager.Stop() }) })

	sessions := session.NewManager(session.NewMemoryStore(),
		session.NewAdminConfig(session.AdminsEnvVar, ""), logger)

	srv := New(manager, tracker, settings, sessions, logger, opts...)
	return &testEnv{srv: srv, manager: manager, tracker: tracker, settings: settings}
}

// envelope decodes the standard response envelope.
type envelope struct {
	Status    string            `json:"status"`
	RequestID string            `json:"request_id"`
	Data      json.RawMessage   `json:"data"`
	Paging    *model.Pagination `json:"pagination"`
	Error     *model.APIError   `json:"error"`
}

// doRequest performs one request against the router and decodes the
// envelope. token may be empty for unauthenticated calls.
func doRequest(t *testing.T, env *testEnv, method, path, token string, body string) (int, envelope) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)

	var resp envelope
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: invalid JSON response %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, resp
}

// login mints a session for the subject and returns the bearer token.
func login(t *testing.T, env *testEnv, subject string) string {
	t.Helper()

	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/auth/session", "",
		fmt.Sprintf(`{"subject": %q}`, subject))
	if code != http.StatusCreated {
		t.Fatalf("create session: status = %d, want 201", code)
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if data.Token == "" {
		t.Fatal("create session: empty token")
	}
	return data.Token
}

// submitJob posts a minimal valid job and returns its ID.
func submitJob(t *testing.T, env *testEnv, token string) string {
	t.Helper()

	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", token,
		`{"settings": {"image_urls": ["https://img.example.com/a.jpg"]}}`)
	if code != http.StatusCreated {
		t.Fatalf("submit: status = %d, error = %+v", code, resp.Error)
	}

	var job model.Job
	if err := json.Unmarshal(resp.Data, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job.ID
}

// waitJobState polls the manager until the job reaches want.
func waitJobState(t *testing.T, env *testEnv, jobID string, want model.JobState) *model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := env.manager.GetStatus(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if job.State == want {
			return job
		}
		if job.State.IsTerminal() {
			t.Fatalf("job %s reached %s while waiting for %s", jobID, job.State, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func TestDiscovery(t *testing.T) {
	env := newTestEnv(t, instantRunner())

	code, resp := doRequest(t, env, http.MethodGet, "/api/v1/", "", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ok" {
		t.Errorf("envelope status = %q, want ok", resp.Status)
	}
	if resp.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if data.Name != "Vedfolnir API" {
		t.Errorf("name = %q, want Vedfolnir API", data.Name)
	}
	if len(data.Endpoints) < 8 {
		t.Errorf("endpoints count = %d, want >= 8", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, instantRunner())

	code, resp := doRequest(t, env, http.MethodGet, "/api/v1/health", "", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}

	var data struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Queue   struct {
			MaxConcurrent int `json:"max_concurrent"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if data.Status != "healthy" {
		t.Errorf("health status = %q, want healthy", data.Status)
	}
	if data.Version != Version {
		t.Errorf("version = %q, want %q", data.Version, Version)
	}
	if data.Queue.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d, want default 3", data.Queue.MaxConcurrent)
	}
}

func TestAuth_RequiresToken(t *testing.T) {
	env := newTestEnv(t, instantRunner())

	code, resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs", "", "")
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeUnauthorized {
		t.Errorf("error = %+v, want code %s", resp.Error, model.ErrCodeUnauthorized)
	}

	code, resp = doRequest(t, env, http.MethodGet, "/api/v1/jobs", "sess_bogus", "")
	if code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeUnauthorized {
		t.Errorf("bad token: error = %+v, want code %s", resp.Error, model.ErrCodeUnauthorized)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	env := newTestEnv(t, instantRunner())

	// Plain subject.
	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/auth/session", "",
		`{"subject": "alice"}`)
	if code != http.StatusCreated {
		t.Fatalf("create: status = %d, want 201", code)
	}
	var created struct {
		Token   string `json:"token"`
		Subject string `json:"subject"`
		Admin   bool   `json:"admin"`
	}
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created.Token, "sess_") {
		t.Errorf("token = %q, want sess_ prefix", created.Token)
	}
	if created.Subject != "alice" || created.Admin {
		t.Errorf("session = %+v, want plain alice", created)
	}

	// Admin subject.
	rootToken := login(t, env, "root")
	code, resp = doRequest(t, env, http.MethodGet, "/api/v1/admin/settings", rootToken, "")
	if code != http.StatusOK {
		t.Errorf("admin settings as root: status = %d, want 200", code)
	}

	// Missing subject.
	code, resp = doRequest(t, env, http.MethodPost, "/api/v1/auth/session", "", `{}`)
	if code != http.StatusBadRequest {
		t.Errorf("empty subject: status = %d, want 400", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeValidation {
		t.Errorf("empty subject: error = %+v, want validation", resp.Error)
	}

	// Logout invalidates the token.
	code, _ = doRequest(t, env, http.MethodDelete, "/api/v1/auth/session", created.Token, "")
	if code != http.StatusOK {
		t.Fatalf("delete session: status = %d, want 200", code)
	}
	code, _ = doRequest(t, env, http.MethodGet, "/api/v1/jobs", created.Token, "")
	if code != http.StatusUnauthorized {
		t.Errorf("after logout: status = %d, want 401", code)
	}
}

func TestSubmitJob(t *testing.T) {
	env := newTestEnv(t, instantRunner())
	token := login(t, env, "alice")

	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", token,
		`{"settings": {"image_urls": ["https://img.example.com/a.jpg"]}}`)
	if code != http.StatusCreated {
		t.Fatalf("status = %d, error = %+v", code, resp.Error)
	}

	var job model.Job
	if err := json.Unmarshal(resp.Data, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Owner != "alice" {
		t.Errorf("owner = %q, want alice", job.Owner)
	}
	if job.Priority != model.PriorityNormal {
		t.Errorf("priority = %q, want normal", job.Priority)
	}
	if job.ID == "" {
		t.Error("job ID is empty")
	}

	done := waitJobState(t, env, job.ID, model.JobStateCompleted)
	if done.Result == nil {
		t.Error("completed job has no result")
	}
}

func TestSubmitJob_Validation(t *testing.T) {
	env := newTestEnv(t, instantRunner())
	token := login(t, env, "alice")

	// Settings bag fails caption validation.
	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", token,
		`{"settings": {}}`)
	if code != http.StatusBadRequest {
		t.Errorf("missing urls: status = %d, want 400", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeValidation {
		t.Errorf("missing urls: error = %+v, want validation", resp.Error)
	}

	// Malformed body.
	code, _ = doRequest(t, env, http.MethodPost, "/api/v1/jobs", token, `{not json`)
	if code != http.StatusBadRequest {
		t.Errorf("bad JSON: status = %d, want 400", code)
	}

	// Elevated priority needs the admin role.
	code, resp = doRequest(t, env, http.MethodPost, "/api/v1/jobs", token,
		`{"priority": "elevated", "settings": {"image_urls": ["https://img.example.com/a.jpg"]}}`)
	if code != http.StatusForbidden {
		t.Errorf("elevated as plain user: status = %d, want 403", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeForbidden {
		t.Errorf("elevated as plain user: error = %+v, want forbidden", resp.Error)
	}
}

func TestSubmitJob_AdminDefaultsElevated(t *testing.T) {
	env := newTestEnv(t, instantRunner())
	rootToken := login(t, env, "root")

	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", rootToken,
		`{"settings": {"image_urls": ["https://img.example.com/a.jpg"]}}`)
	if code != http.StatusCreated {
		t.Fatalf("status = %d, error = %+v", code, resp.Error)
	}

	var job model.Job
	if err := json.Unmarshal(resp.Data, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Priority != model.PriorityElevated {
		t.Errorf("priority = %q, want elevated for admin submission", job.Priority)
	}
}

func TestSubmitJob_DuplicateActive(t *testing.T) {
	runner := newParkedRunner()
	defer runner.releaseAll()
	env := newTestEnv(t, runner)
	token := login(t, env, "alice")

	jobID := submitJob(t, env, token)
	waitJobState(t, env, jobID, model.JobStateRunning)

	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", token,
		`{"settings": {"image_urls": ["https://img.example.com/b.jpg"]}}`)
	if code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeDuplicateActive {
		t.Errorf("error = %+v, want %s", resp.Error, model.ErrCodeDuplicateActive)
	}
}

func TestGetJob_Ownership(t *testing.T) {
	runner := newParkedRunner()
	defer runner.releaseAll()
	env := newTestEnv(t, runner)

	aliceToken := login(t, env, "alice")
	bobToken := login(t, env, "bob")
	rootToken := login(t, env, "root")

	jobID := submitJob(t, env, aliceToken)

	// Owner sees it.
	code, _ := doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+jobID, aliceToken, "")
	if code != http.StatusOK {
		t.Errorf("owner: status = %d, want 200", code)
	}

	// Another owner gets the same 404 as for an absent job.
	code, resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+jobID, bobToken, "")
	if code != http.StatusNotFound {
		t.Errorf("other owner: status = %d, want 404", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeNotFound {
		t.Errorf("other owner: error = %+v, want not found", resp.Error)
	}

	// Admin sees everything.
	code, _ = doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+jobID, rootToken, "")
	if code != http.StatusOK {
		t.Errorf("admin: status = %d, want 200", code)
	}

	// Truly absent job.
	code, _ = doRequest(t, env, http.MethodGet, "/api/v1/jobs/job_missing", aliceToken, "")
	if code != http.StatusNotFound {
		t.Errorf("absent job: status = %d, want 404", code)
	}
}

func TestCancelJob(t *testing.T) {
	runner := newParkedRunner()
	defer runner.releaseAll()
	env := newTestEnv(t, runner)

	aliceToken := login(t, env, "alice")
	bobToken := login(t, env, "bob")

	jobID := submitJob(t, env, aliceToken)
	waitJobState(t, env, jobID, model.JobStateRunning)

	// A stranger may not cancel it.
	code, resp := doRequest(t, env, http.MethodPut, "/api/v1/jobs/"+jobID+"/cancel", bobToken, "")
	if code != http.StatusForbidden {
		t.Errorf("stranger cancel: status = %d, want 403", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeUnauthorized {
		t.Errorf("stranger cancel: error = %+v, want unauthorized code", resp.Error)
	}

	// The owner cancels.
	code, resp = doRequest(t, env, http.MethodPut, "/api/v1/jobs/"+jobID+"/cancel", aliceToken, "")
	if code != http.StatusOK {
		t.Fatalf("cancel: status = %d, error = %+v", code, resp.Error)
	}
	var result struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Cancelled {
		t.Error("cancelled = false, want true")
	}

	waitJobState(t, env, jobID, model.JobStateCancelled)

	// A second cancel reports false.
	code, resp = doRequest(t, env, http.MethodPut, "/api/v1/jobs/"+jobID+"/cancel", aliceToken, "")
	if code != http.StatusOK {
		t.Fatalf("second cancel: status = %d", code)
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Cancelled {
		t.Error("second cancel = true, want false")
	}
}

func TestListJobs_Scoping(t *testing.T) {
	env := newTestEnv(t, instantRunner())

	aliceToken := login(t, env, "alice")
	bobToken := login(t, env, "bob")
	rootToken := login(t, env, "root")

	aliceJob := submitJob(t, env, aliceToken)
	bobJob := submitJob(t, env, bobToken)
	waitJobState(t, env, aliceJob, model.JobStateCompleted)
	waitJobState(t, env, bobJob, model.JobStateCompleted)

	listIDs := func(token, query string) []string {
		t.Helper()
		code, resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs"+query, token, "")
		if code != http.StatusOK {
			t.Fatalf("list %q: status = %d, error = %+v", query, code, resp.Error)
		}
		var data model.JobList
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		ids := make([]string, 0, len(data.Jobs))
		for _, j := range data.Jobs {
			ids = append(ids, j.ID)
		}
		return ids
	}

	// Plain owners see only their own jobs.
	ids := listIDs(aliceToken, "")
	if len(ids) != 1 || ids[0] != aliceJob {
		t.Errorf("alice list = %v, want [%s]", ids, aliceJob)
	}

	// Admin sees everything.
	ids = listIDs(rootToken, "")
	if len(ids) != 2 {
		t.Errorf("admin list = %v, want 2 jobs", ids)
	}

	// Admin can filter by owner.
	ids = listIDs(rootToken, "?owner=bob")
	if len(ids) != 1 || ids[0] != bobJob {
		t.Errorf("admin list owner=bob = %v, want [%s]", ids, bobJob)
	}

	// State filter.
	ids = listIDs(rootToken, "?state=completed")
	if len(ids) != 2 {
		t.Errorf("state=completed = %v, want 2 jobs", ids)
	}
	ids = listIDs(rootToken, "?state=queued")
	if len(ids) != 0 {
		t.Errorf("state=queued = %v, want none", ids)
	}

	// Unknown state is rejected.
	code, resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs?state=paused", rootToken, "")
	if code != http.StatusBadRequest {
		t.Errorf("state=paused: status = %d, want 400", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeValidation {
		t.Errorf("state=paused: error = %+v, want validation", resp.Error)
	}

	// Pagination metadata.
	code, resp = doRequest(t, env, http.MethodGet, "/api/v1/jobs?limit=1", rootToken, "")
	if code != http.StatusOK {
		t.Fatalf("limit=1: status = %d", code)
	}
	if resp.Paging == nil || resp.Paging.Total != 2 || resp.Paging.Limit != 1 {
		t.Errorf("pagination = %+v, want total 2 limit 1", resp.Paging)
	}
}

func TestAdminEndpoints_RequireAdmin(t *testing.T) {
	env := newTestEnv(t, instantRunner())
	aliceToken := login(t, env, "alice")

	paths := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/v1/admin/settings", ""},
		{http.MethodPut, "/api/v1/admin/settings", `{"max_concurrent_jobs": "5"}`},
		{http.MethodPut, "/api/v1/admin/maintenance", `{"enabled": true}`},
		{http.MethodPost, "/api/v1/admin/cleanup", ""},
	}
	for _, p := range paths {
		code, resp := doRequest(t, env, p.method, p.path, aliceToken, p.body)
		if code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want 403", p.method, p.path, code)
		}
		if resp.Error == nil || resp.Error.Code != model.ErrCodeForbidden {
			t.Errorf("%s %s: error = %+v, want forbidden", p.method, p.path, resp.Error)
		}
	}
}

func TestAdminSettings_Update(t *testing.T) {
	env := newTestEnv(t, instantRunner())
	rootToken := login(t, env, "root")

	getSetting := func(key string) string {
		t.Helper()
		code, resp := doRequest(t, env, http.MethodGet, "/api/v1/admin/settings", rootToken, "")
		if code != http.StatusOK {
			t.Fatalf("get settings: status = %d", code)
		}
		var data struct {
			Settings map[string]string `json:"settings"`
		}
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			t.Fatalf("decode settings: %v", err)
		}
		return data.Settings[key]
	}

	if got := getSetting(config.KeyMaxConcurrentJobs); got != "3" {
		t.Errorf("default max_concurrent_jobs = %q, want 3", got)
	}

	code, _ := doRequest(t, env, http.MethodPut, "/api/v1/admin/settings", rootToken,
		`{"max_concurrent_jobs": "5", "queue_size_limit": "10"}`)
	if code != http.StatusOK {
		t.Fatalf("update: status = %d", code)
	}
	if got := getSetting(config.KeyMaxConcurrentJobs); got != "5" {
		t.Errorf("max_concurrent_jobs = %q, want 5", got)
	}
	if got := getSetting(config.KeyQueueSizeLimit); got != "10" {
		t.Errorf("queue_size_limit = %q, want 10", got)
	}

	// A batch with any invalid entry applies nothing.
	code, resp := doRequest(t, env, http.MethodPut, "/api/v1/admin/settings", rootToken,
		`{"max_concurrent_jobs": "7", "queue_size_limit": "-1"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("invalid batch: status = %d, want 400", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeValidation {
		t.Errorf("invalid batch: error = %+v, want validation", resp.Error)
	}
	if got := getSetting(config.KeyMaxConcurrentJobs); got != "5" {
		t.Errorf("max_concurrent_jobs after bad batch = %q, want unchanged 5", got)
	}

	// Unknown key.
	code, _ = doRequest(t, env, http.MethodPut, "/api/v1/admin/settings", rootToken,
		`{"warp_factor": "9"}`)
	if code != http.StatusBadRequest {
		t.Errorf("unknown key: status = %d, want 400", code)
	}
}

func TestAdminMaintenance(t *testing.T) {
	env := newTestEnv(t, instantRunner())
	aliceToken := login(t, env, "alice")
	rootToken := login(t, env, "root")

	code, _ := doRequest(t, env, http.MethodPut, "/api/v1/admin/maintenance", rootToken,
		`{"enabled": true}`)
	if code != http.StatusOK {
		t.Fatalf("enable maintenance: status = %d", code)
	}

	// Normal submissions are refused.
	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", aliceToken,
		`{"settings": {"image_urls": ["https://img.example.com/a.jpg"]}}`)
	if code != http.StatusServiceUnavailable {
		t.Errorf("submit in maintenance: status = %d, want 503", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeMaintenance {
		t.Errorf("submit in maintenance: error = %+v, want maintenance", resp.Error)
	}

	// Admin submissions ride through on elevated priority.
	code, _ = doRequest(t, env, http.MethodPost, "/api/v1/jobs", rootToken,
		`{"settings": {"image_urls": ["https://img.example.com/a.jpg"]}}`)
	if code != http.StatusCreated {
		t.Errorf("admin submit in maintenance: status = %d, want 201", code)
	}

	code, _ = doRequest(t, env, http.MethodPut, "/api/v1/admin/maintenance", rootToken,
		`{"enabled": false}`)
	if code != http.StatusOK {
		t.Fatalf("disable maintenance: status = %d", code)
	}
	code, _ = doRequest(t, env, http.MethodPost, "/api/v1/jobs", aliceToken,
		`{"settings": {"image_urls": ["https://img.example.com/a.jpg"]}}`)
	if code != http.StatusCreated {
		t.Errorf("submit after maintenance: status = %d, want 201", code)
	}
}

func TestAdminCleanup(t *testing.T) {
	env := newTestEnv(t, instantRunner())
	aliceToken := login(t, env, "alice")
	rootToken := login(t, env, "root")

	jobID := submitJob(t, env, aliceToken)
	waitJobState(t, env, jobID, model.JobStateCompleted)
	time.Sleep(10 * time.Millisecond)

	code, resp := doRequest(t, env, http.MethodPost, "/api/v1/admin/cleanup", rootToken,
		`{"retention": "1ms"}`)
	if code != http.StatusOK {
		t.Fatalf("cleanup: status = %d, error = %+v", code, resp.Error)
	}
	var result struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Removed != 1 {
		t.Errorf("removed = %d, want 1", result.Removed)
	}

	code, _ = doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+jobID, aliceToken, "")
	if code != http.StatusNotFound {
		t.Errorf("after cleanup: status = %d, want 404", code)
	}

	// Bad retention override.
	code, _ = doRequest(t, env, http.MethodPost, "/api/v1/admin/cleanup", rootToken,
		`{"retention": "yesterday"}`)
	if code != http.StatusBadRequest {
		t.Errorf("bad retention: status = %d, want 400", code)
	}
}

// reportingRunner emits scripted progress once started, then completes.
// Jobs park until release is closed.
type reportingRunner struct {
	release chan struct{}
	once    sync.Once
}

func newReportingRunner() *reportingRunner {
	return &reportingRunner{release: make(chan struct{})}
}

func (p *reportingRunner) Run(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error) {
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	report("captioning 1/2", 50, map[string]any{"image": "a.jpg"})
	report("captioning 2/2", 100, map[string]any{"image": "b.jpg"})
	return map[string]any{"captions": []any{}, "generated": 2, "skipped": 0}, nil
}

func (p *reportingRunner) releaseAll() {
	p.once.Do(func() { close(p.release) })
}

// TestSSEStream drives a full stream: connect while the job is parked,
// see a heartbeat, release the runner, then read progress events and
// the terminal complete event before the server closes the stream.
func TestSSEStream(t *testing.T) {
	runner := newReportingRunner()
	defer runner.releaseAll()
	env := newTestEnv(t, runner, WithHeartbeat(20*time.Millisecond))

	token := login(t, env, "alice")
	jobID := submitJob(t, env, token)
	waitJobState(t, env, jobID, model.JobStateRunning)

	httpSrv := httptest.NewServer(env.srv)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/v1/sse/jobs/"+jobID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)

	// The job is parked, so the first line must be a heartbeat comment.
	if !scanner.Scan() {
		t.Fatalf("stream ended early: %v", scanner.Err())
	}
	if line := scanner.Text(); !strings.HasPrefix(line, ":") {
		t.Fatalf("first line = %q, want a heartbeat comment", line)
	}

	runner.releaseAll()

	type frame struct {
		event string
		snap  model.ProgressSnapshot
	}
	var frames []frame
	currentEvent := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			currentEvent = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var snap model.ProgressSnapshot
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
				t.Fatalf("bad data frame %q: %v", line, err)
			}
			frames = append(frames, frame{event: currentEvent, snap: snap})
		}
		if len(frames) > 0 && frames[len(frames)-1].event == "complete" {
			break
		}
	}

	if len(frames) < 3 {
		t.Fatalf("got %d frames, want at least 3 (two progress, one complete)", len(frames))
	}
	first := frames[0]
	if first.event != "progress" || first.snap.Step != "captioning 1/2" || first.snap.Percent != 50 {
		t.Errorf("first frame = %s %+v, want progress captioning 1/2 at 50", first.event, first.snap)
	}
	last := frames[len(frames)-1]
	if last.event != "complete" {
		t.Errorf("last frame event = %q, want complete", last.event)
	}
	if last.snap.State != model.JobStateCompleted || last.snap.Percent != 100 {
		t.Errorf("terminal snapshot = %+v, want completed at 100", last.snap)
	}
}

// TestWSStream reads the same progress sequence over a websocket.
func TestWSStream(t *testing.T) {
	runner := newReportingRunner()
	defer runner.releaseAll()
	env := newTestEnv(t, runner, WithHeartbeat(20*time.Millisecond))

	token := login(t, env, "alice")
	jobID := submitJob(t, env, token)
	waitJobState(t, env, jobID, model.JobStateRunning)

	httpSrv := httptest.NewServer(env.srv)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws/jobs/" + jobID
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	runner.releaseAll()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frames []wsFrame
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON after %d frames: %v", len(frames), err)
		}
		frames = append(frames, f)
		if f.Event == "complete" {
			break
		}
	}

	if len(frames) < 3 {
		t.Fatalf("got %d frames, want at least 3", len(frames))
	}
	if frames[0].Event != "progress" || frames[0].Data.Step != "captioning 1/2" {
		t.Errorf("first frame = %+v, want progress captioning 1/2", frames[0])
	}
	last := frames[len(frames)-1]
	if last.Data.State != model.JobStateCompleted || last.Data.Percent != 100 {
		t.Errorf("terminal frame = %+v, want completed at 100", last)
	}

	// The server closes the connection after the terminal frame.
	if err := conn.ReadJSON(&wsFrame{}); err == nil {
		t.Error("read after complete succeeded, want closed connection")
	}
}

// TestSSE_TerminalJobReplaysCompletion subscribes after the job already
// finished and still receives the terminal frame.
func TestSSE_TerminalJobReplaysCompletion(t *testing.T) {
	env := newTestEnv(t, instantRunner(), WithHeartbeat(20*time.Millisecond))

	token := login(t, env, "alice")
	jobID := submitJob(t, env, token)
	waitJobState(t, env, jobID, model.JobStateCompleted)

	httpSrv := httptest.NewServer(env.srv)
	defer httpSrv.Close()

	req, err := http.NewRequest(http.MethodGet, httpSrv.URL+"/api/v1/sse/jobs/"+jobID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()

	body := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		body.WriteString(scanner.Text())
		body.WriteString("\n")
	}
	out := body.String()
	if !strings.Contains(out, "event: complete") {
		t.Errorf("stream = %q, want a complete event", out)
	}
	if !strings.Contains(out, `"state":"completed"`) {
		t.Errorf("stream = %q, want completed state in payload", out)
	}
}

func TestStream_OwnershipHidden(t *testing.T) {
	runner := newParkedRunner()
	defer runner.releaseAll()
	env := newTestEnv(t, runner)

	aliceToken := login(t, env, "alice")
	bobToken := login(t, env, "bob")
	jobID := submitJob(t, env, aliceToken)

	code, resp := doRequest(t, env, http.MethodGet, "/api/v1/sse/jobs/"+jobID, bobToken, "")
	if code != http.StatusNotFound {
		t.Errorf("sse as stranger: status = %d, want 404", code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeNotFound {
		t.Errorf("sse as stranger: error = %+v, want not found", resp.Error)
	}

	code, _ = doRequest(t, env, http.MethodGet, "/api/v1/ws/jobs/"+jobID, bobToken, "")
	if code != http.StatusNotFound {
		t.Errorf("ws as stranger: status = %d, want 404", code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, instantRunner())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("X-Request-ID = %q, want req_ prefix", got)
	}
}
