package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/me/vedfolnir/internal/config"
	"github.com/me/vedfolnir/internal/logging"
	"github.com/me/vedfolnir/internal/progress"
	"github.com/me/vedfolnir/internal/queue"
	"github.com/me/vedfolnir/internal/server"
	"github.com/me/vedfolnir/internal/session"
	"github.com/me/vedfolnir/pkg/model"
)

// runnerFunc adapts a function to the queue.Runner interface.
type runnerFunc func(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error)

func (f runnerFunc) Run(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error) {
	return f(ctx, job, report)
}

// echoRunner completes every job with a single canned caption.
func echoRunner() queue.Runner {
	return runnerFunc(func(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error) {
		report("captioning 1/1", 100, map[string]any{"caption": "a test caption"})
		return map[string]any{
			"captions": []any{
				map[string]any{"url": "https://example.com/cat.jpg", "caption": "a test caption"},
			},
			"generated": 1,
			"skipped":   0,
		}, nil
	})
}

// blockingRunner parks every job until it is cancelled.
func blockingRunner() queue.Runner {
	return runnerFunc(func(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

// startTestServer starts a full server over a live queue manager and
// returns its URL. The subject "root" is an admin, and HOME points at a
// temp dir so credentials never leak between tests.
func startTestServer(t *testing.T, runner queue.Runner) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(session.AdminsEnvVar, "root")

	nop := logging.Nop()
	settings := config.NewSettings(nil, nop)
	tracker := progress.NewTracker(nop)
	manager := queue.NewManager(runner, tracker, settings, nop,
		queue.WithWakeInterval(10*time.Millisecond),
		queue.WithGrace(50*time.Millisecond),
	)

	go func() { _ = manager.Start(context.Background()) }()
	t.Cleanup(func() { _ = manager.Stop() })

	sessions := session.NewManager(session.NewMemoryStore(),
		session.NewAdminConfig(session.AdminsEnvVar, ""), nop)

	srv := server.New(manager, tracker, settings, sessions, nop)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// loginAs logs in through the CLI, storing the session token under HOME.
func loginAs(t *testing.T, url, subject string) {
	t.Helper()

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "login", "--subject", subject)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)

	if err != nil {
		t.Fatalf("login as %s: %v\noutput: %s", subject, err, buf.String())
	}
}

// submitTestJob submits a one-image job through the CLI and returns the job ID.
func submitTestJob(t *testing.T, url string) string {
	t.Helper()

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "submit", "https://example.com/cat.jpg")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("submit: %v\noutput: %s", err, output)
	}

	idx := strings.Index(output, "Job submitted: ")
	if idx < 0 {
		t.Fatalf("no job ID in submit output: %s", output)
	}
	return strings.Fields(output[idx+len("Job submitted: "):])[0]
}

// waitForJobState polls the job until it reaches the wanted state.
func waitForJobState(t *testing.T, url, jobID string, want model.JobState) {
	t.Helper()

	c := NewClient(url, logging.Nop())
	c.Token = LoadToken()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := c.Get("/api/v1/jobs/" + jobID)
		if err != nil {
			t.Fatalf("poll job: %v", err)
		}
		var job model.Job
		if err := json.Unmarshal(resp.Data, &job); err != nil {
			t.Fatalf("parse job: %v", err)
		}
		if job.State == want {
			return
		}
		if job.State.IsTerminal() {
			t.Fatalf("job %s reached %s, want %s", jobID, job.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for job %s to reach %s", jobID, want)
}

func TestLoginCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "login", "--subject", "alice")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("login error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Logged in as alice") {
		t.Errorf("expected 'Logged in as alice' in output, got: %s", output)
	}
	if strings.Contains(output, "(admin)") {
		t.Errorf("alice must not be an admin, got: %s", output)
	}
	if !strings.Contains(output, "Credentials saved to") {
		t.Errorf("expected credentials path in output, got: %s", output)
	}

	token := LoadToken()
	if !strings.HasPrefix(token, "sess_") {
		t.Errorf("stored token = %q, want sess_ prefix", token)
	}
}

func TestLoginCommand_Admin(t *testing.T) {
	url := startTestServer(t, echoRunner())

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "login", "--subject", "root")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if !strings.Contains(output, "Logged in as root (admin)") {
		t.Errorf("expected admin marker in output, got: %s", output)
	}
}

func TestLogoutCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "logout")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if !strings.Contains(output, "Logged out.") {
		t.Errorf("expected 'Logged out.' in output, got: %s", output)
	}
	if LoadToken() != "" {
		t.Error("token still present after logout")
	}

	// The destroyed session no longer authenticates.
	if _, err := runCLI(t, "--server", url, "list"); err == nil {
		t.Error("expected list to fail after logout")
	}
}

func TestSubmitCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "submit", "https://example.com/cat.jpg")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Job submitted: job_") {
		t.Errorf("expected 'Job submitted: job_' in output, got: %s", output)
	}
	if !strings.Contains(output, "priority: normal") {
		t.Errorf("expected normal priority in output, got: %s", output)
	}
}

func TestSubmitCommand_RequiresAuth(t *testing.T) {
	url := startTestServer(t, echoRunner())

	_, err := runCLI(t, "--server", url, "submit", "https://example.com/cat.jpg")
	if err == nil {
		t.Fatal("expected error without login")
	}
	if !strings.Contains(err.Error(), "authentication required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSubmitCommand_NoURLs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := runCLI(t, "submit")
	if err == nil {
		t.Fatal("expected error for missing URLs")
	}
	if !strings.Contains(err.Error(), "no image URLs") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSubmitCommand_FromFile(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")

	listPath := filepath.Join(t.TempDir(), "urls.txt")
	content := "# favorites\nhttps://example.com/cat.jpg\n\nhttps://example.com/dog.jpg\n"
	if err := os.WriteFile(listPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write url list: %v", err)
	}

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "submit", "--file", listPath)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("submit --file error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Job submitted: job_") {
		t.Errorf("expected job ID in output, got: %s", output)
	}
}

func TestStatusCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")
	jobID := submitTestJob(t, url)
	waitForJobState(t, url, jobID, model.JobStateCompleted)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "status", jobID)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(output, jobID) {
		t.Errorf("expected job ID in output, got: %s", output)
	}
	if !strings.Contains(output, "completed") {
		t.Errorf("expected completed state in output, got: %s", output)
	}
	if !strings.Contains(output, "1 generated, 0 skipped") {
		t.Errorf("expected caption summary in output, got: %s", output)
	}
	if !strings.Contains(output, "a test caption") {
		t.Errorf("expected caption text in output, got: %s", output)
	}
}

func TestListCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")
	jobID := submitTestJob(t, url)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "list")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(output, "ID") {
		t.Errorf("expected table header in output, got: %s", output)
	}
	if !strings.Contains(output, jobID) {
		t.Errorf("expected job ID in output, got: %s", output)
	}
}

func TestWatchCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")
	jobID := submitTestJob(t, url)
	waitForJobState(t, url, jobID, model.JobStateCompleted)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "watch", jobID)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("watch error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Job "+jobID+": completed") {
		t.Errorf("expected terminal line in output, got: %s", output)
	}
}

func TestRunCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "run", "-q", "https://example.com/cat.jpg")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, output)
	}

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("run output is not JSON: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "a test caption") {
		t.Errorf("expected caption in result, got: %s", output)
	}
	if generated, _ := result["generated"].(float64); generated != 1 {
		t.Errorf("generated = %v, want 1", result["generated"])
	}
}

func TestCancelCommand(t *testing.T) {
	url := startTestServer(t, blockingRunner())
	loginAs(t, url, "alice")
	jobID := submitTestJob(t, url)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "cancel", jobID)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if !strings.Contains(output, "Job "+jobID+" cancelled.") {
		t.Errorf("expected cancellation in output, got: %s", output)
	}
	waitForJobState(t, url, jobID, model.JobStateCancelled)
}

func TestAdminSettingsCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "root")

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "admin", "settings")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("admin settings error: %v", err)
	}
	if !strings.Contains(output, "SETTING") {
		t.Errorf("expected table header in output, got: %s", output)
	}
	if !strings.Contains(output, "max_concurrent_jobs") {
		t.Errorf("expected max_concurrent_jobs in output, got: %s", output)
	}

	// Change a setting and verify the new value is listed.
	old = os.Stdout
	r, w, _ = os.Pipe()
	os.Stdout = w

	_, err = runCLI(t, "--server", url, "admin", "settings", "set", "max_concurrent_jobs", "5")
	if err == nil {
		_, err = runCLI(t, "--server", url, "admin", "settings")
	}

	w.Close()
	os.Stdout = old

	buf.Reset()
	buf.ReadFrom(r)
	output = buf.String()

	if err != nil {
		t.Fatalf("admin settings set error: %v", err)
	}
	if !strings.Contains(output, "Updated max_concurrent_jobs = 5") {
		t.Errorf("expected update confirmation in output, got: %s", output)
	}
	if !regexp.MustCompile(`max_concurrent_jobs\s+5`).MatchString(output) {
		t.Errorf("expected new value in listing, got: %s", output)
	}
}

func TestAdminSettingsCommand_InvalidValue(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "root")

	_, err := runCLI(t, "--server", url, "admin", "settings", "set", "max_concurrent_jobs", "1000")
	if err == nil {
		t.Fatal("expected error for out-of-range value")
	}
}

func TestAdminCommand_Forbidden(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")

	_, err := runCLI(t, "--server", url, "admin", "settings")
	if err == nil {
		t.Fatal("expected error for non-admin")
	}
}

func TestAdminMaintenanceCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "root")

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "admin", "maintenance", "on")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("maintenance on error: %v", err)
	}
	if !strings.Contains(output, "Maintenance mode enabled.") {
		t.Errorf("expected confirmation in output, got: %s", output)
	}

	// Normal submissions are rejected while maintenance is on.
	loginAs(t, url, "alice")
	if _, err := runCLI(t, "--server", url, "submit", "https://example.com/cat.jpg"); err == nil {
		t.Fatal("expected submit to fail during maintenance")
	}

	loginAs(t, url, "root")
	if _, err := runCLI(t, "--server", url, "admin", "maintenance", "off"); err != nil {
		t.Fatalf("maintenance off error: %v", err)
	}

	loginAs(t, url, "alice")
	submitTestJob(t, url)
}

func TestAdminCleanupCommand(t *testing.T) {
	url := startTestServer(t, echoRunner())
	loginAs(t, url, "alice")
	jobID := submitTestJob(t, url)
	waitForJobState(t, url, jobID, model.JobStateCompleted)

	loginAs(t, url, "root")
	time.Sleep(20 * time.Millisecond)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "--server", url, "admin", "cleanup", "--retention", "1ms")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	if !strings.Contains(output, "Removed 1 jobs") {
		t.Errorf("expected removal count in output, got: %s", output)
	}
}
