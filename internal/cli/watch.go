package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/vedfolnir/pkg/model"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job_id>",
		Short: "Stream live progress for a job",
		Long:  "Attach to a job's progress stream and print updates until the job finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := streamProgress(cmd.Context(), args[0], os.Stdout)
			if err != nil {
				return err
			}
			if snap.State == model.JobStateFailed {
				return fmt.Errorf("job failed")
			}
			return nil
		},
	}
}

// streamProgress follows a job's SSE stream, printing one line per
// update, and returns the terminal snapshot.
func streamProgress(ctx context.Context, jobID string, out io.Writer) (*model.ProgressSnapshot, error) {
	body, err := client.Stream(ctx, "/api/v1/sse/jobs/"+jobID)
	if err != nil {
		return nil, fmt.Errorf("open progress stream: %w", err)
	}
	defer body.Close()

	var event string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")

		case strings.HasPrefix(line, "data: "):
			var snap model.ProgressSnapshot
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
				return nil, fmt.Errorf("parse progress event: %w", err)
			}
			fmt.Fprintln(out, formatProgressLine(&snap))
			if event == "complete" {
				return &snap, nil
			}
		}
		// Blank separators and ": heartbeat" comments are skipped.
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read progress stream: %w", err)
	}
	return nil, fmt.Errorf("progress stream ended before the job finished")
}

func formatProgressLine(snap *model.ProgressSnapshot) string {
	if snap.State.IsTerminal() {
		line := fmt.Sprintf("Job %s: %s", snap.JobID, snap.State)
		if snap.Error != nil {
			line += fmt.Sprintf(" (%s: %s)", snap.Error.Kind, snap.Error.Message)
		}
		return line
	}

	line := fmt.Sprintf("[%3d%%] %s", snap.Percent, snap.Step)
	if caption, ok := snap.Detail["caption"].(string); ok && caption != "" {
		line += fmt.Sprintf("  %q", caption)
	}
	if errMsg, ok := snap.Detail["error"].(string); ok && errMsg != "" {
		line += fmt.Sprintf("  (skipped: %s)", errMsg)
	}
	return line
}
