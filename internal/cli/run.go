package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/vedfolnir/pkg/model"
)

func newRunCmd() *cobra.Command {
	var urlsFile string
	var prompt string
	var quiet bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <image-url>...",
		Short: "Submit a caption job and wait for the result",
		Long: `Submit a caption job, stream its progress until completion, and print
the generated captions as JSON to stdout. Progress goes to stderr.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := buildJobSettings(args, urlsFile, prompt, 0)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			// 1. Submit the job.
			resp, err := client.Post("/api/v1/jobs", map[string]any{"settings": settings})
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}

			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse job response: %w", err)
			}

			progressOut := io.Writer(os.Stderr)
			if quiet {
				progressOut = io.Discard
			}
			fmt.Fprintf(progressOut, "Job submitted: %s\n", job.ID)

			// 2. Follow progress until the job reaches a terminal state.
			snap, err := streamProgress(ctx, job.ID, progressOut)
			if err != nil {
				return err
			}

			switch snap.State {
			case model.JobStateFailed:
				if snap.Error != nil {
					return fmt.Errorf("job failed: %s: %s", snap.Error.Kind, snap.Error.Message)
				}
				return fmt.Errorf("job failed")
			case model.JobStateCancelled:
				return fmt.Errorf("job was cancelled")
			}

			// 3. Fetch the completed job and print its result.
			final, err := client.Get("/api/v1/jobs/" + job.ID)
			if err != nil {
				return fmt.Errorf("get job result: %w", err)
			}
			if err := json.Unmarshal(final.Data, &job); err != nil {
				return fmt.Errorf("parse job result: %w", err)
			}

			out, err := json.MarshalIndent(job.Result, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&urlsFile, "file", "f", "", "File with one image URL per line")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Caption prompt (server default if omitted)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress messages")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Maximum time to wait for completion")
	return cmd
}
