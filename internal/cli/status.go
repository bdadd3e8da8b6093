package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/vedfolnir/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Check the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/jobs/" + id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Job: %s\n", job.ID)
			fmt.Printf("  Owner:     %s\n", job.Owner)
			fmt.Printf("  State:     %s\n", job.State)
			fmt.Printf("  Priority:  %s\n", job.Priority)
			fmt.Printf("  Attempts:  %d\n", job.Attempts)
			fmt.Printf("  Submitted: %s\n", humanize.Time(job.SubmittedAt))
			if job.StartedAt != nil {
				fmt.Printf("  Started:   %s\n", humanize.Time(*job.StartedAt))
			}
			if job.EndedAt != nil {
				fmt.Printf("  Ended:     %s\n", humanize.Time(*job.EndedAt))
			}
			if job.Error != nil {
				fmt.Printf("  Error:     %s: %s\n", job.Error.Kind, job.Error.Message)
			}

			printJobResult(job.Result)
			return nil
		},
	}
}

// printJobResult renders the caption result map produced by a completed job.
func printJobResult(result map[string]any) {
	if result == nil {
		return
	}

	generated, _ := result["generated"].(float64)
	skipped, _ := result["skipped"].(float64)
	fmt.Printf("  Captions:  %d generated, %d skipped\n", int(generated), int(skipped))

	captions, ok := result["captions"].([]any)
	if !ok {
		return
	}
	for _, c := range captions {
		entry, ok := c.(map[string]any)
		if !ok {
			continue
		}
		url, _ := entry["url"].(string)
		if caption, ok := entry["caption"].(string); ok {
			fmt.Printf("    %s\n      %s\n", url, caption)
		} else if errMsg, ok := entry["error"].(string); ok {
			fmt.Printf("    %s\n      (skipped: %s)\n", url, errMsg)
		}
	}
}
