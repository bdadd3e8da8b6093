package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/vedfolnir/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var urlsFile string
	var prompt string
	var priority string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit <image-url>...",
		Short: "Submit a caption generation job",
		Long:  "Submit a job that generates captions for the given image URLs.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := buildJobSettings(args, urlsFile, prompt, timeout)
			if err != nil {
				return err
			}

			req := map[string]any{"settings": settings}
			if priority != "" {
				if !model.Priority(priority).Valid() {
					return fmt.Errorf("unknown priority %q (use normal or elevated)", priority)
				}
				req["priority"] = priority
			}

			resp, err := client.Post("/api/v1/jobs", req)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}

			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse job response: %w", err)
			}

			fmt.Printf("Job submitted: %s (state: %s, priority: %s)\n", job.ID, job.State, job.Priority)
			return nil
		},
	}

	cmd.Flags().StringVarP(&urlsFile, "file", "f", "", "File with one image URL per line")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Caption prompt (server default if omitted)")
	cmd.Flags().StringVar(&priority, "priority", "", "Job priority: normal or elevated (admins default to elevated)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Job execution deadline, e.g. 10m (server default if omitted)")
	return cmd
}

// buildJobSettings assembles the job settings payload from positional
// URLs, an optional URL list file, and optional overrides.
func buildJobSettings(args []string, urlsFile, prompt string, timeout time.Duration) (map[string]any, error) {
	urls := append([]string{}, args...)

	if urlsFile != "" {
		data, err := os.ReadFile(urlsFile)
		if err != nil {
			return nil, fmt.Errorf("read url list: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("no image URLs given (pass them as arguments or with --file)")
	}

	settings := map[string]any{"image_urls": urls}
	if prompt != "" {
		settings["prompt"] = prompt
	}
	if timeout > 0 {
		settings["timeout_seconds"] = timeout.Seconds()
	}
	return settings, nil
}
