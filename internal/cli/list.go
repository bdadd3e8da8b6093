package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/vedfolnir/pkg/model"
)

func newListCmd() *cobra.Command {
	var state string
	var owner string
	var limit int
	var offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long:  "List your jobs. Admins see all jobs and may filter by owner.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if owner != "" {
				q.Set("owner", owner)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}

			path := "/api/v1/jobs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			var data model.JobList
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data.Jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			fmt.Printf("%-40s  %-10s  %-8s  %-12s  %s\n", "ID", "STATE", "PRIORITY", "OWNER", "SUBMITTED")
			fmt.Printf("%-40s  %-10s  %-8s  %-12s  %s\n", "----", "-----", "--------", "-----", "---------")
			for _, job := range data.Jobs {
				fmt.Printf("%-40s  %-10s  %-8s  %-12s  %s\n",
					job.ID, job.State, job.Priority, job.Owner, humanize.Time(job.SubmittedAt))
			}

			if resp.Pagination != nil && resp.Pagination.Total > len(data.Jobs) {
				fmt.Printf("\n(%d of %d shown)\n", len(data.Jobs), resp.Pagination.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (queued, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner (admin only)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset into the result set")
	return cmd
}
