package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put("/api/v1/jobs/"+id+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if cancelled, _ := data["cancelled"].(bool); cancelled {
				fmt.Printf("Job %s cancelled.\n", id)
			} else {
				fmt.Printf("Job %s had already finished.\n", id)
			}
			return nil
		},
	}
}
