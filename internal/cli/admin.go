package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations (requires the admin role)",
	}
	cmd.AddCommand(
		newAdminSettingsCmd(),
		newAdminMaintenanceCmd(),
		newAdminCleanupCmd(),
	)
	return cmd
}

func newAdminSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show runtime settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/admin/settings")
			if err != nil {
				return fmt.Errorf("get settings: %w", err)
			}
			return printSettings(resp.Data)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a runtime setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			_, err := client.Put("/api/v1/admin/settings", map[string]string{key: value})
			if err != nil {
				return fmt.Errorf("update setting: %w", err)
			}

			fmt.Printf("Updated %s = %s\n", key, value)
			return nil
		},
	})

	return cmd
}

func printSettings(data json.RawMessage) error {
	var payload struct {
		Settings map[string]string `json:"settings"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse settings response: %w", err)
	}

	keys := make([]string, 0, len(payload.Settings))
	for k := range payload.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%-24s  %s\n", "SETTING", "VALUE")
	fmt.Printf("%-24s  %s\n", "-------", "-----")
	for _, k := range keys {
		fmt.Printf("%-24s  %s\n", k, payload.Settings[k])
	}
	return nil
}

func newAdminMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance <on|off>",
		Short: "Toggle maintenance mode",
		Long:  "While maintenance mode is on, only elevated jobs are admitted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("argument must be on or off, got %q", args[0])
			}

			_, err := client.Put("/api/v1/admin/maintenance", map[string]any{"enabled": enabled})
			if err != nil {
				return fmt.Errorf("set maintenance mode: %w", err)
			}

			if enabled {
				fmt.Println("Maintenance mode enabled.")
			} else {
				fmt.Println("Maintenance mode disabled.")
			}
			return nil
		},
	}
}

func newAdminCleanupCmd() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old terminal jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if retention > 0 {
				body = map[string]any{"retention": retention.String()}
			}

			resp, err := client.Post("/api/v1/admin/cleanup", body)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}

			var data struct {
				Removed   int    `json:"removed"`
				Retention string `json:"retention"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse cleanup response: %w", err)
			}

			fmt.Printf("Removed %d jobs (retention %s).\n", data.Removed, data.Retention)
			return nil
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "Retention horizon, e.g. 24h (server default if omitted)")
	return cmd
}
