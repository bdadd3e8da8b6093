package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const credentialsFileName = "credentials.json"

type credentials struct {
	Token   string `json:"token"`
	Subject string `json:"subject"`
}

func newLoginCmd() *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Create a session with the Vedfolnir server",
		Long:  "Create a session and store its token for use with later API calls.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				fmt.Print("Subject: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read subject: %w", err)
				}
				subject = strings.TrimSpace(line)
			}

			if subject == "" {
				return fmt.Errorf("subject cannot be empty")
			}

			resp, err := client.Post("/api/v1/auth/session", map[string]any{"subject": subject})
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}

			var data struct {
				Token   string `json:"token"`
				Subject string `json:"subject"`
				Admin   bool   `json:"admin"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse session response: %w", err)
			}

			credPath, err := credentialsPath()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(credPath), 0700); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}

			creds := credentials{Token: data.Token, Subject: data.Subject}
			out, err := json.MarshalIndent(creds, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal credentials: %w", err)
			}

			if err := os.WriteFile(credPath, out, 0600); err != nil {
				return fmt.Errorf("write credentials: %w", err)
			}

			if data.Admin {
				fmt.Printf("Logged in as %s (admin)\n", data.Subject)
			} else {
				fmt.Printf("Logged in as %s\n", data.Subject)
			}
			fmt.Printf("Credentials saved to %s\n", credPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject to log in as (prompted if omitted)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Destroy the current session and forget its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client.Token == "" {
				fmt.Println("Not logged in.")
				return nil
			}

			// Best effort: the local token is removed even if the server
			// no longer knows the session.
			if _, err := client.Delete("/api/v1/auth/session"); err != nil {
				logger.Debug("session delete failed", "error", err)
			}

			credPath, err := credentialsPath()
			if err != nil {
				return err
			}
			if err := os.Remove(credPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove credentials: %w", err)
			}

			fmt.Println("Logged out.")
			return nil
		},
	}
}

// credentialsPath returns the path to the credentials file (~/.vedfolnir/credentials.json).
func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".vedfolnir", credentialsFileName), nil
}

// LoadToken reads the stored session token, returning empty string if not found.
func LoadToken() string {
	p, err := credentialsPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return ""
	}
	return creds.Token
}
