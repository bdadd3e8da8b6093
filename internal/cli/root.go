package cli

import (
	"log/slog"
	"os"

	"github.com/me/vedfolnir/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking VEDFOLNIR_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("VEDFOLNIR_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the vedfolnir CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vedfolnir",
		Short: "Vedfolnir — AI caption generation engine",
		Long:  "Vedfolnir submits, monitors, and manages AI caption generation jobs.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
			client.Token = LoadToken()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Vedfolnir server URL (or VEDFOLNIR_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newWatchCmd(),
		newCancelCmd(),
		newRunCmd(),
		newAdminCmd(),
	)

	return root
}
