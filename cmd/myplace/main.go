// Command myplace runs a shared pixel canvas that many clients paint on
// at once over websockets.
//
// Start the server:
//
//	myplace serve
//	myplace serve --env-file /etc/myplace.env
//
// All settings come from the environment; see internal/config for the
// recognised variables.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "myplace",
		Short:        "Collaborative pixel canvas server",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the canvas over HTTP and websockets",
		Long: `Serve the canvas.

The canvas is restored from Redis when REDIS_ADDR is set and kept in
sync with it while running. Without Redis the canvas and cooldowns live
in memory only. SIGINT or SIGTERM closes every connection with code 1012
and writes a final checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Optional file of KEY=value pairs loaded into the environment")
	return cmd
}
