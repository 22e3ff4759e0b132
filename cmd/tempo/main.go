package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/cmd/tempo/commands"
	"github.com/teranos/tempo/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tempo",
	Short: "Tempo - persistent clustered job scheduler store",
	Long: `Tempo - persistent, clustered job scheduler store.

Tempo keeps jobs, triggers, and calendars in a relational database so that
schedules survive restarts and multiple scheduler instances can share the
same work safely.

Available commands:
  db        - Manage the scheduler database
  jobs      - Inspect stored jobs
  triggers  - Inspect stored triggers
  calendars - Inspect stored calendars
  cluster   - Inspect cluster instance state

Examples:
  tempo db migrate           # Create or upgrade the schema
  tempo jobs ls              # List stored jobs
  tempo triggers ls          # List stored triggers
  tempo cluster status       # Show instance heartbeats`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.TriggersCmd)
	rootCmd.AddCommand(commands.CalendarsCmd)
	rootCmd.AddCommand(commands.ClusterCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
