package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ClusterCmd represents the cluster command
var ClusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect cluster instance state",
	Long: `cluster — Inspect cluster instance state

Examples:
  tempo cluster status    # Show instance heartbeats`,
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instance heartbeats",
	RunE:  runClusterStatus,
}

func init() {
	ClusterCmd.AddCommand(clusterStatusCmd)
}

func runClusterStatus(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store, err := newStore(database, cfg)
	if err != nil {
		return err
	}

	states, err := store.GetSchedulerStates(cmd.Context())
	if err != nil {
		return err
	}

	if len(states) == 0 {
		fmt.Println("No scheduler instances have checked in.")
		return nil
	}

	fmt.Printf("Cluster Instances\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	now := time.Now()
	for _, state := range states {
		age := now.Sub(state.LastCheckin).Round(time.Second)
		fmt.Printf("%-50s last check-in %s ago (interval %s)\n",
			state.InstanceName, age, state.CheckinInterval)
	}
	return nil
}
