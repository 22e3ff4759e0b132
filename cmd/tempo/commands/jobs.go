package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// JobsCmd represents the jobs command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect stored jobs",
	Long: `jobs — Inspect stored jobs

Examples:
  tempo jobs ls                    # List jobs in every group
  tempo jobs ls --group reports    # List jobs in one group`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored jobs",
	RunE:  runJobsLs,
}

var jobsGroupFlag string

func init() {
	JobsCmd.AddCommand(jobsLsCmd)
	jobsLsCmd.Flags().StringVar(&jobsGroupFlag, "group", "", "Only list jobs in this group")
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store, err := newStore(database, cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	groups := []string{jobsGroupFlag}
	if jobsGroupFlag == "" {
		groups, err = store.GetJobGroupNames(ctx)
		if err != nil {
			return err
		}
	}

	total := 0
	for _, group := range groups {
		keys, err := store.GetJobKeys(ctx, group)
		if err != nil {
			return err
		}
		for _, key := range keys {
			job, err := store.RetrieveJob(ctx, key)
			if err != nil {
				return err
			}
			if job == nil {
				continue
			}
			flags := ""
			if job.Durable {
				flags += " durable"
			}
			if job.Stateful {
				flags += " stateful"
			}
			if job.RequestsRecovery {
				flags += " recoverable"
			}
			fmt.Printf("%-40s %s%s\n", job.Key, job.Description, flags)
			total++
		}
	}
	fmt.Printf("\n%d jobs\n", total)
	return nil
}
