package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// TriggersCmd represents the triggers command
var TriggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Inspect stored triggers",
	Long: `triggers — Inspect stored triggers

Examples:
  tempo triggers ls                    # List triggers in every group
  tempo triggers ls --group reports    # List triggers in one group`,
}

var triggersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored triggers",
	RunE:  runTriggersLs,
}

var triggersGroupFlag string

func init() {
	TriggersCmd.AddCommand(triggersLsCmd)
	triggersLsCmd.Flags().StringVar(&triggersGroupFlag, "group", "", "Only list triggers in this group")
}

func runTriggersLs(cmd *cobra.Command, args []string) error {
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
	groups := []string{triggersGroupFlag}
	if triggersGroupFlag == "" {
		groups, err = store.GetTriggerGroupNames(ctx)
		if err != nil {
			return err
		}
	}

	total := 0
	for _, group := range groups {
		keys, err := store.GetTriggerKeys(ctx, group)
		if err != nil {
			return err
		}
		for _, key := range keys {
			trigger, err := store.RetrieveTrigger(ctx, key)
			if err != nil {
				return err
			}
			if trigger == nil {
				continue
			}
			next := "never"
			if trigger.NextFireTime != nil {
				next = trigger.NextFireTime.Local().Format(time.RFC3339)
			}
			fmt.Printf("%-40s %-8s %-14s job=%s next=%s\n",
				trigger.Key, trigger.Type, trigger.State, trigger.JobKey, next)
			total++
		}
	}
	fmt.Printf("\n%d triggers\n", total)
	return nil
}
