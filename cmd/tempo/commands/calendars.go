package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CalendarsCmd represents the calendars command
var CalendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "Inspect stored calendars",
}

var calendarsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored calendars",
	RunE:  runCalendarsLs,
}

func init() {
	CalendarsCmd.AddCommand(calendarsLsCmd)
}

func runCalendarsLs(cmd *cobra.Command, args []string) error {
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
	names, err := store.GetCalendarNames(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		cal, err := store.RetrieveCalendar(ctx, name)
		if err != nil {
			return err
		}
		if cal == nil {
			continue
		}
		fmt.Printf("%-30s dates=%d weekdays=%d ranges=%d %s\n",
			name, len(cal.ExcludedDates), len(cal.ExcludedWeekdays), len(cal.ExcludedRanges), cal.Description)
	}
	fmt.Printf("\n%d calendars\n", len(names))
	return nil
}
