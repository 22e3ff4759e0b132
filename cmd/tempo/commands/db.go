package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/config"
	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the scheduler database",
	Long: `db — Manage scheduler database operations

Examples:
  tempo db migrate            # Create or upgrade the schema
  tempo db stats              # Show stored object counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the scheduler schema",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored object counts",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (defaults to configured path)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	path := dbPathFlag
	if path == "" {
		path = cfg.Database.Path
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrapf(err, "failed to migrate database at %s", path)
	}

	fmt.Printf("Database ready: %s\n", path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	store, err := newStore(database, cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	jobs, err := store.GetJobCount(ctx)
	if err != nil {
		return err
	}
	triggers, err := store.GetTriggerCount(ctx)
	if err != nil {
		return err
	}
	calendars, err := store.GetCalendarCount(ctx)
	if err != nil {
		return err
	}
	paused, err := store.GetPausedTriggerGroups(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:  %s\n", cfg.Database.Path)
	fmt.Printf("Jobs:           %d\n", jobs)
	fmt.Printf("Triggers:       %d\n", triggers)
	fmt.Printf("Calendars:      %d\n", calendars)
	fmt.Printf("Paused Groups:  %d\n", len(paused))
	for _, group := range paused {
		fmt.Printf("  - %s\n", group)
	}
	return nil
}
