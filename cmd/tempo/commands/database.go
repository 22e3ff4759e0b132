package commands

import (
	"database/sql"

	"github.com/teranos/tempo/config"
	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
)

// openDatabase opens and migrates the scheduler database. An empty dbPath
// falls back to the configured path.
func openDatabase(dbPath string) (*sql.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}

	if dbPath == "" {
		dbPath = cfg.Database.Path
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, cfg, nil
}
