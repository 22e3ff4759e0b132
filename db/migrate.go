package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migrate brings the scheduler schema up to date, applying any embedded
// migration that schema_migrations has no record of. Safe to run on every
// startup. A nil logger runs silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	files, err := migrationFiles()
	if err != nil {
		return err
	}

	applied := 0
	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var recorded bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&recorded)
		if err != nil {
			// Only the bootstrap migration may run before the bookkeeping
			// table exists.
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if recorded {
			if logger != nil {
				logger.Debugw("Scheduler migration already applied", "migration", filename)
			}
			continue
		}

		if err := applyMigration(db, filename, version, logger); err != nil {
			return err
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Scheduler schema up to date",
			"migrations", len(files),
			"applied", applied,
		)
	}
	return nil
}

// migrationFiles lists the embedded migrations in apply order. Lexicographic
// order works because versions are zero-padded, with 000 bootstrapping the
// schema_migrations table itself.
func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// applyMigration executes one migration and records its version, both inside
// a single transaction so a failed migration leaves no partial schema.
func applyMigration(db *sql.DB, filename, version string, logger *zap.SugaredLogger) error {
	ddl, err := migrations.ReadFile(filepath.Join("sqlite/migrations", filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	if logger != nil {
		logger.Infow("Applying scheduler migration", "migration", filename, "version", version)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}

	if _, err := tx.Exec(string(ddl)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", filename)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", filename)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}
