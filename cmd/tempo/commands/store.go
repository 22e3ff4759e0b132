package commands

import (
	"database/sql"

	"github.com/teranos/tempo/config"
	"github.com/teranos/tempo/jobstore"
	"github.com/teranos/tempo/logger"
)

// newStore builds a read-mostly store for CLI inspection commands.
func newStore(database *sql.DB, cfg *config.Config) (*jobstore.Store, error) {
	return jobstore.New(database, cfg, logger.Logger.Named("jobstore"))
}
