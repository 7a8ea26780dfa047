package commands

import (
	"database/sql"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/db"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
)

// openDatabase opens and migrates the job database.
// If dbPath is empty, the path comes from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.Database.Path
		if dbPath == "" {
			dbPath = "fhirlake.db"
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
