// Package backend opens the store selected by DB_DRIVER.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"tradeingest/internal/config"
	"tradeingest/internal/store"
	"tradeingest/internal/store/postgres"
	"tradeingest/internal/store/sqlite"
)

// Open connects to the configured database. Callers run Migrate.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		log.Info("database: using postgres", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name)
		st, err := postgres.New(ctx, cfg.DSN(), cfg.MaxConns, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverSQLite:
		log.Info("database: using sqlite", "path", cfg.Path)
		st, err := sqlite.New(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
