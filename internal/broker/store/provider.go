package store

import (
	"go.uber.org/zap"

	"github.com/meddler/meddler/internal/common/config"
	"github.com/meddler/meddler/internal/common/logger"
	"github.com/meddler/meddler/internal/db"
)

// Provide opens the store selected by the database configuration: a
// postgres:// URL uses pgx, the value "memory" uses the in-memory store, and
// anything else is treated as a SQLite file path.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (Store, error) {
	switch {
	case cfg.IsMemory():
		log.Info("Using in-memory store")
		return NewMemoryStore(), nil
	case cfg.IsPostgres():
		log.Info("Connecting to PostgreSQL")
		pool, err := db.OpenPostgres(cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(pool)
	default:
		log.Info("Opening SQLite database", zap.String("path", cfg.URL))
		pool, err := db.OpenSQLite(cfg.URL)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(pool)
	}
}
