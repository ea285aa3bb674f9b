package main

import (
	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/config"
	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/session/store"
	storesqlite "github.com/strand-dev/strand/internal/session/store/sqlite"
)

// provideStore opens the SQLite event store at the configured path.
func provideStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	s, err := storesqlite.New(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	log.Info("Event store ready", zap.String("path", cfg.Database.Path))
	return s, nil
}
