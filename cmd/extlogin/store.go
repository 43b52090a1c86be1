package main

import (
	"fmt"

	"extlogin/internal/audit"
	"extlogin/internal/config"
	"extlogin/internal/observability"
	"extlogin/internal/storage"
)

// openStore returns the configured credential store and an audit logger
// sharing its connection. SQL backends are compiled in with the sqlite and
// postgres build tags (see store_*.go).
func openStore(cfg *config.Config, logger observability.Logger) (storage.Store, audit.AuditLogger, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return openSQLite(cfg.Storage.DSN, logger)
	case "postgres":
		return openPostgres(cfg.Storage.DSN, logger)
	case "memory", "":
		logger.Info("using in-memory store; tenant credentials are lost on restart")
		return storage.NewMemoryStore(), audit.NewMemoryAuditLogger(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func notCompiled(backend string) error {
	return fmt.Errorf("storage backend %s is not compiled in; rebuild with -tags %s", backend, backend)
}
