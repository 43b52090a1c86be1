//go:build sqlite

package main

import (
	"extlogin/internal/audit"
	"extlogin/internal/observability"
	"extlogin/internal/storage"
	sqlitestore "extlogin/internal/storage/sqlite"
)

func openSQLite(dsn string, logger observability.Logger) (storage.Store, audit.AuditLogger, error) {
	st, err := sqlitestore.New(dsn)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using sqlite store")
	return st, audit.NewSQLiteAuditLoggerFromDB(st.DB()), nil
}

func sqliteStatus(dsn string) (string, error) {
	return sqlitestore.Status(dsn)
}
