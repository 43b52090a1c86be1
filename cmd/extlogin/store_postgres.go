//go:build postgres

package main

import (
	"extlogin/internal/audit"
	"extlogin/internal/observability"
	"extlogin/internal/storage"
	pgstore "extlogin/internal/storage/postgres"
)

func openPostgres(connStr string, logger observability.Logger) (storage.Store, audit.AuditLogger, error) {
	st, err := pgstore.New(connStr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using postgres store")
	return st, audit.NewPostgresAuditLoggerFromPool(st.Pool()), nil
}

func postgresStatus(connStr string) (string, error) {
	return pgstore.Status(connStr)
}
