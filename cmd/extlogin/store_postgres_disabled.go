//go:build !postgres

package main

import (
	"extlogin/internal/audit"
	"extlogin/internal/observability"
	"extlogin/internal/storage"
)

func openPostgres(string, observability.Logger) (storage.Store, audit.AuditLogger, error) {
	return nil, nil, notCompiled("postgres")
}

func postgresStatus(string) (string, error) {
	return "", notCompiled("postgres")
}
