//go:build !sqlite

package main

import (
	"extlogin/internal/audit"
	"extlogin/internal/observability"
	"extlogin/internal/storage"
)

func openSQLite(string, observability.Logger) (storage.Store, audit.AuditLogger, error) {
	return nil, nil, notCompiled("sqlite")
}

func sqliteStatus(string) (string, error) {
	return "", notCompiled("sqlite")
}
