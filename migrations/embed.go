// Package migrations embeds the SQLite schema migrations.
package migrations

import "embed"

// Files holds the NNNN_name.sql migrations applied in version order.
//
//go:embed *.sql
var Files embed.FS
