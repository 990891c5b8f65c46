package migrations

import "embed"

// FS holds the PostgreSQL schema migrations.
//
//go:embed *.sql
var FS embed.FS
