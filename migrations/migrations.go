// Package migrations embeds the PostgreSQL schema applied by golang-migrate.
package migrations

import "embed"

// FS holds the versioned migration files under schema/.
//
//go:embed schema/*.sql
var FS embed.FS

// Dir is the directory inside FS that holds the migrations.
const Dir = "schema"
