// Package migrations embeds the SQL schema applied by internal/migrate.
package migrations

import "embed"

//go:embed sql/*.sql
var SQL embed.FS

// Dir is the directory inside SQL holding the migration files.
const Dir = "sql"
