// Package migrations embeds the SQL schema files applied by the migrate command.
package migrations

import "embed"

// Files lists the migrations in the order they must be applied.
var Files = []string{
	"001_create_cases.sql",
	"002_create_transitions.sql",
}

//go:embed *.sql
var FS embed.FS
