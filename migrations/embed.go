// Package migrations embeds the SQL migrations applied by cmd/migrator.
package migrations

import "embed"

// FS holds every *.up.sql file in this directory.
//
//go:embed *.up.sql
var FS embed.FS
