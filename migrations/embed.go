// Package migrations embeds the SQL schema of the state history store.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files, at its root.
//
//go:embed *.sql
var FS embed.FS
