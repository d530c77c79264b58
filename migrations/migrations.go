// Package migrations embeds the SQL schema migrations so deployments need no
// separate migration files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
