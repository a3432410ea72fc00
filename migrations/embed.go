// Package migrations embeds the SQL schema of the audit core.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
