// Package migrations embeds the SQL schema migrations shipped with the
// binary.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
