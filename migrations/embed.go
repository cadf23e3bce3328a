// Package migrations embeds the PostgreSQL schema. Every file is idempotent and
// applied in lexical order.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
