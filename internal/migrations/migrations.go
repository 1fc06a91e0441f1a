// Package migrations embeds the schema applied by store.ApplyMigrations.
package migrations

import "embed"

// Files holds NNN_name.sql migrations, applied in lexical order.
//
//go:embed *.sql
var Files embed.FS
