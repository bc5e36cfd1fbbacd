// Package db embeds the cart schema migrations.
package db

import "embed"

// Migrations holds migrations/NNN_name.sql files, applied in name order.
//
//go:embed migrations/*.sql
var Migrations embed.FS
