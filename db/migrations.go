// Package db carries the SQL migrations for the remote store.
package db

import "embed"

// Migrations holds migrations/*.sql, used when no migrations directory is configured.
//
//go:embed migrations/*.sql
var Migrations embed.FS
