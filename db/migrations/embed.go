// Package dbmigrations exposes embedded SQL migrations for tradeflow binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
