// Package dbmigrations exposes embedded SQL migrations for synctrack binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into synctrack binaries.
//
//go:embed *.sql
var Files embed.FS
