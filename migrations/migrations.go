// Package migrations holds the goose SQL migrations for the local store.
package migrations

import (
	"embed"
)

//go:embed *.sql
var embedMigrations embed.FS

// GetMigrations returns the migrations with the files at the root, so goose
// should be pointed at ".".
func GetMigrations() embed.FS {
	return embedMigrations
}
