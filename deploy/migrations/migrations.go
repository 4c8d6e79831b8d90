// Package migrations embeds the SQL schema of each procedure store dialect.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed mysql/*.sql postgres/*.sql sqlite/*.sql
var files embed.FS

// Dialect returns the migrations of one dialect ("mysql", "postgres", "sqlite").
func Dialect(name string) (fs.FS, error) {
	return fs.Sub(files, name)
}
