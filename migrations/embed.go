// Package migrations embeds the recorder schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
