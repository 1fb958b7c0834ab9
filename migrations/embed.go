// Package migrations embeds the SQL schema so the hub can migrate its
// database without the files being present on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/hearth/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
