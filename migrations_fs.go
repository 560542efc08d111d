package billing

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the billing schema, with sqlite variants under
// data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

func GetMigrationsFS() fs.FS {
	return migrationsFS
}

// GetCoreMigrationsFS returns the scheduling and dunning tables.
func GetCoreMigrationsFS() fs.FS {
	return migrationsFS
}
