// Package appfs embeds the files shipped with the binaries.
package appfs

import "embed"

// FS holds the database migrations, one directory per dialect: migrations/postgres, migrations/sqlite.
//go:embed migrations
var FS embed.FS
