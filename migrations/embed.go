// Package migrations embeds the schema files applied at start-up.
package migrations

import "embed"

// FS holds one directory of golang-migrate files per backend: postgres/ and sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
