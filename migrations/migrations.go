// Package migrations embeds the numbered SQL schema files applied by
// camcops-server migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
