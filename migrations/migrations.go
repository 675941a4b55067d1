// Package migrations embeds the SQL schema for the event store and report
// output tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
