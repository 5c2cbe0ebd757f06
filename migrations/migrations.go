// Package migrations embeds the orchestrator's goose SQL migrations so the
// binary can apply its own schema without a separate migration bundle.
package migrations

import "embed"

// FS holds the .sql migration files goose applies in lexical order.
//
//go:embed *.sql
var FS embed.FS
