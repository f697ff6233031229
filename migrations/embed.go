// Package migrations carries the schema migration files inside the binary so
// the runner does not depend on the working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in lexical order
// (001_initial.sql first).
//
//go:embed *.sql
var FS embed.FS
