// Package store combines the persistence contracts of the dedup, workflow,
// dead-letter and leadership subsystems into the single interface every
// backend satisfies.
package store

import (
	"context"
	"strings"

	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/workflow"
)

// Store is what the engine persists through. Backends live in the
// sub-packages: memory, redis, postgres, bun, mongo and sqlite.
type Store interface {
	dedup.Store
	workflow.Store
	dlq.Store
	cluster.Store

	// Migrate brings the schema up to date. Schemaless backends
	// create indexes or do nothing.
	Migrate(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error
}

// Tables names the tables the SQL backends create.
var Tables = []string{
	"callflow_dedup",
	"callflow_workflows",
	"callflow_dlq",
	"callflow_leader",
}

// TruncateSQL empties every table in Tables with one statement.
func TruncateSQL() string {
	return "TRUNCATE " + strings.Join(Tables, ", ")
}
