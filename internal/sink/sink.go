// Package sink writes staged rows into a relational destination. Four
// backends share one interface: postgres (pgx COPY), mssql (bulk copy),
// mysql (multi-value INSERT) and sqlite (transactional INSERT loop). The
// engine never alters existing tables; it only creates missing ones with
// every column text-typed for the dialect.
package sink

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and addresses a sink backend.
type Config struct {
	// Kind is one of Kinds.
	Kind string
	// Schema qualifies Table; empty for schema-less backends.
	Schema string
	// Table is the destination table name, unqualified.
	Table string
	// DSN is the backend connection string.
	DSN string
}

// Kinds lists the supported backend kinds.
func Kinds() []string { return []string{"postgres", "mssql", "mysql", "sqlite"} }

// Tx is one chunk's transaction. CopyRows may be called repeatedly; nothing
// is visible to readers until Commit.
type Tx interface {
	CopyRows(ctx context.Context, rows [][]any) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Sink is a relational destination for staged rows.
type Sink interface {
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// EnsureSchema creates the configured schema when the dialect has one.
	EnsureSchema(ctx context.Context) error
	// TableExists reports whether the destination table is present.
	TableExists(ctx context.Context) (bool, error)
	// CreateTable creates the destination table with text-typed columns.
	// Existing tables are left untouched.
	CreateTable(ctx context.Context, columns []string) error
	// RowCount counts the destination table's rows.
	RowCount(ctx context.Context) (int64, error)
	// Begin opens a chunk transaction writing the given columns.
	Begin(ctx context.Context, columns []string) (Tx, error)
	// Close releases connections.
	Close()
}

// Open connects the backend named by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Kind {
	case "postgres":
		return newPostgres(ctx, cfg)
	case "mssql":
		return newMSSQL(ctx, cfg)
	case "mysql":
		return newMySQL(ctx, cfg)
	case "sqlite":
		return newSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("sink: unknown kind %q, have %s", cfg.Kind, strings.Join(Kinds(), ", "))
	}
}
