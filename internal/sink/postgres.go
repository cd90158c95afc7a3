package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSink is the Postgres backend. Rows move through the COPY protocol inside
// a per-chunk transaction.
type pgSink struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

func newPostgres(ctx context.Context, cfg Config) (*pgSink, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	return &pgSink{pool: pool, schema: cfg.Schema, table: cfg.Table}, nil
}

func (s *pgSink) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (s *pgSink) EnsureSchema(ctx context.Context) error {
	if s.schema == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(s.schema)); err != nil {
		return fmt.Errorf("postgres: ensure schema %s: %w", s.schema, err)
	}
	return nil
}

func (s *pgSink) TableExists(ctx context.Context) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
		  AND table_name = $2
	)`
	var exists bool
	if err := s.pool.QueryRow(ctx, q, s.schema, s.table).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: table exists: %w", err)
	}
	return exists, nil
}

func (s *pgSink) CreateTable(ctx context.Context, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("postgres: create table: no columns")
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgIdent(c) + " TEXT"
	}
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		s.fqn(),
		strings.Join(defs, ",\n  "),
	)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", s.fqn(), err)
	}
	return nil
}

func (s *pgSink) RowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.fqn()).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: row count: %w", err)
	}
	return n, nil
}

func (s *pgSink) Begin(ctx context.Context, columns []string) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &pgTx{tx: tx, ident: s.ident(), cols: columns}, nil
}

func (s *pgSink) Close() { s.pool.Close() }

func (s *pgSink) ident() pgx.Identifier {
	if s.schema == "" {
		return pgx.Identifier{s.table}
	}
	return pgx.Identifier{s.schema, s.table}
}

func (s *pgSink) fqn() string {
	if s.schema == "" {
		return pgIdent(s.table)
	}
	return pgIdent(s.schema) + "." + pgIdent(s.table)
}

type pgTx struct {
	tx    pgx.Tx
	ident pgx.Identifier
	cols  []string
}

func (t *pgTx) CopyRows(ctx context.Context, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := t.tx.CopyFrom(ctx, t.ident, t.cols, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("postgres: copy: %w", err)
	}
	return n, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
