package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
)

// msSink is the SQL Server backend. Chunks go through the driver's bulk copy
// API: rows are fed to a prepared CopyIn statement and flushed on commit.
type msSink struct {
	db     *sql.DB
	schema string
	table  string
}

func newMSSQL(ctx context.Context, cfg Config) (*msSink, error) {
	// Validate the DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, fmt.Errorf("mssql: dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	return &msSink{db: db, schema: cfg.Schema, table: cfg.Table}, nil
}

func (s *msSink) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("mssql: ping: %w", err)
	}
	return nil
}

func (s *msSink) EnsureSchema(ctx context.Context) error {
	if s.schema == "" {
		return nil
	}
	q := fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = N'%s') EXEC(N'CREATE SCHEMA %s')",
		msLiteral(s.schema), msIdent(s.schema),
	)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: ensure schema %s: %w", s.schema, err)
	}
	return nil
}

func (s *msSink) TableExists(ctx context.Context) (bool, error) {
	const q = `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME())
		  AND TABLE_NAME = @p2`
	var n int
	if err := s.db.QueryRowContext(ctx, q, s.schema, s.table).Scan(&n); err != nil {
		return false, fmt.Errorf("mssql: table exists: %w", err)
	}
	return n > 0, nil
}

func (s *msSink) CreateTable(ctx context.Context, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("mssql: create table: no columns")
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = msIdent(c) + " NVARCHAR(MAX)"
	}
	ddl := fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL\nCREATE TABLE %s (\n  %s\n)",
		msLiteral(s.fqn()),
		s.fqn(),
		strings.Join(defs, ",\n  "),
	)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", s.fqn(), err)
	}
	return nil
}

func (s *msSink) RowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+s.fqn()).Scan(&n); err != nil {
		return 0, fmt.Errorf("mssql: row count: %w", err)
	}
	return n, nil
}

// Begin opens a transaction and prepares the bulk copy for it. Rows queue in
// the driver until the flush on Commit.
func (s *msSink) Begin(ctx context.Context, columns []string) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(s.copyTarget(), mssql.BulkOptions{}, columns...))
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("mssql: prepare bulk: %w", err)
	}
	return &msTx{tx: tx, stmt: stmt}, nil
}

func (s *msSink) Close() { _ = s.db.Close() }

func (s *msSink) fqn() string {
	if s.schema == "" {
		return msIdent(s.table)
	}
	return msIdent(s.schema) + "." + msIdent(s.table)
}

// copyTarget is the unbracketed name the bulk copy API expects.
func (s *msSink) copyTarget() string {
	if s.schema == "" {
		return s.table
	}
	return s.schema + "." + s.table
}

type msTx struct {
	tx   *sql.Tx
	stmt *sql.Stmt
}

// CopyRows feeds rows to the bulk copy. The driver reports the real copied
// total only at flush time, so the per-call count is the rows accepted.
func (t *msTx) CopyRows(ctx context.Context, rows [][]any) (int64, error) {
	for i := range rows {
		if _, err := t.stmt.ExecContext(ctx, rows[i]...); err != nil {
			return 0, fmt.Errorf("mssql: bulk row %d: %w", i, err)
		}
	}
	return int64(len(rows)), nil
}

func (t *msTx) Commit(ctx context.Context) error {
	_, err := t.stmt.ExecContext(ctx) // flush
	if cerr := t.stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = t.tx.Rollback()
		return fmt.Errorf("mssql: bulk finalize: %w", err)
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

func (t *msTx) Rollback(ctx context.Context) error {
	_ = t.stmt.Close()
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("mssql: rollback: %w", err)
	}
	return nil
}

// msIdent brackets an identifier, escaping embedded closing brackets.
func msIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

// msLiteral escapes a string for embedding in an N'...' literal.
func msLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
