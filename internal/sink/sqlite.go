package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// liteSink is the SQLite backend: a file database with transactional INSERT
// loops. It is also what the end-to-end tests run against, since it needs no
// server.
type liteSink struct {
	db    *sql.DB
	table string
}

func newSQLite(ctx context.Context, cfg Config) (*liteSink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: empty DSN")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	// Concurrent workers share the file; wait out each other's commits.
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 10000")
	return &liteSink{db: db, table: cfg.Table}, nil
}

func (s *liteSink) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// EnsureSchema is a no-op: SQLite has no schemas to create.
func (s *liteSink) EnsureSchema(ctx context.Context) error { return nil }

func (s *liteSink) TableExists(ctx context.Context) (bool, error) {
	const q = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, s.table).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite: table exists: %w", err)
	}
	return n > 0, nil
}

func (s *liteSink) CreateTable(ctx context.Context, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("sqlite: create table: no columns")
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = liteIdent(c) + " TEXT"
	}
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		liteIdent(s.table),
		strings.Join(defs, ",\n  "),
	)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", s.table, err)
	}
	return nil
}

func (s *liteSink) RowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+liteIdent(s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: row count: %w", err)
	}
	return n, nil
}

func (s *liteSink) Begin(ctx context.Context, columns []string) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = liteIdent(c)
		placeholders[i] = "?"
	}
	stmtSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		liteIdent(s.table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	return &liteTx{tx: tx, stmt: stmt}, nil
}

func (s *liteSink) Close() { _ = s.db.Close() }

type liteTx struct {
	tx   *sql.Tx
	stmt *sql.Stmt
}

func (t *liteTx) CopyRows(ctx context.Context, rows [][]any) (int64, error) {
	var inserted int64
	for i := range rows {
		if _, err := t.stmt.ExecContext(ctx, rows[i]...); err != nil {
			return inserted, fmt.Errorf("sqlite: insert row %d: %w", i, err)
		}
		inserted++
	}
	return inserted, nil
}

func (t *liteTx) Commit(ctx context.Context) error {
	_ = t.stmt.Close()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (t *liteTx) Rollback(ctx context.Context) error {
	_ = t.stmt.Close()
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}

// liteIdent double-quotes an identifier for SQLite.
func liteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
