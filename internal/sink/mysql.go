package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlInsertRows caps rows per INSERT statement so packets stay well under
// max_allowed_packet.
const mysqlInsertRows = 500

// mySink is the MySQL backend. MySQL has no COPY equivalent over the wire
// protocol, so chunks become multi-value INSERTs inside one transaction.
type mySink struct {
	db     *sql.DB
	schema string
	table  string
}

func newMySQL(ctx context.Context, cfg Config) (*mySink, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	return &mySink{db: db, schema: cfg.Schema, table: cfg.Table}, nil
}

func (s *mySink) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql: ping: %w", err)
	}
	return nil
}

func (s *mySink) EnsureSchema(ctx context.Context) error {
	if s.schema == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+myIdent(s.schema)); err != nil {
		return fmt.Errorf("mysql: ensure schema %s: %w", s.schema, err)
	}
	return nil
}

func (s *mySink) TableExists(ctx context.Context) (bool, error) {
	const q = `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE())
		  AND table_name = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, s.schema, s.table).Scan(&n); err != nil {
		return false, fmt.Errorf("mysql: table exists: %w", err)
	}
	return n > 0, nil
}

func (s *mySink) CreateTable(ctx context.Context, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("mysql: create table: no columns")
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = myIdent(c) + " TEXT"
	}
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		s.fqn(),
		strings.Join(defs, ",\n  "),
	)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mysql: create table %s: %w", s.fqn(), err)
	}
	return nil
}

func (s *mySink) RowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.fqn()).Scan(&n); err != nil {
		return 0, fmt.Errorf("mysql: row count: %w", err)
	}
	return n, nil
}

func (s *mySink) Begin(ctx context.Context, columns []string) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mysql: begin: %w", err)
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = myIdent(c)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", s.fqn(), strings.Join(quoted, ", "))
	return &myTx{tx: tx, prefix: prefix, width: len(columns)}, nil
}

func (s *mySink) Close() { _ = s.db.Close() }

func (s *mySink) fqn() string {
	if s.schema == "" {
		return myIdent(s.table)
	}
	return myIdent(s.schema) + "." + myIdent(s.table)
}

type myTx struct {
	tx     *sql.Tx
	prefix string
	width  int
}

func (t *myTx) CopyRows(ctx context.Context, rows [][]any) (int64, error) {
	var total int64
	for len(rows) > 0 {
		n := len(rows)
		if n > mysqlInsertRows {
			n = mysqlInsertRows
		}
		if err := t.insert(ctx, rows[:n]); err != nil {
			return total, err
		}
		total += int64(n)
		rows = rows[n:]
	}
	return total, nil
}

func (t *myTx) insert(ctx context.Context, rows [][]any) error {
	args := make([]any, 0, len(rows)*t.width)
	for _, row := range rows {
		args = append(args, row...)
	}
	if _, err := t.tx.ExecContext(ctx, t.prefix+myValues(t.width, len(rows)), args...); err != nil {
		return fmt.Errorf("mysql: insert: %w", err)
	}
	return nil
}

// myValues renders the placeholder tuples for a multi-value INSERT.
func myValues(width, rows int) string {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?,", width), ",") + ")"
	return strings.TrimSuffix(strings.Repeat(tuple+",", rows), ",")
}

func (t *myTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("mysql: commit: %w", err)
	}
	return nil
}

func (t *myTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("mysql: rollback: %w", err)
	}
	return nil
}

// myIdent backtick-quotes an identifier, escaping embedded backticks.
func myIdent(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}
