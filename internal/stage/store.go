// Package stage loads chunk files into an in-process SQLite staging area.
// Every chunk is parsed through an ordered candidate cascade of encodings and
// CSV dialects, landed in an all-TEXT table, then read back out in batches
// for the sink writer. Staging is worker-local; each worker owns one Store.
package stage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// stagingTable is the single scratch table each Store recycles per chunk.
const stagingTable = "staged"

// Store is a worker-local in-memory SQLite database holding one staged chunk
// at a time.
type Store struct {
	db   *sql.DB
	cols []string
}

// Open creates a fresh in-memory staging database.
func Open(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("stage: open: %w", err)
	}
	// A second pool connection would see its own empty :memory: database.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("stage: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the staging database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Columns returns the column names of the currently staged chunk.
func (s *Store) Columns() []string { return s.cols }

// Reset drops the staging table, forgetting any previously staged chunk.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+stagingTable); err != nil {
		return fmt.Errorf("stage: reset: %w", err)
	}
	s.cols = nil
	return nil
}

// Create builds a fresh staging table with the given columns. Every column is
// TEXT unless types carries an override for its lowercased name.
func (s *Store) Create(ctx context.Context, columns []string, types map[string]string) error {
	if err := s.Reset(ctx); err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("stage: create: no columns")
	}
	defs := make([]string, 0, len(columns))
	for _, c := range columns {
		typ := "TEXT"
		if t, ok := types[strings.ToLower(c)]; ok && t != "" {
			typ = t
		}
		defs = append(defs, sqlIdent(c)+" "+typ)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", stagingTable, strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("stage: create: %w", err)
	}
	s.cols = append([]string(nil), columns...)
	return nil
}

// Insert appends rows to the staging table inside one transaction using a
// prepared statement. Row width must match the created columns.
func (s *Store) Insert(ctx context.Context, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(s.cols) == 0 {
		return 0, fmt.Errorf("stage: insert before create")
	}

	placeholders := make([]string, len(s.cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	stmtSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		stagingTable,
		identList(s.cols),
		strings.Join(placeholders, ", "),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("stage: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("stage: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, row := range rows {
		if len(row) != len(s.cols) {
			_ = tx.Rollback()
			return 0, fmt.Errorf("stage: row length %d != columns length %d", len(row), len(s.cols))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("stage: insert: %w", err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("stage: commit: %w", err)
	}
	return inserted, nil
}

// Count reports how many rows are staged.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+stagingTable).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("stage: count: %w", err)
	}
	return n, nil
}

// SelectBatches streams the staged rows, optionally filtered by a WHERE
// expression, calling flush every batchSize rows and once for the remainder.
// NULLs come back as nil, everything else as string. Returns the row total.
func (s *Store) SelectBatches(ctx context.Context, where string, batchSize int, flush func([][]any) error) (int64, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("stage: batch size %d", batchSize)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", identList(s.cols), stagingTable)
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("stage: select: %w", err)
	}
	defer rows.Close()

	var (
		total int64
		batch = make([][]any, 0, batchSize)
	)
	scan := make([]sql.NullString, len(s.cols))
	ptrs := make([]any, len(s.cols))
	for i := range scan {
		ptrs[i] = &scan[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return total, fmt.Errorf("stage: scan: %w", err)
		}
		row := make([]any, len(scan))
		for i, v := range scan {
			if v.Valid {
				row[i] = v.String
			}
		}
		batch = append(batch, row)
		total++
		if len(batch) == batchSize {
			if err := flush(batch); err != nil {
				return total, err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return total, fmt.Errorf("stage: select: %w", err)
	}
	if len(batch) > 0 {
		if err := flush(batch); err != nil {
			return total, err
		}
	}
	return total, nil
}

// CountWhere reports how many staged rows match a WHERE expression. A
// malformed expression surfaces as a query error.
func (s *Store) CountWhere(ctx context.Context, where string) (int64, error) {
	if where == "" {
		return s.Count(ctx)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+stagingTable+" WHERE "+where).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("stage: count where: %w", err)
	}
	return n, nil
}

// sqlIdent double-quotes an identifier for SQLite DDL and queries.
func sqlIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = sqlIdent(c)
	}
	return strings.Join(quoted, ", ")
}
