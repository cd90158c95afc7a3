package sink

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Kind: "oracle"})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !strings.Contains(err.Error(), "oracle") {
		t.Errorf("error %q does not name the kind", err)
	}
}

func TestOpenRejectsBadDSNWithoutConnecting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"postgres", Config{Kind: "postgres", Table: "t", DSN: "postgres://bad:dsn:with:colons"}},
		{"mssql", Config{Kind: "mssql", Table: "t", DSN: "sqlserver://host:notaport"}},
		{"mysql", Config{Kind: "mysql", Table: "t", DSN: "no slash anywhere"}},
		{"sqlite", Config{Kind: "sqlite", Table: "t", DSN: "   "}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Open(context.Background(), tc.cfg); err == nil {
				t.Fatalf("Open(%s) accepted a bad DSN", tc.name)
			}
		})
	}
}

// ---- identifier quoting ----

func TestIdentQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"pg plain", pgIdent, "occurrence", `"occurrence"`},
		{"pg embedded quote", pgIdent, `we"ird`, `"we""ird"`},
		{"ms plain", msIdent, "occurrence", "[occurrence]"},
		{"ms closing bracket", msIdent, "we]ird", "[we]]ird]"},
		{"my plain", myIdent, "occurrence", "`occurrence`"},
		{"my backtick", myIdent, "we`ird", "`we``ird`"},
		{"lite plain", liteIdent, "occurrence", `"occurrence"`},
	}
	for _, tc := range tests {
		if got := tc.fn(tc.in); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestFQNBuilding(t *testing.T) {
	t.Parallel()

	pg := &pgSink{schema: "raw", table: "occ"}
	if got := pg.fqn(); got != `"raw"."occ"` {
		t.Errorf("pg fqn = %s", got)
	}
	pgBare := &pgSink{table: "occ"}
	if got := pgBare.fqn(); got != `"occ"` {
		t.Errorf("pg bare fqn = %s", got)
	}
	if got := pg.ident(); len(got) != 2 || got[0] != "raw" || got[1] != "occ" {
		t.Errorf("pg ident = %v", got)
	}

	ms := &msSink{schema: "raw", table: "occ"}
	if got := ms.fqn(); got != "[raw].[occ]" {
		t.Errorf("ms fqn = %s", got)
	}
	if got := ms.copyTarget(); got != "raw.occ" {
		t.Errorf("ms copy target = %s", got)
	}

	my := &mySink{schema: "biodiv", table: "occ"}
	if got := my.fqn(); got != "`biodiv`.`occ`" {
		t.Errorf("my fqn = %s", got)
	}
}

func TestMyValues(t *testing.T) {
	t.Parallel()

	if got := myValues(3, 2); got != "(?,?,?),(?,?,?)" {
		t.Errorf("myValues(3,2) = %s", got)
	}
	if got := myValues(1, 1); got != "(?)" {
		t.Errorf("myValues(1,1) = %s", got)
	}
}

// ---- live round-trip against the sqlite backend ----

func openLite(tb testing.TB) Sink {
	tb.Helper()
	dsn := filepath.Join(tb.TempDir(), "sink.db")
	s, err := Open(context.Background(), Config{Kind: "sqlite", Table: "bugs", DSN: dsn})
	if err != nil {
		tb.Fatalf("Open: %v", err)
	}
	tb.Cleanup(s.Close)
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openLite(t)

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	exists, err := s.TableExists(ctx)
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if exists {
		t.Fatal("table reported before creation")
	}

	cols := []string{"id", "name", "Kingdom"}
	if err := s.CreateTable(ctx, cols); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	exists, err = s.TableExists(ctx)
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if !exists {
		t.Fatal("table missing after creation")
	}
	// Create-once: a second create must not error or reshape.
	if err := s.CreateTable(ctx, cols); err != nil {
		t.Fatalf("second CreateTable: %v", err)
	}

	tx, err := s.Begin(ctx, cols)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	n, err := tx.CopyRows(ctx, [][]any{
		{"1", "ant", "Animalia"},
		{"2", nil, "Plantae"},
	})
	if err != nil {
		t.Fatalf("CopyRows: %v", err)
	}
	if n != 2 {
		t.Errorf("copied %d, want 2", n)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	count, err := s.RowCount(ctx)
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if count != 2 {
		t.Errorf("RowCount = %d, want 2", count)
	}
}

func TestSQLiteRollbackDiscards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openLite(t)
	cols := []string{"id"}
	if err := s.CreateTable(ctx, cols); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx, err := s.Begin(ctx, cols)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.CopyRows(ctx, [][]any{{"1"}, {"2"}}); err != nil {
		t.Fatalf("CopyRows: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	count, err := s.RowCount(ctx)
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if count != 0 {
		t.Errorf("RowCount after rollback = %d, want 0", count)
	}
}

func TestSQLiteSequentialChunkTransactions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openLite(t)
	cols := []string{"id", "v"}
	if err := s.CreateTable(ctx, cols); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	// One transaction per chunk, as the workers drive it.
	for chunk := 0; chunk < 3; chunk++ {
		tx, err := s.Begin(ctx, cols)
		if err != nil {
			t.Fatalf("Begin chunk %d: %v", chunk, err)
		}
		rows := [][]any{{string(rune('a' + chunk)), "x"}}
		if _, err := tx.CopyRows(ctx, rows); err != nil {
			t.Fatalf("CopyRows chunk %d: %v", chunk, err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit chunk %d: %v", chunk, err)
		}
	}
	count, err := s.RowCount(ctx)
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if count != 3 {
		t.Errorf("RowCount = %d, want 3", count)
	}
}
