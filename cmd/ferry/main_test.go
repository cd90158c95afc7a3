package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"ferry/internal/config"
	"ferry/internal/ledger"
)

func writeCSV(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T, srcPath string) (*config.Dataset, string) {
	t.Helper()
	dir := t.TempDir()
	sinkPath := filepath.Join(dir, "sink.db")
	ds := &config.Dataset{
		Name:                "bugs",
		Source:              srcPath,
		Sink:                config.SinkConfig{Kind: "sqlite", Table: "bugs", DSN: sinkPath},
		ChunkSize:           500,
		BatchSize:           2,
		Workers:             2,
		SplitThresholdBytes: 1 << 30,
		CopyBatch:           100,
		StallAfter:          config.Duration(time.Minute),
		LedgerTimeout:       config.Duration(10 * time.Second),
		WorkDir:             filepath.Join(dir, "tmp"),
		SplitDir:            filepath.Join(dir, "split"),
		LedgerPath:          filepath.Join(dir, "progress.txt"),
	}
	return ds, sinkPath
}

func countTable(t *testing.T, dsn, table string) int64 {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int64
	if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %q", table)).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("FERRY_TEST_KNOB", "from-env")
	if got := envOrDefault("FERRY_TEST_KNOB", "fallback"); got != "from-env" {
		t.Fatalf("envOrDefault = %q, want from-env", got)
	}
	if got := envOrDefault("FERRY_TEST_KNOB_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("envOrDefault = %q, want fallback", got)
	}
}

func TestSubRunsSingleFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "occurrence.csv")
	writeCSV(t, src, "id,name\n1,ant\n")
	ds, _ := testConfig(t, src)

	runs, err := subRuns(ds)
	if err != nil {
		t.Fatalf("subRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.sink.Table != "bugs" {
		t.Fatalf("table = %q, want the undecorated name", r.sink.Table)
	}
	if r.ds.SplitDir != ds.SplitDir || r.ds.LedgerPath != ds.LedgerPath {
		t.Fatal("single-file run must keep the dataset paths")
	}
}

func TestSubRunsDirectoryDerivesState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "sources")
	writeCSV(t, filepath.Join(srcDir, "alpha.csv"), "id\n1\n")
	writeCSV(t, filepath.Join(srcDir, "beta.csv"), "id\n1\n")
	ds, _ := testConfig(t, srcDir)

	runs, err := subRuns(ds)
	if err != nil {
		t.Fatalf("subRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	for i, key := range []string{"alpha", "beta"} {
		r := runs[i]
		if want := "bugs_" + key; r.sink.Table != want {
			t.Fatalf("run %d table = %q, want %q", i, r.sink.Table, want)
		}
		if want := filepath.Join(ds.SplitDir, key); r.ds.SplitDir != want {
			t.Fatalf("run %d split dir = %q, want %q", i, r.ds.SplitDir, want)
		}
		if want := ds.LedgerPath + "." + key; r.ds.LedgerPath != want {
			t.Fatalf("run %d ledger = %q, want %q", i, r.ds.LedgerPath, want)
		}
	}
}

func TestRunDatasetSQLite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "occurrence.csv")
	writeCSV(t, src, "id,name\n1,ant\n2,bee\n3,cow\n")
	ds, sinkPath := testConfig(t, src)

	complete, err := runDataset(context.Background(), zap.NewNop(), ds, config.SinkEnv{}, nil, 0)
	if err != nil {
		t.Fatalf("runDataset: %v", err)
	}
	if !complete {
		t.Fatal("runDataset reported incomplete")
	}
	if got := countTable(t, sinkPath, "bugs"); got != 3 {
		t.Fatalf("sink rows = %d, want 3", got)
	}
}

func TestRunDatasetDirectoryFansOut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "sources")
	writeCSV(t, filepath.Join(srcDir, "alpha.csv"), "id,name\n1,ant\n2,bee\n")
	writeCSV(t, filepath.Join(srcDir, "beta.csv"), "id,name\n1,cow\n2,doe\n3,elk\n")
	ds, sinkPath := testConfig(t, srcDir)

	complete, err := runDataset(context.Background(), zap.NewNop(), ds, config.SinkEnv{}, nil, 0)
	if err != nil {
		t.Fatalf("runDataset: %v", err)
	}
	if !complete {
		t.Fatal("runDataset reported incomplete")
	}
	if got := countTable(t, sinkPath, "bugs_alpha"); got != 2 {
		t.Fatalf("bugs_alpha rows = %d, want 2", got)
	}
	if got := countTable(t, sinkPath, "bugs_beta"); got != 3 {
		t.Fatalf("bugs_beta rows = %d, want 3", got)
	}
}

func TestResetDataset(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "occurrence.csv")
	writeCSV(t, src, "id\n1\n")
	ds, _ := testConfig(t, src)

	writeCSV(t, filepath.Join(ds.SplitDir, "chunk_000.csv"), "id\n1\n")
	if err := ledger.Save(ds.LedgerPath, ledger.Set{0: {}}); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Save(ds.LedgerPath+".alpha", ledger.Set{1: {}}); err != nil {
		t.Fatal(err)
	}

	if err := resetDataset(zap.NewNop(), ds); err != nil {
		t.Fatalf("resetDataset: %v", err)
	}
	for _, path := range []string{ds.SplitDir, ds.LedgerPath, ds.LedgerPath + ".alpha"} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("%s still exists after reset", path)
		}
	}
}
