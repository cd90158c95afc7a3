package source

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func writeGzip(tb testing.TB, path, content string) {
	tb.Helper()
	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create: %v", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(content)); err != nil {
		tb.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		tb.Fatalf("gzip close: %v", err)
	}
}

func readExpanded(tb testing.TB, path string) string {
	tb.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("read expanded: %v", err)
	}
	return string(b)
}

func TestExpandPassThrough(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeFile(t, dir, "plain.csv", "id\n1\n")

	got, err := Expand(src, filepath.Join(dir, "work"))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != src {
		t.Errorf("got %q, want pass-through %q", got, src)
	}
}

func TestExpandGzip(t *testing.T) {
	t.Parallel()

	const content = "id,name\n1,ant\n2,bee\n"
	dir := t.TempDir()
	src := filepath.Join(dir, "bugs.csv.gz")
	writeGzip(t, src, content)

	work := filepath.Join(dir, "work")
	got, err := Expand(src, work)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if filepath.Base(got) != "bugs.csv" {
		t.Errorf("expanded name = %q, want bugs.csv", filepath.Base(got))
	}
	if s := readExpanded(t, got); s != content {
		t.Errorf("content = %q, want %q", s, content)
	}
	if _, err := os.Stat(got + ".srcfp"); err != nil {
		t.Errorf("fingerprint sidecar missing: %v", err)
	}
}

func TestExpandGzipBareStem(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "dump.gz")
	writeGzip(t, src, "a\n1\n")

	got, err := Expand(src, filepath.Join(dir, "work"))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if filepath.Base(got) != "dump.csv" {
		t.Errorf("expanded name = %q, want dump.csv", filepath.Base(got))
	}
}

func TestExpandZstd(t *testing.T) {
	t.Parallel()

	const content = "id\tname\n1\tant\n"
	dir := t.TempDir()
	src := filepath.Join(dir, "bugs.tsv.zst")

	f, err := os.Create(src)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := Expand(src, filepath.Join(dir, "work"))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if filepath.Base(got) != "bugs.tsv" {
		t.Errorf("expanded name = %q, want bugs.tsv", filepath.Base(got))
	}
	if s := readExpanded(t, got); s != content {
		t.Errorf("content = %q, want %q", s, content)
	}
}

func TestExpandZipMergesMembers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "export.zip")

	f, err := os.Create(src)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	members := []struct{ name, content string }{
		{"part_b.csv", "id,name\n3,cow\n"},
		{"part_a.csv", "id,name\n1,ant\n2,bee\n"},
		{"manifest.xml", "<ignored/>"},
	}
	for _, m := range members {
		w, err := zw.Create(m.name)
		if err != nil {
			t.Fatalf("zip create %s: %v", m.name, err)
		}
		if _, err := w.Write([]byte(m.content)); err != nil {
			t.Fatalf("zip write %s: %v", m.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := Expand(src, filepath.Join(dir, "work"))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if filepath.Base(got) != "export.csv" {
		t.Errorf("expanded name = %q, want export.csv", filepath.Base(got))
	}
	want := "id,name\n1,ant\n2,bee\n3,cow\n"
	if s := readExpanded(t, got); s != want {
		t.Errorf("content = %q, want %q", s, want)
	}
}

func TestExpandZipRejectsEmptyArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "empty.zip")

	f, err := os.Create(src)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("readme.md")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte("no data here")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Expand(src, filepath.Join(dir, "work")); err == nil {
		t.Fatal("expected error for zip without delimited members")
	}
}

func TestExpandReusesMatchingOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "bugs.csv.gz")
	writeGzip(t, src, "id\n1\n")
	work := filepath.Join(dir, "work")

	first, err := Expand(src, work)
	if err != nil {
		t.Fatalf("first Expand: %v", err)
	}

	// Scribble on the expanded file. An unchanged archive must not
	// overwrite it on the next run.
	if err := os.WriteFile(first, []byte("marker\n"), 0o644); err != nil {
		t.Fatalf("mark: %v", err)
	}
	second, err := Expand(src, work)
	if err != nil {
		t.Fatalf("second Expand: %v", err)
	}
	if second != first {
		t.Fatalf("path changed on reuse: %q vs %q", second, first)
	}
	if s := readExpanded(t, second); s != "marker\n" {
		t.Errorf("reused file was rewritten, content = %q", s)
	}

	// A changed archive invalidates the fingerprint and forces re-expansion.
	writeGzip(t, src, "id\n1\n2\n3\n")
	third, err := Expand(src, work)
	if err != nil {
		t.Fatalf("third Expand: %v", err)
	}
	if s := readExpanded(t, third); s != "id\n1\n2\n3\n" {
		t.Errorf("stale content after archive change: %q", s)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "a.csv", "id,name\n1,ant\n")

	fp1, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if len(fp1) != 16 || strings.ContainsAny(fp1, " \n") {
		t.Errorf("fingerprint %q not a 16-char hex token", fp1)
	}

	fp2, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint unstable: %q vs %q", fp1, fp2)
	}

	other := writeFile(t, dir, "b.csv", "id,name\n1,ant\n2,bee\n")
	fp3, err := Fingerprint(other)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp3 == fp1 {
		t.Error("different content produced identical fingerprints")
	}
}
