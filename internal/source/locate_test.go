package source

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(tb testing.TB, dir, name, content string) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLocateSingleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "Occurrence Data.csv", "id,name\n1,ant\n")

	files, err := Locate(path)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	f := files[0]
	if f.Path != path {
		t.Errorf("Path = %q, want %q", f.Path, path)
	}
	if f.Key != "occurrence_data" {
		t.Errorf("Key = %q, want %q", f.Key, "occurrence_data")
	}
	if f.Delimiter != ',' {
		t.Errorf("Delimiter = %q, want ','", f.Delimiter)
	}
	if f.SizeBytes != int64(len("id,name\n1,ant\n")) {
		t.Errorf("SizeBytes = %d", f.SizeBytes)
	}
}

func TestLocateDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "b.csv", "x\n")
	writeFile(t, dir, "a.tsv", "x\n")
	writeFile(t, dir, "nested/c.txt", "x\n")
	writeFile(t, dir, "notes.md", "ignore me")

	files, err := Locate(dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	var got []string
	for _, f := range files {
		got = append(got, filepath.Base(f.Path))
	}
	want := []string{"a.tsv", "b.csv", "c.txt"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if files[0].Delimiter != '\t' {
		t.Errorf("a.tsv delimiter = %q, want tab", files[0].Delimiter)
	}
}

func TestLocateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{
			name: "missing path",
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope.csv")
			},
		},
		{
			name: "dir without delimited files",
			path: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, "readme.md", "x")
				return dir
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Locate(tc.path(t)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"occurrence.csv", "occurrence"},
		{"/data/GBIF Export-2024.csv", "gbif_export_2024"},
		{"plain", "plain"},
		{"Taxon List.txt", "taxon_list"},
	}
	for _, tc := range tests {
		if got := Key(tc.in); got != tc.want {
			t.Errorf("Key(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLarge(t *testing.T) {
	t.Parallel()

	f := File{SizeBytes: 100}
	if !f.Large(100) {
		t.Error("size equal to threshold should count as large")
	}
	if f.Large(101) {
		t.Error("size below threshold counted as large")
	}
}
