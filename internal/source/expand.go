package source

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Expand materializes a compressed source as a plain delimited file under
// workDir and returns its path. Uncompressed paths pass through unchanged.
//
// Supported archives: .gz and .zst (single member), and .zip, whose delimited
// members are concatenated into one combined file keeping only the first
// member's header line. Expansion is idempotent: a previously expanded file
// whose recorded archive fingerprint still matches is reused.
func Expand(path, workDir string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".gz", ".zst", ".zip":
	default:
		return path, nil
	}

	fp, err := Fingerprint(path)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(workDir, "expanded")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("source: expand dir: %w", err)
	}
	target := filepath.Join(dir, expandedName(path, ext))
	sidecar := target + ".srcfp"

	if prev, err := os.ReadFile(sidecar); err == nil && strings.TrimSpace(string(prev)) == fp {
		if _, err := os.Stat(target); err == nil {
			return target, nil
		}
	}

	tmp := target + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("source: expand create: %w", err)
	}

	switch ext {
	case ".gz":
		err = expandGzip(path, out)
	case ".zst":
		err = expandZstd(path, out)
	case ".zip":
		err = expandZip(path, out)
	}
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("source: expand rename: %w", err)
	}
	if err := os.WriteFile(sidecar, []byte(fp+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("source: expand sidecar: %w", err)
	}
	return target, nil
}

// expandedName strips the archive extension; a zip keeps its stem with a
// .csv suffix because member extensions may vary.
func expandedName(path, ext string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if ext == ".zip" {
		return stem + ".csv"
	}
	if delimitedExts[strings.ToLower(filepath.Ext(stem))] {
		return stem
	}
	return stem + ".csv"
}

func expandGzip(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source: open %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("source: gzip %s: %w", path, err)
	}
	defer gz.Close()

	if _, err := io.Copy(out, gz); err != nil {
		return fmt.Errorf("source: expand gzip %s: %w", path, err)
	}
	return nil
}

func expandZstd(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source: open %s: %w", path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("source: zstd %s: %w", path, err)
	}
	defer dec.Close()

	if _, err := io.Copy(out, dec); err != nil {
		return fmt.Errorf("source: expand zstd %s: %w", path, err)
	}
	return nil
}

// expandZip concatenates the delimited members of a zip archive, keeping the
// header line of the first member only.
func expandZip(path string, out io.Writer) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("source: zip %s: %w", path, err)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	var members []*zip.File
	for _, m := range zr.File {
		if m.FileInfo().IsDir() {
			continue
		}
		if delimitedExts[strings.ToLower(filepath.Ext(m.Name))] {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return fmt.Errorf("source: zip %s holds no delimited members", path)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	for i, m := range members {
		if err := copyMember(m, out, i > 0); err != nil {
			return fmt.Errorf("source: zip member %s: %w", m.Name, err)
		}
	}
	return nil
}

func copyMember(m *zip.File, out io.Writer, skipHeader bool) error {
	rc, err := m.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := bufio.NewReader(rc)
	if skipHeader {
		if _, err := r.ReadString('\n'); err != nil && err != io.EOF {
			return err
		}
	}
	_, err = io.Copy(out, r)
	return err
}
