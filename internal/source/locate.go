// Package source resolves configured dataset paths into readable delimited
// source files. It expands compressed archives into the work directory,
// guesses the delimiter from the file extension, and fingerprints sources so
// downstream state (chunk files, ledgers) can detect a source that changed
// underneath them.
package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is one located delimited source.
type File struct {
	// Key is a sanitized identifier derived from the file stem, used to
	// suffix sink tables when a directory source holds several files.
	Key string
	// Path is the absolute or config-relative path to the delimited file.
	Path string
	// SizeBytes is the file size at locate time.
	SizeBytes int64
	// Delimiter is the field separator guessed from the extension.
	Delimiter rune
}

// Large reports whether the file is at or above the split threshold.
func (f File) Large(threshold int64) bool { return f.SizeBytes >= threshold }

var delimitedExts = map[string]bool{".csv": true, ".tsv": true, ".txt": true}

// Locate resolves path to one or more delimited source files. A file path
// yields exactly that file; a directory is walked recursively for .csv,
// .tsv and .txt entries. The result is ordered by path.
func Locate(path string) ([]File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	if !info.IsDir() {
		return []File{fileAt(path, info.Size())}, nil
	}

	var files []File
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !delimitedExts[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, fileAt(p, fi.Size()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source: walk %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("source: no delimited files under %s", path)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// DelimiterFor guesses the field separator from the file extension.
func DelimiterFor(path string) rune {
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return '\t'
	}
	return ','
}

// Key sanitizes a file stem into an identifier-safe key.
func Key(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.ToLower(stem)
	stem = strings.ReplaceAll(stem, "-", "_")
	stem = strings.ReplaceAll(stem, " ", "_")
	return stem
}

func fileAt(path string, size int64) File {
	return File{
		Key:       Key(path),
		Path:      path,
		SizeBytes: size,
		Delimiter: DelimiterFor(path),
	}
}
