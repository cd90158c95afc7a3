// Package ledger persists which chunk indices have been committed to the
// sink, as a flat file with one index per line. The file is the only resume
// state the engine keeps; losing it merely means re-transferring.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Set holds processed chunk indices.
type Set map[int]struct{}

// Has reports whether index i is recorded.
func (s Set) Has(i int) bool {
	_, ok := s[i]
	return ok
}

// Add records index i.
func (s Set) Add(i int) { s[i] = struct{}{} }

// Sorted returns the indices in ascending order.
func (s Set) Sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Load reads the ledger at path. A missing file is an empty set. Lines that
// do not parse as a non-negative integer are skipped; a partially written or
// hand-edited ledger only costs re-transfers, never a failed run.
func Load(path string) (Set, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Set{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()

	set := Set{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil || n < 0 {
			continue
		}
		set.Add(n)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read: %w", err)
	}
	return set, nil
}

// Save atomically rewrites the ledger with the sorted set.
func Save(path string, set Set) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir: %w", err)
	}
	var b strings.Builder
	for _, i := range set.Sorted() {
		fmt.Fprintf(&b, "%d\n", i)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ledger: rename: %w", err)
	}
	return nil
}

// Clear removes the ledger file. A missing file is fine.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ledger: clear: %w", err)
	}
	return nil
}
