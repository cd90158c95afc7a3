package stage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	readBufSize  = 4 << 20 // 4 MiB
	writeBufSize = 4 << 20 // 4 MiB

	// insertBatch is how many parsed rows go into one staging transaction.
	insertBatch = 5000

	// minStageBytes: anything smaller cannot hold a header and a row and
	// is skipped as empty.
	minStageBytes = 10

	// sniffBytes bounds how much of the decoded stream the delimiter
	// sniffer inspects.
	sniffBytes = 64 << 10
)

var errNULByte = errors.New("NUL byte in field")

// Result describes a staged chunk.
type Result struct {
	// Columns is the staged column order, empty when the file was skipped.
	Columns []string
	// Rows is the staged data row count.
	Rows int64
	// Candidate names the parse candidate that won.
	Candidate string
	// Repaired is true when the chunk only parsed after sanitizing.
	Repaired bool
}

// Skipped reports whether the file was too small to stage.
func (r *Result) Skipped() bool { return len(r.Columns) == 0 }

// parseOptions is one CSV dialect a candidate tries.
type parseOptions struct {
	// lazy tolerates bare quotes inside fields.
	lazy bool
	// variable accepts ragged rows, padding or truncating to header width.
	variable bool
	// sniff guesses the delimiter from the first line instead of using
	// the source extension's.
	sniff bool
}

// candidate is one (encoding, dialect) pair in the cascade.
type candidate struct {
	name string
	enc  encoding.Encoding
	// validate fails on invalid UTF-8 instead of silently replacing it,
	// so mis-encoded files fall through to the legacy encodings.
	validate bool
	opts     parseOptions
}

// autoCandidate is tried first and again after repair: BOM-stripping UTF-8,
// sniffed delimiter, permissive parsing.
func autoCandidate() candidate {
	return candidate{
		name:     "auto",
		enc:      unicode.UTF8BOM,
		validate: true,
		opts:     parseOptions{lazy: true, variable: true, sniff: true},
	}
}

// candidates returns the cascade in trial order. The list is data: adding an
// encoding or dialect extends the table, not the loader.
func candidates() []candidate {
	encodings := []struct {
		name     string
		enc      encoding.Encoding
		validate bool
	}{
		{"utf-8", unicode.UTF8BOM, true},
		{"windows-1252", charmap.Windows1252, false},
		{"iso-8859-1", charmap.ISO8859_1, false},
		{"utf-16", unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), false},
	}
	dialects := []struct {
		name string
		opts parseOptions
	}{
		{"strict", parseOptions{sniff: true}},
		{"relaxed", parseOptions{lazy: true, variable: true, sniff: true}},
		{"ext-delim", parseOptions{lazy: true, variable: true}},
	}

	out := []candidate{autoCandidate()}
	for _, e := range encodings {
		for _, d := range dialects {
			out = append(out, candidate{
				name:     e.name + "/" + d.name,
				enc:      e.enc,
				validate: e.validate,
				opts:     d.opts,
			})
		}
	}
	return out
}

// Loader stages chunk files into a Store.
type Loader struct {
	store *Store
	log   *zap.Logger
	batch int
}

// NewLoader returns a Loader staging into store.
func NewLoader(store *Store, log *zap.Logger) *Loader {
	return &Loader{store: store, log: log, batch: insertBatch}
}

// Load parses the delimited file at path into the staging table. delim is the
// source's extension-derived delimiter; chunk files inherit it from the file
// they were split from. types carries the configured per-column type
// overrides for the staging DDL.
//
// Candidates are tried in order; the first yielding data rows wins. If every
// candidate errors, the file is sanitized once and the automatic candidate
// retried. Files under 10 bytes are skipped with an empty Result.
func (l *Loader) Load(ctx context.Context, path string, delim rune, types map[string]string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stage: stat %s: %w", path, err)
	}
	if info.Size() < minStageBytes {
		l.log.Warn("skipping empty file", zap.String("path", path), zap.Int64("bytes", info.Size()))
		return &Result{}, nil
	}

	var (
		attemptErrs error
		zeroCols    []string
		zeroName    string
	)
	for _, c := range candidates() {
		cols, rows, err := l.tryCandidate(ctx, path, c, delim, types)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("stage: %w", ctx.Err())
			}
			attemptErrs = multierr.Append(attemptErrs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		if rows > 0 {
			l.log.Debug("staged chunk",
				zap.String("path", path),
				zap.String("candidate", c.name),
				zap.Int64("rows", rows))
			return &Result{Columns: cols, Rows: rows, Candidate: c.name}, nil
		}
		if zeroCols == nil {
			zeroCols, zeroName = cols, c.name
		}
	}

	// Every candidate either failed or found a bare header. A clean parse
	// with zero rows means a header-only file: stage the empty shape.
	if zeroCols != nil {
		if err := l.store.Create(ctx, zeroCols, types); err != nil {
			return nil, err
		}
		l.log.Info("staged header-only file", zap.String("path", path), zap.String("candidate", zeroName))
		return &Result{Columns: zeroCols, Rows: 0, Candidate: zeroName}, nil
	}

	cleaned, err := repairInto(path)
	if err != nil {
		return nil, multierr.Append(attemptErrs, err)
	}
	defer os.Remove(cleaned)

	auto := autoCandidate()
	cols, rows, err := l.tryCandidate(ctx, cleaned, auto, delim, types)
	if err != nil {
		return nil, fmt.Errorf("stage: %s unreadable after repair: %w", path, multierr.Append(attemptErrs, err))
	}
	l.log.Warn("chunk staged after repair",
		zap.String("path", path),
		zap.Int64("rows", rows),
		zap.NamedError("attempts", attemptErrs))
	return &Result{Columns: cols, Rows: rows, Candidate: auto.name, Repaired: true}, nil
}

// tryCandidate parses path with one candidate, staging rows as it goes. On
// any error the staging table is left dirty; the next attempt recreates it.
func (l *Loader) tryCandidate(ctx context.Context, path string, c candidate, extDelim rune, types map[string]string) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	// Best-effort kernel hints: one large sequential pass.
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_WILLNEED)

	var tr transform.Transformer = c.enc.NewDecoder()
	if c.validate {
		tr = transform.Chain(tr, encoding.UTF8Validator)
	}
	br := bufio.NewReaderSize(transform.NewReader(f, tr), readBufSize)

	delim := extDelim
	if c.opts.sniff {
		prefix, _ := br.Peek(sniffBytes)
		delim = sniffDelimiter(prefix, extDelim)
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.LazyQuotes = c.opts.lazy
	cr.ReuseRecord = true
	if c.opts.variable {
		cr.FieldsPerRecord = -1
	}

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("header: %w", err)
	}
	if err := fieldsClean(header); err != nil {
		return nil, 0, err
	}
	cols := normalizeHeader(header)
	if err := l.store.Create(ctx, cols, types); err != nil {
		return nil, 0, err
	}

	var (
		total int64
		batch = make([][]any, 0, l.batch)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := l.store.Insert(ctx, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		if err := fieldsClean(rec); err != nil {
			return nil, 0, err
		}
		batch = append(batch, normalizeRow(rec, len(cols)))
		if len(batch) == l.batch {
			if err := flush(); err != nil {
				return nil, 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	return cols, total, nil
}

// fieldsClean rejects records with embedded NUL bytes, the usual sign of a
// wrong-encoding parse. Only the repair pass may strip them.
func fieldsClean(rec []string) error {
	for _, f := range rec {
		if strings.IndexByte(f, 0) >= 0 {
			return errNULByte
		}
	}
	return nil
}

// normalizeHeader copies the header fields into usable column names: blanks
// get positional names, duplicates get numeric suffixes.
func normalizeHeader(fields []string) []string {
	cols := make([]string, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		base := strings.Clone(f)
		if strings.TrimSpace(base) == "" {
			base = fmt.Sprintf("column_%d", i)
		}
		name := base
		for suffix := 2; ; suffix++ {
			key := strings.ToLower(name)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				break
			}
			name = fmt.Sprintf("%s_%d", base, suffix)
		}
		cols[i] = name
	}
	return cols
}

// normalizeRow adapts a record to the header width, padding short rows with
// NULL and truncating long ones. Empty fields become NULL.
func normalizeRow(rec []string, width int) []any {
	row := make([]any, width)
	for i := 0; i < width && i < len(rec); i++ {
		if rec[i] != "" {
			row[i] = strings.Clone(rec[i])
		}
	}
	return row
}

// sniffDelimiter picks the delimiter occurring most often in the first line.
func sniffDelimiter(prefix []byte, fallback rune) rune {
	line, _, _ := bytes.Cut(prefix, []byte{'\n'})
	best, bestCount := fallback, 0
	for _, d := range []byte{',', '\t', ';', '|'} {
		if n := bytes.Count(line, []byte{d}); n > bestCount {
			best, bestCount = rune(d), n
		}
	}
	return best
}
