// Package split carves a large delimited source into fixed-size chunk files
// that workers can stage and transfer independently. Splitting is idempotent:
// a manifest written after a successful split lets later runs reuse the chunk
// files instead of re-reading the source.
package split

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"ferry/internal/source"
)

const (
	readBufSize  = 4 << 20 // 4 MiB
	writeBufSize = 4 << 20 // 4 MiB

	manifestName = "manifest.json"
)

// ErrSourceChanged reports a manifest whose fingerprint no longer matches the
// source file. Existing chunks cannot be trusted; the run must be reset.
var ErrSourceChanged = errors.New("split: source changed since last split")

// Chunk is one transferable slice of a source.
type Chunk struct {
	// Index is the zero-based chunk number, stable across runs.
	Index int
	// Path is the delimited file holding this chunk's rows.
	Path string
	// Ephemeral marks files produced by the splitter, which are deleted
	// after a successful transfer. A small source transferred whole is
	// not ephemeral.
	Ephemeral bool
}

// Manifest records a completed split so later runs can reuse its chunks.
type Manifest struct {
	Fingerprint string    `json:"fingerprint"`
	SourcePath  string    `json:"source_path"`
	ChunkSize   int       `json:"chunk_size"`
	Chunks      int       `json:"chunks"`
	DataRows    int64     `json:"data_rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// Plan is the chunk layout for one source file.
type Plan struct {
	Source source.File
	Chunks []Chunk
	// DataRows is the number of data lines counted while splitting, or -1
	// when the source was passed through whole and never scanned.
	DataRows int64
	// Reused is true when the chunks came from a previous run's manifest.
	Reused bool
}

// Splitter writes chunk files for one dataset into a dedicated directory.
type Splitter struct {
	dir       string
	chunkSize int
	threshold int64
	log       *zap.Logger
}

// New returns a Splitter writing into dir. Sources smaller than threshold
// bytes are passed through as a single chunk.
func New(dir string, chunkSize int, threshold int64, log *zap.Logger) *Splitter {
	return &Splitter{dir: dir, chunkSize: chunkSize, threshold: threshold, log: log}
}

// Split produces the chunk plan for src, reusing a previous split when its
// manifest still matches the source fingerprint.
func (s *Splitter) Split(ctx context.Context, src source.File) (*Plan, error) {
	if !src.Large(s.threshold) {
		return &Plan{
			Source:   src,
			Chunks:   []Chunk{{Index: 0, Path: src.Path}},
			DataRows: -1,
		}, nil
	}

	fp, err := source.Fingerprint(src.Path)
	if err != nil {
		return nil, err
	}

	if m, err := s.readManifest(); err != nil {
		return nil, err
	} else if m != nil {
		if m.Fingerprint != fp {
			return nil, fmt.Errorf("%w: %s", ErrSourceChanged, src.Path)
		}
		s.log.Info("reusing existing split",
			zap.Int("chunks", m.Chunks),
			zap.Int64("rows", m.DataRows),
			zap.Time("split_at", m.CreatedAt))
		return &Plan{
			Source:   src,
			Chunks:   s.chunkList(m.Chunks),
			DataRows: m.DataRows,
			Reused:   true,
		}, nil
	}

	if err := s.wipeTornChunks(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("split: mkdir %s: %w", s.dir, err)
	}

	start := time.Now()
	n, rows, err := s.writeChunks(ctx, src.Path)
	if err != nil {
		return nil, err
	}

	m := Manifest{
		Fingerprint: fp,
		SourcePath:  src.Path,
		ChunkSize:   s.chunkSize,
		Chunks:      n,
		DataRows:    rows,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.writeManifest(m); err != nil {
		return nil, err
	}

	s.log.Info("split complete",
		zap.Int("chunks", n),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return &Plan{Source: src, Chunks: s.chunkList(n), DataRows: rows}, nil
}

// Reset removes the split directory, chunks and manifest included.
func (s *Splitter) Reset() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("split: reset %s: %w", s.dir, err)
	}
	return nil
}

func (s *Splitter) chunkList(n int) []Chunk {
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, Chunk{Index: i, Path: s.chunkPath(i), Ephemeral: true})
	}
	return chunks
}

func (s *Splitter) chunkPath(i int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%03d.csv", i))
}

func (s *Splitter) readManifest() (*Manifest, error) {
	return ReadManifest(s.dir)
}

// ReadManifest loads the split manifest from dir. A directory that was
// never split returns (nil, nil).
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("split: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("split: decode manifest: %w", err)
	}
	return &m, nil
}

func (s *Splitter) writeManifest(m Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("split: encode manifest: %w", err)
	}
	path := filepath.Join(s.dir, manifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("split: write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("split: write manifest: %w", err)
	}
	return nil
}

// wipeTornChunks clears chunk files left behind by a split that never wrote
// its manifest. Their row boundaries cannot be trusted.
func (s *Splitter) wipeTornChunks() error {
	stale, err := filepath.Glob(filepath.Join(s.dir, "chunk_*.csv"))
	if err != nil {
		return fmt.Errorf("split: glob: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	s.log.Warn("removing chunks from interrupted split", zap.Int("files", len(stale)))
	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("split: remove %s: %w", p, err)
		}
	}
	return nil
}

// writeChunks streams the source once, copying the header line into every
// chunk and rolling to the next file each time chunkSize data lines are
// written. Returns the chunk count and total data lines.
func (s *Splitter) writeChunks(ctx context.Context, path string) (chunks int, rows int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("split: open %s: %w", path, err)
	}
	defer f.Close()

	// Best-effort kernel hints: one large sequential pass.
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_WILLNEED)

	r := bufio.NewReaderSize(f, readBufSize)

	header, err := r.ReadString('\n')
	if err == io.EOF && header == "" {
		return 0, 0, fmt.Errorf("split: %s is empty", path)
	}
	if err != nil && err != io.EOF {
		return 0, 0, fmt.Errorf("split: read header: %w", err)
	}
	if !strings.HasSuffix(header, "\n") {
		header += "\n"
	}

	var (
		cur     *os.File
		w       *bufio.Writer
		inChunk int
	)
	closeCur := func() error {
		if cur == nil {
			return nil
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if err := cur.Close(); err != nil {
			return err
		}
		cur, w = nil, nil
		return nil
	}
	// A failed split leaves no partial file behind. Chunks already
	// completed stay; without a manifest the next run wipes them.
	fail := func(e error) (int, int64, error) {
		if cur != nil {
			name := cur.Name()
			_ = cur.Close()
			_ = os.Remove(name)
		}
		return 0, 0, e
	}

	for {
		line, rerr := r.ReadString('\n')
		if line != "" {
			if cur == nil {
				if err := ctx.Err(); err != nil {
					return fail(fmt.Errorf("split: %w", err))
				}
				cur, err = os.Create(s.chunkPath(chunks))
				if err != nil {
					return fail(fmt.Errorf("split: create chunk %d: %w", chunks, err))
				}
				w = bufio.NewWriterSize(cur, writeBufSize)
				if _, err := w.WriteString(header); err != nil {
					return fail(fmt.Errorf("split: write chunk %d: %w", chunks, err))
				}
				chunks++
				inChunk = 0
			}
			if _, err := w.WriteString(line); err != nil {
				return fail(fmt.Errorf("split: write chunk %d: %w", chunks-1, err))
			}
			rows++
			inChunk++
			if inChunk == s.chunkSize {
				if err := closeCur(); err != nil {
					return fail(fmt.Errorf("split: close chunk %d: %w", chunks-1, err))
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(fmt.Errorf("split: read %s: %w", path, rerr))
		}
	}
	if err := closeCur(); err != nil {
		return fail(fmt.Errorf("split: close chunk %d: %w", chunks-1, err))
	}
	return chunks, rows, nil
}
