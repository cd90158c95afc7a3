// Package config loads and validates ferry dataset configuration.
//
// Datasets are declared in a YAML file keyed by dataset name. Values that are
// not set fall back to defaults tuned for multi-gigabyte delimited sources.
// Sink credentials never live in the YAML file; they come from the
// environment (see env.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultChunkSize is the number of data rows per chunk file.
	DefaultChunkSize = 500000
	// DefaultBatchSize is the number of chunk indices a worker claims at once.
	DefaultBatchSize = 25
	// DefaultWorkers is the transfer worker count.
	DefaultWorkers = 4
	// DefaultSplitThreshold is the source size above which files are split.
	DefaultSplitThreshold = int64(1) << 30 // 1 GiB
	// DefaultCopyBatch is the number of staged rows per sink copy call.
	DefaultCopyBatch = 5000
)

// Duration wraps time.Duration so YAML values like "90s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SinkConfig names the destination for one dataset.
type SinkConfig struct {
	// Kind selects the sink backend: postgres, mssql, mysql or sqlite.
	Kind string `yaml:"kind"`
	// Schema is the destination namespace. Backends without schema support
	// (sqlite) accept an empty value.
	Schema string `yaml:"schema"`
	// Table is the destination table name.
	Table string `yaml:"table"`
	// DSN optionally pins the connection string in config. Normally left
	// empty so credentials resolve from the environment.
	DSN string `yaml:"dsn"`
}

// Dataset is the immutable configuration for one transfer run.
type Dataset struct {
	// Name is the dataset key, filled from the YAML map key.
	Name string `yaml:"-"`

	// Source is a delimited file, a directory of delimited files, or an
	// archive (.gz/.zst/.zip) expanded before transfer.
	Source string `yaml:"source"`

	Sink SinkConfig `yaml:"sink"`

	// Filter is a declarative row filter written against canonical column
	// names, e.g. "kingdom = 'Plantae'". Empty means no filtering.
	Filter string `yaml:"filter"`

	// ChunkSize is the number of data rows per chunk file; each chunk is
	// also the unit of transfer, commit and resume.
	ChunkSize int `yaml:"chunk_size"`
	// BatchSize is the number of chunk indices per worker claim.
	BatchSize int `yaml:"batch_size"`
	// Workers is the size of the transfer worker pool.
	Workers int `yaml:"workers"`

	// SplitThresholdBytes: sources at or above this size are split into
	// chunk files; smaller sources transfer as a single logical chunk.
	SplitThresholdBytes int64 `yaml:"split_threshold_bytes"`

	// ColumnTypes overrides the staging column type (default TEXT) for the
	// named columns, matched case-sensitively against the source header.
	ColumnTypes map[string]string `yaml:"column_types"`

	// CopyBatch is the number of staged rows sent to the sink per copy call
	// inside a chunk transaction.
	CopyBatch int `yaml:"copy_batch"`

	// StallAfter is how long the orchestrator waits without any batch
	// completion before logging a stall warning.
	StallAfter Duration `yaml:"stall_after"`
	// LedgerTimeout bounds how long a worker waits to record progress.
	LedgerTimeout Duration `yaml:"ledger_timeout"`

	// WorkDir holds expanded archives, repaired chunk copies and other
	// scratch files for this dataset.
	WorkDir string `yaml:"work_dir"`
	// SplitDir holds the chunk files and the split manifest.
	SplitDir string `yaml:"split_dir"`
	// LedgerPath is the progress ledger file.
	LedgerPath string `yaml:"ledger_file"`
}

// File is the top-level YAML document.
type File struct {
	// BaseDir is where per-dataset work/split/ledger paths default to.
	BaseDir string `yaml:"base_dir"`

	Datasets map[string]*Dataset `yaml:"datasets"`
}

// Load reads and validates a config file. Every returned dataset has its
// defaults applied and is safe to run as-is.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(f.Datasets) == 0 {
		return nil, fmt.Errorf("config: %s declares no datasets", path)
	}
	if f.BaseDir == "" {
		f.BaseDir = "work"
	}
	for name, ds := range f.Datasets {
		if ds == nil {
			return nil, fmt.Errorf("config: dataset %q is empty", name)
		}
		ds.Name = name
		ds.applyDefaults(f.BaseDir)
		if err := ds.Validate(); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// Names returns the dataset keys in stable order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Datasets))
	for name := range f.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dataset) applyDefaults(baseDir string) {
	if d.ChunkSize <= 0 {
		d.ChunkSize = DefaultChunkSize
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.Workers <= 0 {
		d.Workers = DefaultWorkers
	}
	if d.SplitThresholdBytes <= 0 {
		d.SplitThresholdBytes = DefaultSplitThreshold
	}
	if d.CopyBatch <= 0 {
		d.CopyBatch = DefaultCopyBatch
	}
	if d.StallAfter <= 0 {
		d.StallAfter = Duration(60 * time.Second)
	}
	if d.LedgerTimeout <= 0 {
		d.LedgerTimeout = Duration(10 * time.Second)
	}
	if d.WorkDir == "" {
		d.WorkDir = filepath.Join(baseDir, d.Name, "tmp")
	}
	if d.SplitDir == "" {
		d.SplitDir = filepath.Join(baseDir, d.Name, "split")
	}
	if d.LedgerPath == "" {
		d.LedgerPath = filepath.Join(baseDir, d.Name, "progress.txt")
	}
	if d.Sink.Kind == "" {
		d.Sink.Kind = "postgres"
	}
	if d.Sink.Schema == "" && d.Sink.Kind != "sqlite" {
		d.Sink.Schema = "raw"
	}
}

// Validate reports the first configuration problem found.
func (d *Dataset) Validate() error {
	if strings.TrimSpace(d.Source) == "" {
		return fmt.Errorf("config: dataset %q: source is required", d.Name)
	}
	switch d.Sink.Kind {
	case "postgres", "mssql", "mysql", "sqlite":
	default:
		return fmt.Errorf("config: dataset %q: unknown sink kind %q", d.Name, d.Sink.Kind)
	}
	if strings.TrimSpace(d.Sink.Table) == "" {
		return fmt.Errorf("config: dataset %q: sink.table is required", d.Name)
	}
	if d.BatchSize > 0 && d.ChunkSize > 0 && d.Workers > 0 {
		return nil
	}
	return fmt.Errorf("config: dataset %q: chunk_size, batch_size and workers must be positive", d.Name)
}
