// Package writer persists the jet ntuple: one row per processed event with
// per-collection jet counts and the per-jet records. Rows are written as a
// ROOT tree, Parquet, Arrow IPC or a DuckDB database, picked by extension.
package writer

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/jetntuple/jetntuple/internal/model"
	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

// RowWriter stores complete ntuple rows in one output format.
type RowWriter interface {
	// Name returns the format identifier (e.g., "root", "parquet").
	Name() string

	// WriteRow appends one event row.
	WriteRow(ctx context.Context, row *Row) error

	// Close flushes buffered rows and finalizes the output.
	Close() error
}

// Row is one ntuple entry.
type Row struct {
	Entry    int64
	Gen      model.Totals
	Reco     model.Totals
	GenJets  []model.JetSummary
	RecoJets []model.JetSummary
}

// Jets returns the jet records of one collection.
func (r *Row) Jets(c model.Collection) []model.JetSummary {
	if c == model.Truth {
		return r.GenJets
	}
	return r.RecoJets
}

// Config holds writer configuration.
type Config struct {
	// BatchSize is the number of rows per record batch or transaction.
	BatchSize int

	// Compression applied by formats that support it.
	Compression CompressionType

	// Metadata is stored alongside the rows (Arrow schema metadata,
	// DuckDB metadata table, ROOT tree title).
	Metadata map[string]string
}

// CompressionType represents output compression options.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionGzip
	CompressionZstd
	CompressionLZ4
)

// String returns the compression type name.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// ParseCompression parses a compression type string.
func ParseCompression(s string) CompressionType {
	switch strings.ToLower(s) {
	case "snappy":
		return CompressionSnappy
	case "gzip", "zlib":
		return CompressionGzip
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   1024,
		Compression: CompressionZstd,
	}
}

// Format is an output file format.
type Format string

const (
	FormatROOT    Format = "root"
	FormatParquet Format = "parquet"
	FormatArrow   Format = "arrow"
	FormatDuckDB  Format = "duckdb"
)

// FormatFromPath picks the format from the file extension. A path without
// an extension is written as ROOT. Any other extension is returned as is
// and is not Supported.
func FormatFromPath(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case "", ".root":
		return FormatROOT
	case ".parquet", ".pq":
		return FormatParquet
	case ".arrow", ".ipc", ".feather":
		return FormatArrow
	case ".duckdb", ".db":
		return FormatDuckDB
	default:
		return Format(strings.TrimPrefix(ext, "."))
	}
}

// Supported reports whether a writer exists for f.
func (f Format) Supported() bool {
	switch f {
	case FormatROOT, FormatParquet, FormatArrow, FormatDuckDB:
		return true
	}
	return false
}

// NewRowWriter creates the writer for format at a local path.
func NewRowWriter(format Format, path string, cfg Config) (RowWriter, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	switch format {
	case FormatROOT:
		return NewROOTWriter(path, cfg)
	case FormatParquet:
		return NewParquetWriter(path, cfg)
	case FormatArrow:
		return NewArrowWriter(path, cfg)
	case FormatDuckDB:
		return NewDuckDBWriter(path, cfg)
	default:
		return nil, jerrors.New(jerrors.CodeUnknownFormat, "unknown output format").WithContext("format", string(format))
	}
}
