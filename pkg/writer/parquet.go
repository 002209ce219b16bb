package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// ParquetWriter writes ntuple rows to Parquet using Apache Arrow.
type ParquetWriter struct {
	cfg    Config
	file   *os.File
	writer *pqarrow.FileWriter
	batch  *recordBatcher

	mu               sync.Mutex
	totalRowsWritten int64
	closed           bool
}

// NewParquetWriter creates a Parquet file at path.
func NewParquetWriter(path string, cfg Config) (*ParquetWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file: %w", err)
	}

	var codec compress.Compression
	switch cfg.Compression {
	case CompressionSnappy:
		codec = compress.Codecs.Snappy
	case CompressionGzip:
		codec = compress.Codecs.Gzip
	case CompressionZstd:
		codec = compress.Codecs.Zstd
	case CompressionLZ4:
		codec = compress.Codecs.Lz4
	default:
		codec = compress.Codecs.Uncompressed
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(codec),
		parquet.WithDictionaryDefault(false),
		parquet.WithDataPageSize(1024*1024), // 1MB
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	schema := ntupleSchema(cfg.Metadata)
	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, arrowProps)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	return &ParquetWriter{
		cfg:    cfg,
		file:   f,
		writer: writer,
		batch:  newRecordBatcher(memory.NewGoAllocator(), schema, cfg.BatchSize),
	}, nil
}

// Name returns the format name.
func (w *ParquetWriter) Name() string {
	return string(FormatParquet)
}

// WriteRow implements RowWriter.
func (w *ParquetWriter) WriteRow(ctx context.Context, row *Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("parquet writer is closed")
	}
	w.batch.append(row)
	if w.batch.rows >= w.cfg.BatchSize {
		return w.flushBatch()
	}
	return nil
}

// flushBatch writes the current batch as part of the open row group.
func (w *ParquetWriter) flushBatch() error {
	rec := w.batch.take()
	if rec == nil {
		return nil
	}
	defer rec.Release()

	if err := w.writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	w.totalRowsWritten += rec.NumRows()
	return nil
}

// Close flushes remaining rows and writes the footer.
func (w *ParquetWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	defer w.batch.release()

	if err := w.flushBatch(); err != nil {
		w.writer.Close()
		w.file.Close()
		return err
	}
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	// pqarrow may already have closed the file.
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to close parquet file: %w", err)
	}
	return nil
}

// RowsWritten returns the total number of rows written.
func (w *ParquetWriter) RowsWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalRowsWritten
}
