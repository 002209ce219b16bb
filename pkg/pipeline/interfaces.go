// Package pipeline defines the event source and record sink boundaries and
// the processor that drives events from one to the other.
//
//	EventSource -> Processor -> Classifier (gen, then reco) -> RecordSink
package pipeline

import (
	"context"

	"github.com/jetntuple/jetntuple/internal/model"
)

// Adapter is the common interface of sources and sinks.
type Adapter interface {
	// Name returns the adapter identifier (e.g., "jsonl", "parquet", "root")
	Name() string
}

// EventSource supplies events in input order.
type EventSource interface {
	Adapter

	// Next returns the next event, or io.EOF once the input is exhausted.
	Next(ctx context.Context) (*model.Event, error)
}

// Skipper is implemented by sources that can advance past events without
// decoding them.
type Skipper interface {
	// Skip discards up to n events and returns how many were discarded.
	// Fewer than n with a nil error means the input ended.
	Skip(ctx context.Context, n int64) (int64, error)
}

// Counter is implemented by sources that know their entry count up front.
type Counter interface {
	Entries() (int64, bool)
}

// RecordSink persists the ntuple.
//
// For each processed event the processor calls Clear, then WriteJet and
// WriteTotals for the gen collection, then for the reco collection, and
// finally Flush, which commits one event row.
type RecordSink interface {
	Adapter

	// Clear drops anything accumulated for the current event.
	Clear()

	// WriteJet appends one jet record to the current event.
	WriteJet(ctx context.Context, rec model.JetSummary) error

	// WriteTotals sets the counts of one collection for the current event.
	WriteTotals(ctx context.Context, coll model.Collection, totals model.Totals) error

	// Flush commits the current event row.
	Flush(ctx context.Context) error

	// Close flushes buffered rows and releases the output.
	Close() error
}
