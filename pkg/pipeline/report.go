package pipeline

import (
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/jetntuple/jetntuple/internal/model"
	"github.com/jetntuple/jetntuple/pkg/jets"
)

// Termination records why a run stopped.
type Termination uint8

const (
	// TerminationNone means the run has not finished.
	TerminationNone Termination = iota
	// TerminationEndOfStream means the source was exhausted.
	TerminationEndOfStream
	// TerminationEarlyStop means StopOnRecoTrack fired.
	TerminationEarlyStop
	// TerminationMaxEvents means MaxEvents events were flushed.
	TerminationMaxEvents
)

// String returns the termination name.
func (t Termination) String() string {
	switch t {
	case TerminationEndOfStream:
		return "end-of-stream"
	case TerminationEarlyStop:
		return "early-stop"
	case TerminationMaxEvents:
		return "max-events"
	default:
		return "running"
	}
}

// CollectionStats accumulates per-collection counts over a run.
type CollectionStats struct {
	Totals       model.Totals
	Constituents jets.Aggregate
}

func (s *CollectionStats) add(res jets.Result) {
	s.Totals.Jets += res.Totals.Jets
	s.Totals.BJets += res.Totals.BJets
	s.Totals.TauJets += res.Totals.TauJets
	s.Constituents.Used += res.Constituents.Used
	s.Constituents.Tracks += res.Constituents.Tracks
	s.Constituents.Nulls += res.Constituents.Nulls
	s.Constituents.Unrecognized += res.Constituents.Unrecognized
}

// RunReport summarizes a processor run.
type RunReport struct {
	StartOffset int64

	// SkippedOffset counts events discarded before StartOffset.
	SkippedOffset int64

	// EventsRead counts events read at or after StartOffset.
	EventsRead int64

	// EventsEmptyTruth counts events dropped by the empty gen-jet gate.
	EventsEmptyTruth int64

	// EventsProcessed counts flushed event rows.
	EventsProcessed int64

	// LastEntry is the entry of the last flushed row, -1 if none.
	LastEntry int64

	Truth CollectionStats
	Reco  CollectionStats

	// EmptyTruth holds the entries dropped by the empty gen-jet gate.
	EmptyTruth *roaring64.Bitmap

	Termination Termination

	StartedAt  time.Time
	FinishedAt time.Time
}

func newRunReport(cfg RunConfig) *RunReport {
	return &RunReport{
		StartOffset: cfg.StartOffset,
		LastEntry:   -1,
		EmptyTruth:  roaring64.New(),
		StartedAt:   time.Now(),
	}
}

// Stats returns the accumulated counts of collection c.
func (r *RunReport) Stats(c model.Collection) CollectionStats {
	if c == model.Truth {
		return r.Truth
	}
	return r.Reco
}

func (r *RunReport) stats(c model.Collection) *CollectionStats {
	if c == model.Truth {
		return &r.Truth
	}
	return &r.Reco
}

// Duration returns the wall time of the run so far.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
