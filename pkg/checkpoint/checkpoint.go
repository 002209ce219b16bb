// Package checkpoint records run progress so a long or interrupted run can
// be inspected afterwards: which inputs, how far it got, how it ended.
package checkpoint

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jetntuple/jetntuple/pkg/hooks"
	"github.com/jetntuple/jetntuple/pkg/pipeline"
)

// Phase is the lifecycle state of a run.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Checkpoint is the persisted progress record of one run.
type Checkpoint struct {
	// Identification
	ID      string   `json:"id"`
	Inputs  []string `json:"inputs"`
	Outputs string   `json:"outputs"`

	// Progress
	StartOffset      int64  `json:"start_offset"`
	LastEntry        int64  `json:"last_entry"`
	EventsProcessed  int64  `json:"events_processed"`
	EventsEmptyTruth int64  `json:"events_empty_truth"`
	Termination      string `json:"termination,omitempty"`
	Error            string `json:"error,omitempty"`

	// State
	Phase       Phase      `json:"phase"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a running checkpoint with a fresh ID.
func New(inputs []string, outputs string, startOffset int64) *Checkpoint {
	now := time.Now()
	return &Checkpoint{
		ID:          uuid.NewString(),
		Inputs:      inputs,
		Outputs:     outputs,
		StartOffset: startOffset,
		LastEntry:   -1,
		Phase:       PhaseRunning,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// IsComplete reports whether the run finished successfully.
func (cp *Checkpoint) IsComplete() bool {
	return cp.Phase == PhaseComplete
}

// sameJob reports whether other read the same inputs into the same outputs.
func (cp *Checkpoint) sameJob(other *Checkpoint) bool {
	return cp.Outputs == other.Outputs && slices.Equal(cp.Inputs, other.Inputs)
}

// Backend stores checkpoints.
type Backend interface {
	// Save persists a checkpoint, replacing any previous version.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load retrieves a checkpoint by ID. Missing IDs return fs.ErrNotExist.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Delete removes a checkpoint.
	Delete(ctx context.Context, id string) error

	// ListIncomplete returns checkpoints of runs that never completed.
	ListIncomplete(ctx context.Context) ([]*Checkpoint, error)

	// Name returns the backend name for logging.
	Name() string
}

// Recorder keeps a checkpoint current while a run progresses.
type Recorder struct {
	backend Backend
	every   int64
	logger  *zap.Logger

	mu sync.Mutex
	cp *Checkpoint
}

// NewRecorder saves cp through backend every `every` processed events.
func NewRecorder(backend Backend, cp *Checkpoint, every int64, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if every <= 0 {
		every = 1
	}
	return &Recorder{backend: backend, cp: cp, every: every, logger: logger}
}

// Checkpoint returns a copy of the current record.
func (r *Recorder) Checkpoint() Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.cp
}

// Start persists the initial record. Earlier runs over the same inputs and
// outputs that never completed are reported and their records replaced by
// this one.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supersedeLocked(ctx)
	return r.saveLocked(ctx)
}

func (r *Recorder) supersedeLocked(ctx context.Context) {
	prev, err := r.backend.ListIncomplete(ctx)
	if err != nil {
		r.logger.Warn("list incomplete checkpoints", zap.String("backend", r.backend.Name()), zap.Error(err))
		return
	}
	for _, cp := range prev {
		if cp.ID == r.cp.ID || !r.cp.sameJob(cp) {
			continue
		}
		r.logger.Warn("previous run did not complete",
			zap.String("id", cp.ID),
			zap.String("phase", string(cp.Phase)),
			zap.Int64("last_entry", cp.LastEntry),
			zap.Time("started_at", cp.StartedAt),
		)
		if err := r.backend.Delete(ctx, cp.ID); err != nil {
			r.logger.Warn("delete checkpoint", zap.String("id", cp.ID), zap.Error(err))
		}
	}
}

// Attach registers the recorder's hooks with m.
func (r *Recorder) Attach(m *hooks.Manager) {
	m.RegisterEvent(hooks.Every(r.every, r.onEvent))
	m.RegisterSkip(r.onSkip)
}

func (r *Recorder) onEvent(ctx context.Context, info *hooks.EventInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cp.LastEntry = info.Summary.Entry
	r.cp.EventsProcessed = info.Processed
	if err := r.saveLocked(ctx); err != nil {
		// A lost progress record does not invalidate the ntuple.
		r.logger.Warn("checkpoint save failed", zap.String("id", r.cp.ID), zap.Error(err))
	}
	return nil
}

func (r *Recorder) onSkip(ctx context.Context, info hooks.SkipInfo) {
	if info.Reason != hooks.SkipEmptyTruth {
		return
	}
	r.mu.Lock()
	r.cp.EventsEmptyTruth += info.Count
	r.mu.Unlock()
}

// Finish records the outcome of the run. runErr is the error Run returned.
func (r *Recorder) Finish(ctx context.Context, report *pipeline.RunReport, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if report != nil {
		r.cp.LastEntry = report.LastEntry
		r.cp.EventsProcessed = report.EventsProcessed
		r.cp.EventsEmptyTruth = report.EventsEmptyTruth
		r.cp.Termination = report.Termination.String()
	}

	now := time.Now()
	r.cp.CompletedAt = &now
	if runErr != nil {
		r.cp.Phase = PhaseFailed
		r.cp.Error = runErr.Error()
	} else {
		r.cp.Phase = PhaseComplete
	}
	return r.saveLocked(ctx)
}

// Close releases the backend if it holds a connection.
func (r *Recorder) Close() error {
	if c, ok := r.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Recorder) saveLocked(ctx context.Context) error {
	r.cp.UpdatedAt = time.Now()
	if err := r.backend.Save(ctx, r.cp); err != nil {
		return err
	}
	r.logger.Debug("checkpoint saved",
		zap.String("id", r.cp.ID),
		zap.String("backend", r.backend.Name()),
		zap.Int64("last_entry", r.cp.LastEntry),
	)
	return nil
}
