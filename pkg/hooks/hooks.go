// Package hooks lets callers observe a processor run without touching the
// event loop: progress display, metrics, checkpointing and error reporting
// all attach here.
package hooks

import (
	"context"
	"sync"

	"github.com/jetntuple/jetntuple/internal/model"
)

// Manager manages all registered hooks.
type Manager struct {
	mu sync.RWMutex

	eventHooks []EventHook
	skipHooks  []SkipHook
	errorHooks []ErrorHook
}

// NewManager creates a new hook manager.
func NewManager() *Manager {
	return &Manager{}
}

// EventInfo describes an event row that was just flushed.
type EventInfo struct {
	Summary model.EventSummary

	// Processed is the number of rows flushed so far, including this one.
	Processed int64

	// RecoTrack is set when a reco jet of this event had a track constituent.
	RecoTrack bool
}

// EventHook is called after each event row is flushed.
// Use cases: progress display, metrics, periodic checkpoints.
type EventHook func(ctx context.Context, info *EventInfo) error

// SkipReason explains why events produced no row.
type SkipReason string

const (
	// SkipOffset marks events before the configured start offset.
	SkipOffset SkipReason = "offset"
	// SkipEmptyTruth marks events without gen jets.
	SkipEmptyTruth SkipReason = "empty-truth"
)

// SkipInfo describes a run of skipped events.
type SkipInfo struct {
	// Entry is the first skipped entry.
	Entry int64
	// Count is the number of consecutive entries skipped.
	Count  int64
	Reason SkipReason
}

// SkipHook is called when events are passed over.
type SkipHook func(ctx context.Context, info SkipInfo)

// ErrorHook is called when a source or sink fails.
// Use cases: alerting, logging, marking checkpoints failed.
type ErrorHook func(ctx context.Context, err error, phase string) error

// RegisterEvent adds an event hook.
func (m *Manager) RegisterEvent(hook EventHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHooks = append(m.eventHooks, hook)
}

// RegisterSkip adds a skip hook.
func (m *Manager) RegisterSkip(hook SkipHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipHooks = append(m.skipHooks, hook)
}

// RegisterError adds an error hook.
func (m *Manager) RegisterError(hook ErrorHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorHooks = append(m.errorHooks, hook)
}

// RunEvent executes all event hooks, stopping at the first error.
func (m *Manager) RunEvent(ctx context.Context, info *EventInfo) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	hooks := m.eventHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// RunSkip executes all skip hooks.
func (m *Manager) RunSkip(ctx context.Context, info SkipInfo) {
	if m == nil || info.Count <= 0 {
		return
	}
	m.mu.RLock()
	hooks := m.skipHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, info)
	}
}

// RunError executes all error hooks. The returned error is err unless a
// hook replaces it.
func (m *Manager) RunError(ctx context.Context, err error, phase string) error {
	if m == nil {
		return err
	}
	m.mu.RLock()
	hooks := m.errorHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if hookErr := hook(ctx, err, phase); hookErr != nil {
			return hookErr
		}
	}
	return err
}

// Clear removes all registered hooks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventHooks = nil
	m.skipHooks = nil
	m.errorHooks = nil
}

// --- Built-in hooks ---

// Every wraps hook so it only runs on every n-th flushed row.
func Every(n int64, hook EventHook) EventHook {
	if n <= 1 {
		return hook
	}
	return func(ctx context.Context, info *EventInfo) error {
		if info.Processed%n != 0 {
			return nil
		}
		return hook(ctx, info)
	}
}

// LoggingHook creates a hook that reports skipped event ranges.
func LoggingHook(logger func(format string, args ...interface{})) SkipHook {
	return func(ctx context.Context, info SkipInfo) {
		logger("skipped %d event(s) from entry %d: %s", info.Count, info.Entry, info.Reason)
	}
}

// --- Progress tracking ---

// Progress contains progress information.
type Progress struct {
	EventsProcessed int64
	EventsSkipped   int64
	LastEntry       int64
}

// ProgressHook is called periodically with progress updates.
type ProgressHook func(progress Progress)

// ProgressTracker tracks and reports progress.
type ProgressTracker struct {
	mu       sync.Mutex
	progress Progress
	hook     ProgressHook
	interval int64 // Report every N events
	counter  int64
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(interval int64, hook ProgressHook) *ProgressTracker {
	return &ProgressTracker{
		interval: interval,
		hook:     hook,
	}
}

// Attach registers the tracker's event and skip hooks on m.
func (t *ProgressTracker) Attach(m *Manager) {
	m.RegisterEvent(func(ctx context.Context, info *EventInfo) error {
		t.addEvent(info.Summary.Entry)
		return nil
	})
	m.RegisterSkip(func(ctx context.Context, info SkipInfo) {
		t.addSkipped(info.Count)
	})
}

func (t *ProgressTracker) addEvent(entry int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.EventsProcessed++
	t.progress.LastEntry = entry
	t.counter++

	if t.counter >= t.interval && t.hook != nil {
		t.hook(t.progress)
		t.counter = 0
	}
}

func (t *ProgressTracker) addSkipped(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.EventsSkipped += n
}

// GetProgress returns a copy of the current progress.
func (t *ProgressTracker) GetProgress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}
