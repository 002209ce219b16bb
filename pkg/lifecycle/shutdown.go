// Package lifecycle releases a run's resources in reverse order of
// acquisition once the run is over.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

// Closer interface for resources that need cleanup.
type Closer interface {
	Close() error
}

// CloseFunc is a cleanup step that honors a deadline.
type CloseFunc func(ctx context.Context) error

type step struct {
	name string
	fn   CloseFunc
}

// ShutdownManager runs registered cleanup steps last-in first-out.
type ShutdownManager struct {
	mu sync.Mutex

	timeout time.Duration
	logger  *zap.Logger

	steps []step
	done  bool
}

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	// Timeout bounds the whole shutdown
	Timeout time.Duration
	Logger  *zap.Logger
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Timeout: 30 * time.Second,
	}
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultShutdownConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ShutdownManager{timeout: cfg.Timeout, logger: cfg.Logger}
}

// Register adds a named cleanup step.
func (m *ShutdownManager) Register(name string, fn CloseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// RegisterCloser adds a resource to be closed during shutdown.
func (m *ShutdownManager) RegisterCloser(name string, c Closer) {
	m.Register(name, func(context.Context) error { return c.Close() })
}

// Shutdown runs every step, newest first, even when earlier steps fail.
// Later calls are no-ops.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	steps := m.steps
	m.steps = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var errs jerrors.MultiError
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := s.fn(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = jerrors.Wrap(err, jerrors.CodeTimeout, "shutdown step timed out").WithContext("step", s.name)
			}
			m.logger.Warn("shutdown step failed", zap.String("step", s.name), zap.Error(err))
			errs.Add(err)
			continue
		}
		m.logger.Debug("shutdown step done", zap.String("step", s.name))
	}
	if errs.HasErrors() {
		m.logger.Warn("shutdown incomplete", zap.Int("failed", len(errs.Errors)), zap.Int("steps", len(steps)))
	}
	return errs.Combined()
}
