package writer

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

// Multi writes every row to several outputs.
type Multi struct {
	writers []RowWriter
}

// NewMulti fans rows out to writers in order.
func NewMulti(writers ...RowWriter) *Multi {
	return &Multi{writers: writers}
}

// Name joins the names of the underlying writers.
func (m *Multi) Name() string {
	names := make([]string, len(m.writers))
	for i, w := range m.writers {
		names[i] = w.Name()
	}
	return strings.Join(names, "+")
}

// WriteRow writes the row to each writer and stops at the first failure.
func (m *Multi) WriteRow(ctx context.Context, row *Row) error {
	for _, w := range m.writers {
		if err := w.WriteRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// Close finalizes all writers concurrently. Every writer is closed even
// when another fails; all failures are reported.
func (m *Multi) Close() error {
	var g errgroup.Group
	errs := make([]error, len(m.writers))
	for i, w := range m.writers {
		i, w := i, w
		g.Go(func() error {
			errs[i] = w.Close()
			return nil
		})
	}
	g.Wait()

	var all jerrors.MultiError
	for _, err := range errs {
		all.Add(err)
	}
	return all.Combined()
}
