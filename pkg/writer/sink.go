package writer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jetntuple/jetntuple/internal/model"
	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
	"github.com/jetntuple/jetntuple/pkg/pipeline"
	"github.com/jetntuple/jetntuple/pkg/resilience"
	"github.com/jetntuple/jetntuple/pkg/storage/s3"
)

// Uploader copies a finished local output to object storage.
// *s3.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, localPath string, u s3.URI) error
}

// Sink adapts a RowWriter to pipeline.RecordSink. It assembles the
// current event row from WriteJet and WriteTotals calls and hands it to
// the writer on Flush.
type Sink struct {
	w      RowWriter
	row    Row
	rows   int64
	logger *zap.Logger

	uploads  []pendingUpload
	uploader Uploader
	retry    resilience.RetryPolicy
}

var _ pipeline.RecordSink = (*Sink)(nil)

type pendingUpload struct {
	local string
	dest  s3.URI
}

// NewSink wraps an already open RowWriter.
func NewSink(w RowWriter) *Sink {
	return &Sink{w: w, logger: zap.NewNop(), retry: resilience.DefaultRetryPolicy()}
}

// SinkOption configures Open.
type SinkOption func(*Sink)

// WithUploader enables s3:// outputs.
func WithUploader(u Uploader) SinkOption {
	return func(s *Sink) { s.uploader = u }
}

// WithRetryPolicy sets how failed uploads are retried.
func WithRetryPolicy(p resilience.RetryPolicy) SinkOption {
	return func(s *Sink) { s.retry = p }
}

// WithLogger sets the logger for output lifecycle lines.
func WithLogger(l *zap.Logger) SinkOption {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open creates a sink for a comma-separated list of outputs. Each output
// picks its format from its extension. s3:// outputs are staged in a
// temporary file and uploaded when the sink is closed.
func Open(outputs string, cfg Config, opts ...SinkOption) (*Sink, error) {
	s := &Sink{logger: zap.NewNop(), retry: resilience.DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(s)
	}

	var writers []RowWriter
	cleanup := func() {
		for _, w := range writers {
			w.Close()
		}
		s.removeStaged()
	}

	for _, out := range strings.Split(outputs, ",") {
		out = strings.TrimSpace(out)
		if out == "" {
			continue
		}

		format := FormatFromPath(out)
		if !format.Supported() {
			cleanup()
			return nil, jerrors.New(jerrors.CodeUnknownFormat, "unknown output format").
				WithContext("output", out).
				WithContext("format", string(format))
		}

		local := out
		if s3.IsURI(out) {
			u, err := s3.ParseURI(out)
			if err != nil {
				cleanup()
				return nil, err
			}
			if s.uploader == nil {
				cleanup()
				return nil, jerrors.New(jerrors.CodeS3, "no object store configured").WithContext("output", out)
			}
			local, err = stagingPath(out)
			if err != nil {
				cleanup()
				return nil, err
			}
			s.uploads = append(s.uploads, pendingUpload{local: local, dest: u})
		}

		w, err := NewRowWriter(format, local, cfg)
		if err != nil {
			cleanup()
			return nil, err
		}
		s.logger.Debug("opened output", zap.String("output", out), zap.String("format", w.Name()))
		writers = append(writers, w)
	}

	switch len(writers) {
	case 0:
		return nil, jerrors.New(jerrors.CodeInvalidInput, "no output given")
	case 1:
		s.w = writers[0]
	default:
		s.w = NewMulti(writers...)
	}
	return s, nil
}

func stagingPath(out string) (string, error) {
	f, err := os.CreateTemp("", "jetntuple-*"+filepath.Ext(out))
	if err != nil {
		return "", jerrors.Wrap(err, jerrors.CodeWriteFailed, "create staging file")
	}
	name := f.Name()
	f.Close()
	// Writers create the file themselves.
	os.Remove(name)
	return name, nil
}

// Name returns the underlying writer name.
func (s *Sink) Name() string {
	return s.w.Name()
}

// Clear implements pipeline.RecordSink.
func (s *Sink) Clear() {
	s.row.Entry = 0
	s.row.Gen = model.Totals{}
	s.row.Reco = model.Totals{}
	s.row.GenJets = s.row.GenJets[:0]
	s.row.RecoJets = s.row.RecoJets[:0]
}

// WriteJet implements pipeline.RecordSink.
func (s *Sink) WriteJet(ctx context.Context, rec model.JetSummary) error {
	s.row.Entry = rec.Entry
	if rec.Collection == model.Truth {
		s.row.GenJets = append(s.row.GenJets, rec)
	} else {
		s.row.RecoJets = append(s.row.RecoJets, rec)
	}
	return nil
}

// WriteTotals implements pipeline.RecordSink.
func (s *Sink) WriteTotals(ctx context.Context, coll model.Collection, totals model.Totals) error {
	if coll == model.Truth {
		s.row.Gen = totals
	} else {
		s.row.Reco = totals
	}
	return nil
}

// Flush implements pipeline.RecordSink.
func (s *Sink) Flush(ctx context.Context) error {
	if err := s.w.WriteRow(ctx, &s.row); err != nil {
		return jerrors.WriteError(s.w.Name(), err).WithContext("entry", s.row.Entry)
	}
	s.rows++
	return nil
}

// Rows returns the number of rows flushed.
func (s *Sink) Rows() int64 {
	return s.rows
}

// Close finalizes every output and performs pending uploads.
func (s *Sink) Close() error {
	return s.CloseContext(context.Background())
}

// CloseContext is Close with a context for the uploads.
func (s *Sink) CloseContext(ctx context.Context) error {
	defer s.removeStaged()

	if err := s.w.Close(); err != nil {
		return jerrors.Wrap(err, jerrors.CodeFinalizeFailed, "close output").WithContext("sink", s.w.Name())
	}

	var errs jerrors.MultiError
	for _, up := range s.uploads {
		policy := s.retry
		if policy.OnRetry == nil {
			policy.OnRetry = func(err error, wait time.Duration) {
				s.logger.Warn("upload failed, retrying",
					zap.String("uri", up.dest.String()),
					zap.Duration("wait", wait),
					zap.Error(err),
				)
			}
		}
		err := resilience.Retry(ctx, policy, func() error {
			return s.uploader.Upload(ctx, up.local, up.dest)
		})
		if err != nil {
			errs.Add(err)
			continue
		}
		s.logger.Info("uploaded output", zap.String("uri", up.dest.String()))
	}
	return errs.Combined()
}

func (s *Sink) removeStaged() {
	for _, up := range s.uploads {
		os.Remove(up.local)
	}
}
