// Package adapters provides the event sources that feed the processor.
package adapters

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
	"github.com/jetntuple/jetntuple/pkg/storage/s3"
)

// ObjectStore opens remote objects. *s3.Client satisfies it.
type ObjectStore interface {
	Open(ctx context.Context, u s3.URI) (io.ReadCloser, error)
}

// Opener opens input paths, local or s3://, and undoes the compression
// named by the file extension (.gz, .zst).
type Opener struct {
	Store ObjectStore
}

// Open returns a reader over the decompressed contents of path.
func (o Opener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	raw, err := o.openRaw(ctx, path)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, jerrors.Wrap(err, jerrors.CodeDecompression, "open gzip stream").WithContext("path", path)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, raw}}, nil

	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, jerrors.Wrap(err, jerrors.CodeDecompression, "open zstd stream").WithContext("path", path)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), raw}}, nil
	}
	return raw, nil
}

func (o Opener) openRaw(ctx context.Context, path string) (io.ReadCloser, error) {
	if s3.IsURI(path) {
		u, err := s3.ParseURI(path)
		if err != nil {
			return nil, err
		}
		if o.Store == nil {
			return nil, jerrors.New(jerrors.CodeS3, "no object store configured").WithContext("path", path)
		}
		return o.Store.Open(ctx, u)
	}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, jerrors.FileNotFound(path)
	case errors.Is(err, fs.ErrPermission):
		return nil, jerrors.Wrap(err, jerrors.CodeFilePermission, "permission denied").WithContext("path", path)
	case err != nil:
		return nil, jerrors.Wrap(err, jerrors.CodeInvalidInput, "open input").WithContext("path", path)
	}
	return f, nil
}

// stackedCloser closes a decompressor and then the stream beneath it.
type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var errs jerrors.MultiError
	for _, c := range s.closers {
		errs.Add(c.Close())
	}
	return errs.Combined()
}

// ExpandInputs turns the -f argument into the ordered list of input files.
// The argument is a comma-separated list; each element is a path, an
// s3:// URI or a glob. Glob matches are sorted; list order is kept.
func ExpandInputs(arg string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(arg, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if s3.IsURI(part) || !strings.ContainsAny(part, "*?[") {
			out = append(out, part)
			continue
		}

		matches, err := filepath.Glob(part)
		if err != nil {
			return nil, jerrors.Wrap(err, jerrors.CodeInvalidInput, "bad input pattern").WithContext("pattern", part)
		}
		if len(matches) == 0 {
			return nil, jerrors.FileNotFound(part)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}

	if len(out) == 0 {
		return nil, jerrors.New(jerrors.CodeInvalidInput, "no input files")
	}
	return out, nil
}
