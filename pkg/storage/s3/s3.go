// Package s3 reads event files from and uploads ntuples to S3 or any
// S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

// Scheme is the URI scheme handled by this package.
const Scheme = "s3"

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	Region string

	// Endpoint overrides the default S3 endpoint (for MinIO, LocalStack)
	Endpoint string

	// UsePathStyle forces path-style addressing
	UsePathStyle bool

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	DownloadTimeout time.Duration
	UploadTimeout   time.Duration

	// PartSize is the multipart chunk size in bytes (default: 5MB)
	PartSize int64
}

// DefaultConfig returns sensible defaults for S3 configuration.
func DefaultConfig(region string) Config {
	return Config{
		Region:          region,
		DownloadTimeout: 10 * time.Minute,
		UploadTimeout:   10 * time.Minute,
		PartSize:        5 * 1024 * 1024,
	}
}

// URI is a parsed s3://bucket/key location.
type URI struct {
	Bucket string
	Key    string
}

func (u URI) String() string {
	return "s3://" + u.Bucket + "/" + u.Key
}

// IsURI reports whether path names an S3 object.
func IsURI(path string) bool {
	return strings.HasPrefix(path, Scheme+"://")
}

// ParseURI splits an s3://bucket/key path.
func ParseURI(path string) (URI, error) {
	if !IsURI(path) {
		return URI{}, jerrors.New(jerrors.CodeInvalidInput, "not an s3 uri").WithContext("path", path)
	}
	rest := strings.TrimPrefix(path, Scheme+"://")
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return URI{}, jerrors.New(jerrors.CodeInvalidInput, "s3 uri needs bucket and key").WithContext("path", path)
	}
	return URI{Bucket: bucket, Key: key}, nil
}

// Client provides S3 operations.
type Client struct {
	cfg    Config
	client *s3.Client
}

// NewClient creates a new S3 client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, jerrors.Wrap(err, jerrors.CodeS3, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultConfig("").PartSize
	}
	return &Client{cfg: cfg, client: client}, nil
}

// Open returns a reader for the object. Closing the reader releases the
// download deadline.
func (c *Client) Open(ctx context.Context, u URI) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)

	output, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(u.Key),
	})
	if err != nil {
		cancel()
		return nil, jerrors.Wrap(err, jerrors.CodeS3, "get object").WithContext("uri", u.String())
	}

	return &cancelOnCloseReader{
		ReadCloser: output.Body,
		cancel:     cancel,
	}, nil
}

type cancelOnCloseReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	r.cancel()
	return r.ReadCloser.Close()
}

// Upload copies a local file to the object.
func (c *Client) Upload(ctx context.Context, localPath string, u URI) error {
	f, err := os.Open(localPath)
	if err != nil {
		return jerrors.Wrap(err, jerrors.CodeWriteFailed, "open upload source").WithContext("path", localPath)
	}
	defer f.Close()

	w := c.Writer(ctx, u)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return jerrors.Wrap(err, jerrors.CodeS3, "upload").WithContext("uri", u.String())
	}
	if err := w.Close(); err != nil {
		return jerrors.Wrap(err, jerrors.CodeS3, "complete upload").WithContext("uri", u.String())
	}
	return nil
}

// Writer returns a writer that streams to the object, switching to a
// multipart upload once more than one part has been buffered.
func (c *Client) Writer(ctx context.Context, u URI) io.WriteCloser {
	return &objectWriter{
		api:      c.client,
		ctx:      ctx,
		uri:      u,
		partSize: c.cfg.PartSize,
		timeout:  c.cfg.UploadTimeout,
		buf:      make([]byte, 0, c.cfg.PartSize),
	}
}

// uploadAPI is the subset of *s3.Client used by objectWriter.
type uploadAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

type objectWriter struct {
	api      uploadAPI
	ctx      context.Context
	uri      URI
	partSize int64
	timeout  time.Duration

	mu       sync.Mutex
	buf      []byte
	parts    []types.CompletedPart
	uploadID string
	partNum  int32
	closed   bool
	err      error
}

func (w *objectWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	if w.err != nil {
		return 0, w.err
	}

	w.buf = append(w.buf, p...)
	for int64(len(w.buf)) >= w.partSize {
		if err := w.uploadPartLocked(w.buf[:w.partSize]); err != nil {
			w.err = err
			return len(p), err
		}
		w.buf = w.buf[w.partSize:]
	}
	return len(p), nil
}

func (w *objectWriter) uploadPartLocked(data []byte) error {
	ctx, cancel := w.opCtx()
	defer cancel()

	if w.uploadID == "" {
		out, err := w.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(w.uri.Bucket),
			Key:    aws.String(w.uri.Key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}

	w.partNum++
	out, err := w.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.uri.Bucket),
		Key:        aws.String(w.uri.Key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", w.partNum, err)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	return nil
}

func (w *objectWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}

	// Small object: a single PUT.
	if w.uploadID == "" {
		ctx, cancel := w.opCtx()
		defer cancel()
		_, err := w.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(w.uri.Bucket),
			Key:    aws.String(w.uri.Key),
			Body:   bytes.NewReader(w.buf),
		})
		return err
	}

	if len(w.buf) > 0 {
		if err := w.uploadPartLocked(w.buf); err != nil {
			return err
		}
		w.buf = nil
	}

	ctx, cancel := w.opCtx()
	defer cancel()
	_, err := w.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.uri.Bucket),
		Key:      aws.String(w.uri.Key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	return err
}

func (w *objectWriter) opCtx() (context.Context, context.CancelFunc) {
	if w.timeout <= 0 {
		return context.WithCancel(w.ctx)
	}
	return context.WithTimeout(w.ctx, w.timeout)
}
