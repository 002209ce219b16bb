package main

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jetntuple/jetntuple/pkg/adapters"
	"github.com/jetntuple/jetntuple/pkg/checkpoint"
	"github.com/jetntuple/jetntuple/pkg/config"
	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
	"github.com/jetntuple/jetntuple/pkg/hooks"
	"github.com/jetntuple/jetntuple/pkg/lifecycle"
	"github.com/jetntuple/jetntuple/pkg/pipeline"
	"github.com/jetntuple/jetntuple/pkg/storage/s3"
	"github.com/jetntuple/jetntuple/pkg/telemetry"
	"github.com/jetntuple/jetntuple/pkg/tui"
	"github.com/jetntuple/jetntuple/pkg/writer"
)

const (
	shutdownTimeout = 10 * time.Second

	// progressLogEvery is how many events pass between progress lines when
	// the progress bar is off.
	progressLogEvery = 10000
)

// runner holds everything one invocation needs.
type runner struct {
	opts   options
	logger *zap.Logger
	out    io.Writer
	errOut io.Writer
	cfg    *config.Config

	// progressEvery overrides progressLogEvery when positive
	progressEvery int64
}

// run executes one ntuple job. Every failure is logged and the function
// returns normally.
func (r *runner) run(ctx context.Context) {
	mgr := config.NewManager()
	if err := mgr.Load(); err != nil {
		r.logger.Error("load config", zap.Error(err))
		return
	}
	r.cfg = mgr.Get()
	if paths := mgr.GetPaths(); len(paths) > 0 {
		r.logger.Debug("config loaded", zap.Strings("paths", paths))
	}

	cleanup := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{
		Timeout: shutdownTimeout,
		Logger:  r.logger,
	})
	defer cleanup.Shutdown(context.Background()) //nolint:errcheck

	shutdown, err := telemetry.InitTracing(ctx, r.otlpConfig())
	if err != nil {
		r.logger.Warn("tracing disabled", zap.Error(err))
	} else {
		cleanup.Register("tracing", lifecycle.CloseFunc(shutdown))
	}

	inputs, err := adapters.ExpandInputs(r.opts.input)
	if err != nil {
		r.logger.Error("resolve inputs", zap.String("file", r.opts.input), zap.Error(err))
		return
	}

	var store *s3.Client
	if usesS3(inputs, r.opts.output) {
		store, err = r.newS3Client(ctx)
		if err != nil {
			r.logger.Error("object storage", zap.Error(err))
			return
		}
	}

	sourceOpts := []adapters.SourceOption{adapters.WithSourceLogger(r.logger)}
	if store != nil {
		sourceOpts = append(sourceOpts, adapters.WithOpener(adapters.Opener{Store: store}))
	}
	src, err := adapters.NewJSONLSource(inputs, sourceOpts...)
	if err != nil {
		r.logger.Error("open input", zap.Error(err))
		return
	}
	cleanup.RegisterCloser("source", src)

	if r.cfg.Run.CountEntries {
		if _, err := src.CountEntries(ctx); err != nil {
			r.logger.Error("read input", zap.Error(err))
			return
		}
	}

	runID := uuid.NewString()
	sinkOpts := []writer.SinkOption{writer.WithLogger(r.logger)}
	if store != nil {
		sinkOpts = append(sinkOpts, writer.WithUploader(store))
	}
	sink, err := writer.Open(r.opts.output, r.writerConfig(runID, inputs), sinkOpts...)
	if err != nil {
		r.logger.Error("open output",
			zap.String("output", r.opts.output),
			zap.String("code", string(jerrors.GetCode(err))),
			zap.Error(err),
		)
		return
	}

	h := hooks.NewManager()
	h.RegisterSkip(hooks.LoggingHook(r.logger.Sugar().Debugf))
	h.RegisterError(func(ctx context.Context, err error, phase string) error {
		r.logger.Debug("run error", zap.String("phase", phase), zap.Error(err))
		return nil
	})

	metrics := telemetry.NewMetrics()
	metrics.Attach(h)

	var progress *tui.Progress
	if r.cfg.UI.Progress && !r.opts.debug {
		total := int64(-1)
		if n, ok := src.Entries(); ok {
			total = n
		}
		progress = tui.NewProgress(r.errOut, total, "events")
		progress.Attach(h)
	} else {
		r.progressTracker().Attach(h)
	}

	cp := checkpoint.New(inputs, r.opts.output, r.cfg.Run.StartOffset)
	cp.ID = runID
	recorder := r.newRecorder(ctx, cp)
	if recorder != nil {
		if err := recorder.Start(ctx); err != nil {
			r.logger.Warn("checkpoint save failed", zap.Error(err))
		}
		recorder.Attach(h)
		cleanup.RegisterCloser("checkpoint", recorder)
	}

	proc := pipeline.NewProcessor(r.runConfig(), src, sink,
		pipeline.WithLogger(r.logger),
		pipeline.WithHooks(h),
	)
	report, runErr := proc.Run(ctx)
	if progress != nil {
		progress.Finish()
	}

	var errs jerrors.MultiError
	errs.Add(runErr)
	errs.Add(sink.CloseContext(ctx))
	runErr = errs.Combined()

	if recorder != nil {
		if err := recorder.Finish(ctx, report, runErr); err != nil {
			r.logger.Warn("checkpoint save failed", zap.Error(err))
		}
	}

	metrics.ObserveReport(report)
	if path := r.cfg.Telemetry.MetricsFile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			r.logger.Warn("write metrics", zap.String("path", path), zap.Error(err))
		}
	}

	if runErr != nil {
		r.logFailure(runErr, report)
	}
	if r.cfg.UI.Summary {
		tui.PrintSummary(r.out, report, r.opts.output, runErr)
	}
}

// progressTracker logs a progress line every few thousand events.
func (r *runner) progressTracker() *hooks.ProgressTracker {
	every := r.progressEvery
	if every <= 0 {
		every = progressLogEvery
	}
	return hooks.NewProgressTracker(every, func(p hooks.Progress) {
		r.logger.Info("progress",
			zap.Int64("events_processed", p.EventsProcessed),
			zap.Int64("events_skipped", p.EventsSkipped),
			zap.Int64("last_entry", p.LastEntry),
		)
	})
}

func (r *runner) logFailure(runErr error, report *pipeline.RunReport) {
	fields := []zap.Field{
		zap.String("code", string(jerrors.GetCode(runErr))),
		zap.Int64("last_entry", report.LastEntry),
		zap.Error(runErr),
	}
	if jerrors.IsCode(runErr, jerrors.CodeContextCanceled) {
		r.logger.Warn("run canceled", fields...)
	} else {
		r.logger.Error("run failed", fields...)
	}

	var je *jerrors.Error
	if errors.As(runErr, &je) {
		r.logger.Debug("error origin", zap.String("stack", je.FormatStack()))
	}
}

func (r *runner) runConfig() pipeline.RunConfig {
	return pipeline.RunConfig{
		StartOffset:     r.cfg.Run.StartOffset,
		StopOnRecoTrack: r.cfg.Run.StopOnRecoTrack,
		MaxEvents:       r.cfg.Run.MaxEvents,
		Debug:           r.opts.debug,
	}
}

func (r *runner) writerConfig(runID string, inputs []string) writer.Config {
	wcfg := writer.DefaultConfig()
	wcfg.Compression = writer.ParseCompression(r.cfg.Output.Compression)
	if r.cfg.Output.BatchSize > 0 {
		wcfg.BatchSize = r.cfg.Output.BatchSize
	}
	wcfg.Metadata = map[string]string{
		"run_id":             runID,
		"inputs":             strings.Join(inputs, ","),
		"start_offset":       strconv.FormatInt(r.cfg.Run.StartOffset, 10),
		"stop_on_reco_track": strconv.FormatBool(r.cfg.Run.StopOnRecoTrack),
		"created_at":         time.Now().UTC().Format(time.RFC3339),
	}
	return wcfg
}

func (r *runner) otlpConfig() telemetry.OTLPConfig {
	ocfg := telemetry.DefaultOTLPConfig(r.cfg.Telemetry.ServiceName)
	ocfg.Endpoint = r.cfg.Telemetry.OTLPEndpoint
	ocfg.Insecure = r.cfg.Telemetry.Insecure
	ocfg.SamplingRatio = r.cfg.Telemetry.SampleRate
	return ocfg
}

func (r *runner) newS3Client(ctx context.Context) (*s3.Client, error) {
	scfg := s3.DefaultConfig(r.cfg.Storage.S3.Region)
	scfg.Endpoint = r.cfg.Storage.S3.Endpoint
	scfg.UsePathStyle = r.cfg.Storage.S3.PathStyle
	return s3.NewClient(ctx, scfg)
}

// newRecorder returns nil when checkpointing is off or its backend is
// unavailable; the run goes ahead either way.
func (r *runner) newRecorder(ctx context.Context, cp *checkpoint.Checkpoint) *checkpoint.Recorder {
	c := r.cfg.Checkpoint

	var backend checkpoint.Backend
	switch c.Backend {
	case "", "none":
		return nil
	case "file":
		b, err := checkpoint.NewFileBackend(c.Dir)
		if err != nil {
			r.logger.Warn("checkpoints disabled", zap.Error(err))
			return nil
		}
		backend = b
	case "redis":
		rcfg := checkpoint.DefaultRedisConfig(c.RedisAddr)
		rcfg.Prefix = c.Prefix
		rcfg.TTL = c.TTL
		b, err := checkpoint.NewRedisBackend(ctx, rcfg)
		if err != nil {
			r.logger.Warn("checkpoints disabled", zap.Error(err))
			return nil
		}
		backend = b
	default:
		r.logger.Warn("unknown checkpoint backend, checkpoints disabled", zap.String("backend", c.Backend))
		return nil
	}

	r.logger.Debug("checkpoints enabled", zap.String("backend", backend.Name()), zap.String("id", cp.ID))
	return checkpoint.NewRecorder(backend, cp, c.Every, r.logger)
}

func usesS3(inputs []string, outputs string) bool {
	for _, in := range inputs {
		if s3.IsURI(in) {
			return true
		}
	}
	for _, out := range strings.Split(outputs, ",") {
		if s3.IsURI(strings.TrimSpace(out)) {
			return true
		}
	}
	return false
}
