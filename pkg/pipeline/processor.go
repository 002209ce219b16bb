package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jetntuple/jetntuple/internal/model"
	"github.com/jetntuple/jetntuple/pkg/hooks"
	"github.com/jetntuple/jetntuple/pkg/jets"
)

const tracerName = "github.com/jetntuple/jetntuple/pkg/pipeline"

// bannerCollections are the multiplicities printed in the debug banner.
var bannerCollections = []string{"Electron", "Muon", "Photon", "Jet", "GenJet", "Track", "Tower"}

// Processor drives events from an EventSource to a RecordSink.
// It is strictly sequential: events are handled in source order and the gen
// collection of an event is always finished before its reco collection.
type Processor struct {
	cfg        RunConfig
	source     EventSource
	sink       RecordSink
	classifier *jets.Classifier
	hooks      *hooks.Manager
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger used for run and diagnostic lines.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHooks attaches run hooks.
func WithHooks(m *hooks.Manager) Option {
	return func(p *Processor) { p.hooks = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

// NewProcessor creates a processor. The processor owns neither source nor
// sink: the caller closes them after Run returns.
func NewProcessor(cfg RunConfig, source EventSource, sink RecordSink, opts ...Option) *Processor {
	p := &Processor{
		cfg:    cfg,
		source: source,
		sink:   sink,
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.classifier = jets.NewClassifier(p.logger, cfg.Debug)
	return p
}

// Run processes the whole input.
//
// The processor raises no errors of its own; any error returned comes from
// the source or the sink and stops the run. The report is valid either way.
func (p *Processor) Run(ctx context.Context) (*RunReport, error) {
	report := newRunReport(p.cfg)
	defer func() { report.FinishedAt = time.Now() }()

	ctx, span := p.tracer.Start(ctx, "jetntuple.run", trace.WithAttributes(
		attribute.String("source", p.source.Name()),
		attribute.String("sink", p.sink.Name()),
		attribute.Int64("start_offset", p.cfg.StartOffset),
		attribute.Bool("stop_on_reco_track", p.cfg.StopOnRecoTrack),
	))
	defer span.End()

	if c, ok := p.source.(Counter); ok {
		if n, known := c.Entries(); known {
			p.logger.Info(fmt.Sprintf("Total %d entries", n), zap.Int64("entries", n))
		}
	}

	if err := p.skipToOffset(ctx, report); err != nil {
		return report, p.fail(ctx, span, err, "read")
	}

	for {
		if p.cfg.MaxEvents > 0 && report.EventsProcessed >= p.cfg.MaxEvents {
			report.Termination = TerminationMaxEvents
			break
		}

		ev, err := p.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			report.Termination = TerminationEndOfStream
			break
		}
		if err != nil {
			return report, p.fail(ctx, span, fmt.Errorf("read event after entry %d: %w", report.LastEntry, err), "read")
		}
		report.EventsRead++

		stop, err := p.processEvent(ctx, ev, report)
		if err != nil {
			return report, p.fail(ctx, span, err, "write")
		}
		if stop {
			report.Termination = TerminationEarlyStop
			p.logger.Warn("Found tracks in reco jets, stopping run", zap.Int64("entry", ev.Entry))
			break
		}
	}

	span.SetAttributes(
		attribute.Int64("events_processed", report.EventsProcessed),
		attribute.String("termination", report.Termination.String()),
	)
	p.logger.Info("run finished",
		zap.String("termination", report.Termination.String()),
		zap.Int64("events_read", report.EventsRead),
		zap.Int64("events_processed", report.EventsProcessed),
		zap.Int64("events_empty_truth", report.EventsEmptyTruth),
	)
	return report, nil
}

// skipToOffset reads past the events before StartOffset.
func (p *Processor) skipToOffset(ctx context.Context, report *RunReport) error {
	if p.cfg.StartOffset <= 0 {
		return nil
	}

	var skipped int64
	if s, ok := p.source.(Skipper); ok {
		n, err := s.Skip(ctx, p.cfg.StartOffset)
		skipped = n
		if err != nil {
			return fmt.Errorf("skip to entry %d: %w", p.cfg.StartOffset, err)
		}
	} else {
		for skipped < p.cfg.StartOffset {
			_, err := p.source.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("skip to entry %d: %w", p.cfg.StartOffset, err)
			}
			skipped++
		}
	}

	report.SkippedOffset = skipped
	p.hooks.RunSkip(ctx, hooks.SkipInfo{Entry: 0, Count: skipped, Reason: hooks.SkipOffset})
	return nil
}

// processEvent handles one event and reports whether the run must stop.
func (p *Processor) processEvent(ctx context.Context, ev *model.Event, report *RunReport) (bool, error) {
	p.sink.Clear()

	if len(ev.TruthJets) == 0 {
		report.EventsEmptyTruth++
		report.EmptyTruth.Add(uint64(ev.Entry))
		p.hooks.RunSkip(ctx, hooks.SkipInfo{Entry: ev.Entry, Count: 1, Reason: hooks.SkipEmptyTruth})
		return false, nil
	}

	ctx, span := p.tracer.Start(ctx, "jetntuple.event", trace.WithAttributes(attribute.Int64("entry", ev.Entry)))
	defer span.End()

	if p.cfg.Debug {
		p.logBanner(ev)
	}

	summary := model.EventSummary{Entry: ev.Entry}
	var recoTrack bool

	for _, coll := range []model.Collection{model.Truth, model.Reco} {
		res, err := p.classifier.Classify(ctx, ev.Entry, coll, ev.Jets(coll), p.sink.WriteJet)
		if err != nil {
			return false, fmt.Errorf("entry %d: write %s jet: %w", ev.Entry, coll, err)
		}
		if err := p.sink.WriteTotals(ctx, coll, res.Totals); err != nil {
			return false, fmt.Errorf("entry %d: write %s totals: %w", ev.Entry, coll, err)
		}

		summary.SetTotals(coll, res.Totals)
		report.stats(coll).add(res)
		if coll == model.Reco && res.SawTrack {
			recoTrack = true
		}
	}

	if err := p.sink.Flush(ctx); err != nil {
		return false, fmt.Errorf("entry %d: flush: %w", ev.Entry, err)
	}
	report.EventsProcessed++
	report.LastEntry = ev.Entry

	span.SetAttributes(
		attribute.Int("gen_jets", summary.Truth.Jets),
		attribute.Int("reco_jets", summary.Reco.Jets),
	)

	info := &hooks.EventInfo{Summary: summary, Processed: report.EventsProcessed, RecoTrack: recoTrack}
	if err := p.hooks.RunEvent(ctx, info); err != nil {
		return false, fmt.Errorf("entry %d: event hook: %w", ev.Entry, err)
	}

	return p.cfg.StopOnRecoTrack && recoTrack, nil
}

// logBanner prints the per-event multiplicity line.
func (p *Processor) logBanner(ev *model.Event) {
	fields := make([]zap.Field, 0, len(bannerCollections)+1)
	fields = append(fields, zap.Int64("entry", ev.Entry))
	for _, name := range bannerCollections {
		fields = append(fields, zap.Int(name, ev.Multiplicity[name]))
	}
	p.logger.Debug("Event", fields...)
}

func (p *Processor) fail(ctx context.Context, span trace.Span, err error, phase string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return p.hooks.RunError(ctx, err, phase)
}
