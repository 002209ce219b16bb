package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jetntuple/jetntuple/internal/model"
	"github.com/jetntuple/jetntuple/pkg/hooks"
	"github.com/jetntuple/jetntuple/pkg/pipeline"
)

// Metrics holds the run counters in a private registry so that a run can
// be exported as a node_exporter textfile without touching global state.
type Metrics struct {
	registry *prometheus.Registry

	// eventsProcessed counts flushed event rows
	eventsProcessed prometheus.Counter

	// eventsSkipped counts events without a row, by reason
	eventsSkipped *prometheus.CounterVec

	// jets counts classified jets by collection and tag
	jets *prometheus.CounterVec

	// recoTrackEvents counts events whose reco jets contained a track
	recoTrackEvents prometheus.Counter

	// constituents counts constituents by collection and outcome
	constituents *prometheus.CounterVec

	// errors counts source and sink failures by phase
	errors *prometheus.CounterVec

	// lastEntry is the entry of the last flushed row
	lastEntry prometheus.Gauge

	// runDuration is the wall time of the finished run
	runDuration prometheus.Gauge
}

// NewMetrics creates the run metrics in a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "jetntuple_events_processed_total",
			Help: "Event rows flushed to the sink",
		}),
		eventsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jetntuple_events_skipped_total",
			Help: "Events that produced no row, by reason",
		}, []string{"reason"}),
		jets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jetntuple_jets_total",
			Help: "Classified jets by collection and tag",
		}, []string{"collection", "tag"}),
		recoTrackEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "jetntuple_reco_track_events_total",
			Help: "Events with a track constituent in a reco jet",
		}),
		constituents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jetntuple_constituents_total",
			Help: "Jet constituents by collection and outcome",
		}, []string{"collection", "outcome"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jetntuple_errors_total",
			Help: "Source and sink failures by phase",
		}, []string{"phase"}),
		lastEntry: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jetntuple_last_entry",
			Help: "Entry number of the last flushed row",
		}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jetntuple_run_duration_seconds",
			Help: "Wall time of the run",
		}),
	}
}

// Registry returns the registry holding the run metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Attach registers the metric hooks on h.
func (m *Metrics) Attach(h *hooks.Manager) {
	h.RegisterEvent(m.onEvent)
	h.RegisterSkip(m.onSkip)
	h.RegisterError(m.onError)
}

func (m *Metrics) onEvent(ctx context.Context, info *hooks.EventInfo) error {
	m.eventsProcessed.Inc()
	m.lastEntry.Set(float64(info.Summary.Entry))
	if info.RecoTrack {
		m.recoTrackEvents.Inc()
	}
	for _, c := range []model.Collection{model.Truth, model.Reco} {
		t := info.Summary.Totals(c)
		m.jets.WithLabelValues(c.String(), "all").Add(float64(t.Jets))
		m.jets.WithLabelValues(c.String(), "b").Add(float64(t.BJets))
		m.jets.WithLabelValues(c.String(), "tau").Add(float64(t.TauJets))
	}
	return nil
}

func (m *Metrics) onSkip(ctx context.Context, info hooks.SkipInfo) {
	m.eventsSkipped.WithLabelValues(string(info.Reason)).Add(float64(info.Count))
}

func (m *Metrics) onError(ctx context.Context, err error, phase string) error {
	m.errors.WithLabelValues(phase).Inc()
	return nil
}

// ObserveReport records the figures only known once the run is over.
func (m *Metrics) ObserveReport(r *pipeline.RunReport) {
	if r == nil {
		return
	}
	m.runDuration.Set(r.Duration().Seconds())
	for _, c := range []model.Collection{model.Truth, model.Reco} {
		agg := r.Stats(c).Constituents
		m.constituents.WithLabelValues(c.String(), "used").Add(float64(agg.Used))
		m.constituents.WithLabelValues(c.String(), "track").Add(float64(agg.Tracks))
		m.constituents.WithLabelValues(c.String(), "null").Add(float64(agg.Nulls))
		m.constituents.WithLabelValues(c.String(), "unrecognized").Add(float64(agg.Unrecognized))
	}
}

// WriteTextfile writes the registry in the text exposition format,
// atomically, for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
