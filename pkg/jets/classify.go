package jets

import (
	"context"

	"go.uber.org/zap"

	"github.com/jetntuple/jetntuple/internal/model"
)

// EmitFunc receives each jet record as it is produced.
type EmitFunc func(ctx context.Context, rec model.JetSummary) error

// Result is the outcome of classifying one collection.
type Result struct {
	Totals model.Totals

	// Constituents aggregated over every jet of the collection.
	Constituents Aggregate

	// SawTrack is set when any jet had a DetectorTrack constituent.
	SawTrack bool
}

// Classifier walks one jet collection of one event.
type Classifier struct {
	agg    *Aggregator
	logger *zap.Logger
	debug  bool
}

// NewClassifier creates a classifier sharing the aggregator's diagnostics mode.
func NewClassifier(logger *zap.Logger, debug bool) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		agg:    NewAggregator(logger, debug),
		logger: logger,
		debug:  debug,
	}
}

// Classify aggregates every jet in order, emits one JetSummary per jet and
// returns the collection totals. The only error it returns is one from emit.
func (c *Classifier) Classify(ctx context.Context, entry int64, coll model.Collection, jets []model.Jet, emit EmitFunc) (Result, error) {
	var res Result

	label := "Truth Jet"
	if coll == model.Reco {
		label = "Reco Jet"
	}

	for i := range jets {
		jet := &jets[i]

		if c.debug {
			c.logger.Debug(label,
				zap.Int("index", i),
				zap.Int("constituents", len(jet.Constituents)),
				zap.Float64("pt", jet.PT),
				zap.Float64("eta", jet.Eta),
				zap.Float64("phi", jet.Phi),
			)
		}

		agg := c.agg.Aggregate(jet.Constituents)

		rec := model.JetSummary{
			Entry:         entry,
			Collection:    coll,
			Index:         i,
			PT:            jet.PT,
			Eta:           jet.Eta,
			Phi:           jet.Phi,
			BTag:          jet.BTag,
			TauTag:        jet.TauTag,
			NConstituents: len(jet.Constituents),
			P4:            agg.P4,
		}
		if err := emit(ctx, rec); err != nil {
			return res, err
		}

		res.Totals.Jets++
		if jet.BTag {
			res.Totals.BJets++
		}
		if jet.TauTag {
			res.Totals.TauJets++
		}

		res.Constituents.Used += agg.Used
		res.Constituents.Tracks += agg.Tracks
		res.Constituents.Nulls += agg.Nulls
		res.Constituents.Unrecognized += agg.Unrecognized
		if agg.Tracks > 0 {
			res.SawTrack = true
		}
	}

	return res, nil
}
