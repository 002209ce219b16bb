// Package jets reduces jets to ntuple records: constituent four-momentum
// aggregation and per-collection jet counting.
package jets

import (
	"go.uber.org/zap"

	"github.com/jetntuple/jetntuple/internal/model"
)

// Aggregate is the result of summing one jet's constituents.
type Aggregate struct {
	// P4 is the ordered sum of every non-nil, recognized constituent.
	P4 model.FourMomentum

	// Used counts constituents that contributed to P4.
	Used int

	// Tracks counts DetectorTrack constituents.
	Tracks int

	// Nulls counts nil references.
	Nulls int

	// Unrecognized counts constituents of an unmodeled kind.
	Unrecognized int
}

// Aggregator sums constituent four-momenta.
type Aggregator struct {
	logger *zap.Logger
	debug  bool
}

// NewAggregator creates an aggregator. With debug set, one diagnostic line
// per constituent is logged at debug level.
func NewAggregator(logger *zap.Logger, debug bool) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{logger: logger, debug: debug}
}

// Aggregate sums constituents in list order.
//
// Nil references and constituents of an unrecognized kind are skipped and
// contribute nothing. Neither is an error.
func (a *Aggregator) Aggregate(constituents []model.Constituent) Aggregate {
	var agg Aggregate

	for _, c := range constituents {
		if c == nil {
			agg.Nulls++
			continue
		}

		switch obj := c.(type) {
		case *model.SimulatedParticle:
			if a.debug {
				a.logger.Debug("    GenPart",
					zap.Float64("pt", obj.PT),
					zap.Float64("eta", obj.Eta),
					zap.Float64("phi", obj.Phi),
					zap.Int("pid", obj.PID),
					zap.Int("m1", obj.M1),
					zap.Int("m1_pid", obj.MotherPID),
				)
			}
			agg.P4 = agg.P4.Add(obj.Momentum)
			agg.Used++

		case *model.DetectorTrack:
			if a.debug {
				a.logger.Debug("    Track",
					zap.Float64("pt", obj.PT),
					zap.Float64("eta", obj.Eta),
					zap.Float64("phi", obj.Phi),
				)
			}
			agg.P4 = agg.P4.Add(obj.Momentum)
			agg.Used++
			agg.Tracks++

		case *model.CalorimeterTower:
			if a.debug {
				a.logger.Debug("    Tower",
					zap.Float64("pt", obj.ET),
					zap.Float64("eta", obj.Eta),
					zap.Float64("phi", obj.Phi),
				)
			}
			agg.P4 = agg.P4.Add(obj.Momentum)
			agg.Used++

		default:
			// Unmodeled kinds are dropped from the sum.
			if a.debug {
				class := "unknown"
				if u, ok := obj.(*model.Unrecognized); ok {
					class = u.Class
				}
				a.logger.Debug("    skipping unrecognized constituent", zap.String("class", class))
			}
			agg.Unrecognized++
		}
	}

	return agg
}
