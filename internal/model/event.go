// Package model defines core data structures for jetntuple.
package model

// Collection selects one of the two jet collections of an event.
type Collection uint8

const (
	// Truth jets are clustered from generator-level particles.
	Truth Collection = iota
	// Reco jets are clustered from detector-level objects.
	Reco
)

// String returns the collection prefix used in ntuple column names.
func (c Collection) String() string {
	if c == Truth {
		return "gen"
	}
	return "reco"
}

// Jet is a pre-built jet with upstream tag decisions.
// Constituents are shared, read-only references into the event's
// particle, track and tower collections; entries may be nil.
type Jet struct {
	PT   float64
	Eta  float64
	Phi  float64
	Mass float64

	BTag   bool
	TauTag bool

	Constituents []Constituent
}

// Event is one entry of the input sequence.
// It only lives for the duration of processing that entry.
type Event struct {
	// Entry is the ordinal of the event in the (chained) input.
	Entry int64

	TruthJets []Jet
	RecoJets  []Jet

	// Multiplicity holds the size of every named collection in the entry,
	// including collections the processor does not use (Electron, Muon, ...).
	Multiplicity map[string]int
}

// Jets returns the jet collection selected by c.
func (e *Event) Jets(c Collection) []Jet {
	if c == Truth {
		return e.TruthJets
	}
	return e.RecoJets
}

// JetSummary is the per-jet ntuple record.
type JetSummary struct {
	Entry      int64
	Collection Collection
	Index      int

	PT  float64
	Eta float64
	Phi float64

	BTag   bool
	TauTag bool

	// NConstituents counts the list entries, including nil references.
	NConstituents int

	// P4 is the ordered sum of the recognized constituents' momenta.
	P4 FourMomentum
}

// Totals are the jet counts of one collection in one event.
// BJets and TauJets never exceed Jets.
type Totals struct {
	Jets    int
	BJets   int
	TauJets int
}

// EventSummary is the per-event ntuple record.
type EventSummary struct {
	Entry int64
	Truth Totals
	Reco  Totals
}

// Totals returns the counts of collection c.
func (s *EventSummary) Totals(c Collection) Totals {
	if c == Truth {
		return s.Truth
	}
	return s.Reco
}

// SetTotals stores the counts of collection c.
func (s *EventSummary) SetTotals(c Collection, t Totals) {
	if c == Truth {
		s.Truth = t
	} else {
		s.Reco = t
	}
}
