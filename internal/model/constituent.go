package model

// Kind identifies the concrete type behind a Constituent.
type Kind uint8

const (
	KindUnrecognized Kind = iota
	KindSimulatedParticle
	KindDetectorTrack
	KindCalorimeterTower
)

// String returns the kind name used in diagnostics.
func (k Kind) String() string {
	switch k {
	case KindSimulatedParticle:
		return "GenPart"
	case KindDetectorTrack:
		return "Track"
	case KindCalorimeterTower:
		return "Tower"
	default:
		return "Unrecognized"
	}
}

// Constituent is an object contributing to a jet.
// The set of implementations is closed: SimulatedParticle, DetectorTrack,
// CalorimeterTower and Unrecognized. A nil Constituent is a null reference.
type Constituent interface {
	// Kind reports the concrete variant.
	Kind() Kind

	// P4 returns the object's own four-momentum.
	P4() FourMomentum

	constituent()
}

// SimulatedParticle is a generator-level particle.
type SimulatedParticle struct {
	PT  float64
	Eta float64
	Phi float64

	// PID is the PDG particle code.
	PID int

	// M1 is the index of the first mother in the particle collection, -1 if none.
	M1 int

	// MotherPID is the PDG code of particle M1, 0 if M1 does not resolve.
	MotherPID int

	Momentum FourMomentum
}

func (*SimulatedParticle) Kind() Kind         { return KindSimulatedParticle }
func (p *SimulatedParticle) P4() FourMomentum { return p.Momentum }
func (*SimulatedParticle) constituent()       {}

// DetectorTrack is a reconstructed charged-particle track.
type DetectorTrack struct {
	PT  float64
	Eta float64
	Phi float64

	Momentum FourMomentum
}

func (*DetectorTrack) Kind() Kind         { return KindDetectorTrack }
func (t *DetectorTrack) P4() FourMomentum { return t.Momentum }
func (*DetectorTrack) constituent()       {}

// CalorimeterTower is a calorimeter energy deposit.
type CalorimeterTower struct {
	ET  float64
	Eta float64
	Phi float64

	Momentum FourMomentum
}

func (*CalorimeterTower) Kind() Kind         { return KindCalorimeterTower }
func (t *CalorimeterTower) P4() FourMomentum { return t.Momentum }
func (*CalorimeterTower) constituent()       {}

// Unrecognized is a constituent whose object class is not one of the three
// modeled kinds. It carries whatever momentum the source supplied, but
// aggregation never adds it.
type Unrecognized struct {
	// Class names the source object class or collection (e.g. "Electron").
	Class string

	Momentum FourMomentum
}

func (*Unrecognized) Kind() Kind         { return KindUnrecognized }
func (u *Unrecognized) P4() FourMomentum { return u.Momentum }
func (*Unrecognized) constituent()       {}
