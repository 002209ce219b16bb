package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFourMomentum_AddIdentity(t *testing.T) {
	p := PxPyPzE(1, 2, 3, 4)

	assert.Equal(t, p, p.Add(FourMomentum{}))
	assert.Equal(t, p, FourMomentum{}.Add(p))
	assert.True(t, FourMomentum{}.IsZero())
	assert.False(t, p.IsZero())
}

func TestFourMomentum_AddCommutes(t *testing.T) {
	p := PxPyPzE(1, 0, 0, 1)
	q := PxPyPzE(0, 1, 0, 1)

	assert.Equal(t, p.Add(q), q.Add(p))
	assert.Equal(t, PxPyPzE(1, 1, 0, 2), p.Add(q))
}

func TestPtEtaPhiM(t *testing.T) {
	p := PtEtaPhiM(10, 0, 0, 0)

	assert.InDelta(t, 10, p.Px, 1e-9)
	assert.InDelta(t, 0, p.Py, 1e-9)
	assert.InDelta(t, 0, p.Pz, 1e-9)
	assert.InDelta(t, 10, p.E, 1e-9)
	assert.InDelta(t, 10, p.Pt(), 1e-9)

	heavy := PtEtaPhiM(3, 0.5, math.Pi/2, 4)
	assert.InDelta(t, 4, heavy.M(), 1e-9)
	assert.InDelta(t, 3, heavy.Pt(), 1e-9)
}

func TestPtEtaPhiE(t *testing.T) {
	p := PtEtaPhiE(5, 0, math.Pi, 7)

	assert.InDelta(t, -5, p.Px, 1e-9)
	assert.InDelta(t, 0, p.Py, 1e-9)
	assert.Equal(t, 7.0, p.E)
}

func TestConstituentKinds(t *testing.T) {
	cases := []struct {
		c    Constituent
		kind Kind
		name string
	}{
		{&SimulatedParticle{}, KindSimulatedParticle, "GenPart"},
		{&DetectorTrack{}, KindDetectorTrack, "Track"},
		{&CalorimeterTower{}, KindCalorimeterTower, "Tower"},
		{&Unrecognized{Class: "Electron"}, KindUnrecognized, "Unrecognized"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, tc.c.Kind())
		assert.Equal(t, tc.name, tc.kind.String())
	}
}

func TestEventSummary_Totals(t *testing.T) {
	var s EventSummary
	s.SetTotals(Truth, Totals{Jets: 3, BJets: 1})
	s.SetTotals(Reco, Totals{Jets: 2, TauJets: 1})

	assert.Equal(t, Totals{Jets: 3, BJets: 1}, s.Totals(Truth))
	assert.Equal(t, Totals{Jets: 2, TauJets: 1}, s.Totals(Reco))
	assert.Equal(t, "gen", Truth.String())
	assert.Equal(t, "reco", Reco.String())
}
