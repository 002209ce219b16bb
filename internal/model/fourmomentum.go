package model

import "math"

// FourMomentum is an energy-momentum vector (Px, Py, Pz, E).
// The zero value is the additive identity.
type FourMomentum struct {
	Px float64
	Py float64
	Pz float64
	E  float64
}

// PxPyPzE builds a four-momentum from Cartesian components.
func PxPyPzE(px, py, pz, e float64) FourMomentum {
	return FourMomentum{Px: px, Py: py, Pz: pz, E: e}
}

// PtEtaPhiM builds a four-momentum from transverse momentum, pseudorapidity,
// azimuth and invariant mass.
func PtEtaPhiM(pt, eta, phi, m float64) FourMomentum {
	pt = math.Abs(pt)
	px := pt * math.Cos(phi)
	py := pt * math.Sin(phi)
	pz := pt * math.Sinh(eta)
	p2 := px*px + py*py + pz*pz
	var e float64
	if m >= 0 {
		e = math.Sqrt(p2 + m*m)
	} else {
		e = math.Sqrt(math.Max(p2-m*m, 0))
	}
	return FourMomentum{Px: px, Py: py, Pz: pz, E: e}
}

// PtEtaPhiE builds a four-momentum from transverse momentum, pseudorapidity,
// azimuth and energy.
func PtEtaPhiE(pt, eta, phi, e float64) FourMomentum {
	pt = math.Abs(pt)
	return FourMomentum{
		Px: pt * math.Cos(phi),
		Py: pt * math.Sin(phi),
		Pz: pt * math.Sinh(eta),
		E:  e,
	}
}

// Add returns the componentwise sum of p and q.
func (p FourMomentum) Add(q FourMomentum) FourMomentum {
	return FourMomentum{
		Px: p.Px + q.Px,
		Py: p.Py + q.Py,
		Pz: p.Pz + q.Pz,
		E:  p.E + q.E,
	}
}

// IsZero reports whether every component is exactly zero.
func (p FourMomentum) IsZero() bool {
	return p == FourMomentum{}
}

// Pt returns the transverse momentum.
func (p FourMomentum) Pt() float64 {
	return math.Hypot(p.Px, p.Py)
}

// M returns the invariant mass. Space-like vectors return -sqrt(-m2).
func (p FourMomentum) M() float64 {
	m2 := p.E*p.E - (p.Px*p.Px + p.Py*p.Py + p.Pz*p.Pz)
	if m2 < 0 {
		return -math.Sqrt(-m2)
	}
	return math.Sqrt(m2)
}
