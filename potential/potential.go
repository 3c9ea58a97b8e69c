// Package potential provides pair potentials and a pair-sum energy meter
// over a box configuration.
package potential

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/gcmc-sampler/box"
	"github.com/signalsfoundry/gcmc-sampler/space"
)

// Pair is a spherically symmetric pair potential.
type Pair interface {
	// Energy returns the pair energy at squared separation r2.
	Energy(r2 float64) float64
	// Range is the separation beyond which Energy is zero.
	Range() float64
}

// Ideal is the non-interacting potential.
type Ideal struct{}

func (Ideal) Energy(float64) float64 { return 0 }
func (Ideal) Range() float64         { return 0 }

// HardSphere is infinite below Sigma and zero beyond. With Sigma smaller than
// the lattice spacing it enforces single occupancy of lattice sites.
type HardSphere struct {
	Sigma float64
}

func (h HardSphere) Energy(r2 float64) float64 {
	if r2 < h.Sigma*h.Sigma {
		return math.Inf(1)
	}
	return 0
}

func (h HardSphere) Range() float64 { return h.Sigma }

// LennardJones is the 12-6 potential truncated at Cutoff and, when Shift is
// set, shifted to zero there.
type LennardJones struct {
	Epsilon float64
	Sigma   float64
	Cutoff  float64
	Shift   bool

	offset float64
}

// NewLennardJones validates the parameters and precomputes the shift.
func NewLennardJones(epsilon, sigma, cutoff float64, shift bool) (*LennardJones, error) {
	if epsilon <= 0 || sigma <= 0 || cutoff <= 0 {
		return nil, fmt.Errorf("lennard-jones parameters must be positive (epsilon=%v sigma=%v cutoff=%v)", epsilon, sigma, cutoff)
	}
	lj := &LennardJones{Epsilon: epsilon, Sigma: sigma, Cutoff: cutoff, Shift: shift}
	if shift {
		lj.offset = lj.raw(cutoff * cutoff)
	}
	return lj, nil
}

func (lj *LennardJones) raw(r2 float64) float64 {
	s2 := lj.Sigma * lj.Sigma / r2
	s6 := s2 * s2 * s2
	return 4 * lj.Epsilon * (s6*s6 - s6)
}

func (lj *LennardJones) Energy(r2 float64) float64 {
	if r2 >= lj.Cutoff*lj.Cutoff {
		return 0
	}
	if r2 == 0 {
		return math.Inf(1)
	}
	return lj.raw(r2) - lj.offset
}

func (lj *LennardJones) Range() float64 { return lj.Cutoff }

// Meter sums a pair potential over a box.
type Meter struct {
	box  *box.Box
	pair Pair
}

// NewMeter binds a pair potential to a box.
func NewMeter(b *box.Box, pair Pair) *Meter {
	return &Meter{box: b, pair: pair}
}

// EnergyOf returns the interaction energy of particle h with all others. It
// is valid for a particle that has been added tentatively.
func (m *Meter) EnergyOf(h box.Handle) float64 {
	rc := m.pair.Range()
	if rc <= 0 {
		return 0
	}
	var u float64
	m.box.ForEachNeighborWithin(h, rc, func(_ box.Handle, dr space.Vec3) {
		u += m.pair.Energy(dr.Norm2())
	})
	return u
}

// TotalEnergy returns the energy of the whole configuration.
func (m *Meter) TotalEnergy() float64 {
	if m.pair.Range() <= 0 {
		return 0
	}
	var u float64
	for i := 0; i < m.box.ParticleCount(); i++ {
		u += m.EnergyOf(box.Handle(i))
	}
	return u / 2
}
