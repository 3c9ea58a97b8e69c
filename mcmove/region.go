package mcmove

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/gcmc-sampler/space"
)

// InsertRegion is the set of offsets, relative to an under-coordinated
// partner, at which a vacancy insertion may place a particle. The proposal
// density of an offset o is Multiplicity(o)/Volume().
type InsertRegion interface {
	Sample(rng Random) space.Vec3
	// Multiplicity counts the sub-regions containing offset.
	Multiplicity(offset space.Vec3) int
	// Volume is the summed volume of the sub-regions.
	Volume() float64
	// Reach bounds the length of any offset in the region.
	Reach() float64
	// Scaled returns the region with its lattice geometry scaled by f.
	Scaled(f float64) InsertRegion
}

// LatticeRegion is a set of balls of radius Delta centred on lattice
// neighbour vectors.
type LatticeRegion struct {
	offsets []space.Vec3
	delta   float64
	minLen  float64
	maxLen  float64
}

// NewLatticeRegion builds a region around offsets with ball radius delta.
func NewLatticeRegion(offsets []space.Vec3, delta float64) (*LatticeRegion, error) {
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: no lattice offsets", ErrInvalidRegion)
	}
	if !(delta > 0) {
		return nil, fmt.Errorf("%w: insertion radius %v must be positive", ErrInvalidRegion, delta)
	}
	r := &LatticeRegion{offsets: append([]space.Vec3(nil), offsets...), delta: delta}
	r.minLen = math.Inf(1)
	for _, o := range offsets {
		l := o.Norm()
		r.minLen = math.Min(r.minLen, l)
		r.maxLen = math.Max(r.maxLen, l)
	}
	return r, nil
}

// Offsets returns the ball centres.
func (r *LatticeRegion) Offsets() []space.Vec3 { return append([]space.Vec3(nil), r.offsets...) }

// Delta returns the ball radius.
func (r *LatticeRegion) Delta() float64 { return r.delta }

func (r *LatticeRegion) Sample(rng Random) space.Vec3 {
	k := rng.IntN(len(r.offsets))
	return r.offsets[k].Add(rng.InSphere().Scale(r.delta))
}

func (r *LatticeRegion) Multiplicity(offset space.Vec3) int {
	l2 := offset.Norm2()
	hi := r.maxLen + r.delta
	if l2 >= hi*hi {
		return 0
	}
	if lo := r.minLen - r.delta; lo > 0 && l2 <= lo*lo {
		return 0
	}
	d2 := r.delta * r.delta
	count := 0
	for _, o := range r.offsets {
		if offset.Sub(o).Norm2() < d2 {
			count++
		}
	}
	return count
}

func (r *LatticeRegion) Volume() float64 {
	return float64(len(r.offsets)) * 4.0 / 3.0 * math.Pi * r.delta * r.delta * r.delta
}

func (r *LatticeRegion) Reach() float64 { return r.maxLen + r.delta }

func (r *LatticeRegion) Scaled(f float64) InsertRegion {
	scaled := make([]space.Vec3, len(r.offsets))
	for i, o := range r.offsets {
		scaled[i] = o.Scale(f)
	}
	out, _ := NewLatticeRegion(scaled, r.delta)
	return out
}

// ShellRegion is a spherical shell (Distance-Delta, Distance+Delta) for
// insertion next to particles without long-range order.
type ShellRegion struct {
	distance float64
	delta    float64
}

// NewShellRegion builds a shell around the neighbour distance.
func NewShellRegion(distance, delta float64) (*ShellRegion, error) {
	if !(delta > 0) || delta >= distance {
		return nil, fmt.Errorf("%w: shell half-width %v must lie in (0, %v)", ErrInvalidRegion, delta, distance)
	}
	return &ShellRegion{distance: distance, delta: delta}, nil
}

func (s *ShellRegion) Sample(rng Random) space.Vec3 {
	lo, hi := s.distance-s.delta, s.distance+s.delta
	lo3, hi3 := lo*lo*lo, hi*hi*hi
	r := math.Cbrt(lo3 + rng.Float64()*(hi3-lo3))
	return rng.OnSphere().Scale(r)
}

func (s *ShellRegion) Multiplicity(offset space.Vec3) int {
	lo, hi := s.distance-s.delta, s.distance+s.delta
	l2 := offset.Norm2()
	if l2 > lo*lo && l2 < hi*hi {
		return 1
	}
	return 0
}

func (s *ShellRegion) Volume() float64 {
	lo, hi := s.distance-s.delta, s.distance+s.delta
	return 4.0 / 3.0 * math.Pi * (hi*hi*hi - lo*lo*lo)
}

func (s *ShellRegion) Reach() float64 { return s.distance + s.delta }

func (s *ShellRegion) Scaled(f float64) InsertRegion {
	return &ShellRegion{distance: s.distance * f, delta: s.delta}
}
