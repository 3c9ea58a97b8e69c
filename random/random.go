// Package random provides the seeded uniform source consumed by the trial
// moves.
package random

import (
	"math"
	"math/rand/v2"

	"github.com/signalsfoundry/gcmc-sampler/space"
)

// Source draws uniform variates from a PCG generator. It is not safe for
// concurrent use; each sampler owns exactly one.
type Source struct {
	r    *rand.Rand
	seed uint64
}

// New returns a Source seeded deterministically from seed.
func New(seed uint64) *Source {
	return &Source{
		r:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		seed: seed,
	}
}

// Seed reports the seed the source was created with.
func (s *Source) Seed() uint64 { return s.seed }

// Float64 returns a uniform double in [0, 1).
func (s *Source) Float64() float64 { return s.r.Float64() }

// IntN returns a uniform int in [0, n). It panics if n <= 0.
func (s *Source) IntN(n int) int { return s.r.IntN(n) }

// InCube returns a point uniform in the cube [-0.5, 0.5)^3.
func (s *Source) InCube() space.Vec3 {
	return space.Vec3{X: s.r.Float64() - 0.5, Y: s.r.Float64() - 0.5, Z: s.r.Float64() - 0.5}
}

// InSphere returns a point uniform in the unit ball.
func (s *Source) InSphere() space.Vec3 {
	for {
		v := space.Vec3{X: 2*s.r.Float64() - 1, Y: 2*s.r.Float64() - 1, Z: 2*s.r.Float64() - 1}
		if v.Norm2() < 1 {
			return v
		}
	}
}

// OnSphere returns a point uniform on the unit sphere.
func (s *Source) OnSphere() space.Vec3 {
	z := 2*s.r.Float64() - 1
	phi := 2 * math.Pi * s.r.Float64()
	rho := math.Sqrt(1 - z*z)
	return space.Vec3{X: rho * math.Cos(phi), Y: rho * math.Sin(phi), Z: z}
}
