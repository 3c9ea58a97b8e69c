package mcmove

import "github.com/signalsfoundry/gcmc-sampler/space"

// PositionSource draws insertion positions uniformly over a sampling domain
// and reports the domain's measure.
type PositionSource interface {
	RandomPosition(rng Random) space.Vec3
	Volume() float64
}

// BoxLike is the part of a configuration a UniformPositions source needs.
type BoxLike interface {
	Length() float64
	Volume() float64
}

// UniformPositions samples the whole periodic box.
type UniformPositions struct {
	Box BoxLike
}

func (u UniformPositions) RandomPosition(rng Random) space.Vec3 {
	l := u.Box.Length()
	return space.Vec3{X: l * rng.Float64(), Y: l * rng.Float64(), Z: l * rng.Float64()}
}

func (u UniformPositions) Volume() float64 { return u.Box.Volume() }

// LatticeSites samples a finite site set; its measure is the number of sites.
type LatticeSites struct {
	Sites []space.Vec3
}

func (l LatticeSites) RandomPosition(rng Random) space.Vec3 {
	return l.Sites[rng.IntN(len(l.Sites))]
}

func (l LatticeSites) Volume() float64 { return float64(len(l.Sites)) }
