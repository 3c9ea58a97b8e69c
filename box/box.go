// Package box stores the particle configuration sampled by the moves: a
// dense arena of positions inside a periodic cubic boundary, with a
// single-step undo log and a reservoir of recycled particle ids.
package box

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/gcmc-sampler/space"
)

var (
	// ErrNothingToUndo is returned when UndoLastMutation has no recorded mutation.
	ErrNothingToUndo = errors.New("box: no mutation to undo")
	// ErrInvalidLength is returned for non-positive box edges.
	ErrInvalidLength = errors.New("box: edge length must be positive")
)

// Handle indexes a live particle in the arena. Handles are dense in
// [0, ParticleCount) and are only stable until the next removal.
type Handle int

// Particle is a live particle: a persistent id plus a position.
type Particle struct {
	ID  int
	Pos space.Vec3
}

type mutationKind int

const (
	mutationNone mutationKind = iota
	mutationAdd
	mutationRemove
	mutationMove
)

type mutation struct {
	kind     mutationKind
	handle   Handle
	particle Particle
	oldPos   space.Vec3
	swapped  bool
}

// Box is a cubic periodic configuration. It is owned by a single sampler and
// is not safe for concurrent use.
type Box struct {
	length    float64
	particles []Particle
	reservoir []int
	nextID    int
	last      mutation
	version   uint64
}

// New constructs an empty box with edge length.
func New(length float64) (*Box, error) {
	if !(length > 0) || math.IsInf(length, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLength, length)
	}
	return &Box{length: length}, nil
}

// Version counts mutations, undos included. Caches derived from the
// configuration are stale whenever it differs from the value they were built at.
func (b *Box) Version() uint64 { return b.version }

// Length returns the box edge.
func (b *Box) Length() float64 { return b.length }

// Volume returns the box volume.
func (b *Box) Volume() float64 { return b.length * b.length * b.length }

// ParticleCount returns the number of live particles.
func (b *Box) ParticleCount() int { return len(b.particles) }

// Position returns the wrapped position of particle h.
func (b *Box) Position(h Handle) space.Vec3 { return b.particles[h].Pos }

// ID returns the persistent id of particle h.
func (b *Box) ID(h Handle) int { return b.particles[h].ID }

// Particles returns a snapshot of the live particles in handle order.
func (b *Box) Particles() []Particle {
	return append([]Particle(nil), b.particles...)
}

// Wrap maps a position into the primary cell [0, L)^3.
func (b *Box) Wrap(p space.Vec3) space.Vec3 {
	l := b.length
	return p.Map(func(x float64) float64 {
		x -= l * math.Floor(x/l)
		if x >= l {
			x = 0
		}
		return x
	})
}

// NearestImage maps a separation vector to its minimum-image representative.
func (b *Box) NearestImage(dr space.Vec3) space.Vec3 {
	l := b.length
	return dr.Map(func(x float64) float64 {
		return x - l*math.Round(x/l)
	})
}

// Separation returns the minimum-image vector from a to b.
func (b *Box) Separation(from, to space.Vec3) space.Vec3 {
	return b.NearestImage(to.Sub(from))
}

// AddParticle places a new particle at pos and returns its handle. Ids of
// previously removed particles are reused before fresh ones are issued.
func (b *Box) AddParticle(pos space.Vec3) Handle {
	id := b.nextID
	if n := len(b.reservoir); n > 0 {
		id = b.reservoir[n-1]
		b.reservoir = b.reservoir[:n-1]
	} else {
		b.nextID++
	}
	p := Particle{ID: id, Pos: b.Wrap(pos)}
	b.particles = append(b.particles, p)
	h := Handle(len(b.particles) - 1)
	b.last = mutation{kind: mutationAdd, handle: h, particle: p}
	b.version++
	return h
}

// RemoveParticle deletes particle h. The last particle is moved into the
// vacated slot, so the handle of that particle changes to h.
func (b *Box) RemoveParticle(h Handle) {
	p := b.particles[h]
	last := Handle(len(b.particles) - 1)
	swapped := h != last
	if swapped {
		b.particles[h] = b.particles[last]
	}
	b.particles = b.particles[:last]
	b.reservoir = append(b.reservoir, p.ID)
	b.last = mutation{kind: mutationRemove, handle: h, particle: p, swapped: swapped}
	b.version++
}

// MoveParticle sets the position of particle h.
func (b *Box) MoveParticle(h Handle, pos space.Vec3) {
	old := b.particles[h].Pos
	b.particles[h].Pos = b.Wrap(pos)
	b.last = mutation{kind: mutationMove, handle: h, oldPos: old}
	b.version++
}

// UndoLastMutation reverts the most recent add, remove or move exactly,
// including handle order and the id reservoir. Only one level is kept.
func (b *Box) UndoLastMutation() error {
	m := b.last
	b.last = mutation{}
	switch m.kind {
	case mutationAdd:
		b.particles = b.particles[:len(b.particles)-1]
		b.reservoir = append(b.reservoir, m.particle.ID)
	case mutationRemove:
		b.reservoir = b.reservoir[:len(b.reservoir)-1]
		if m.swapped {
			b.particles = append(b.particles, b.particles[m.handle])
			b.particles[m.handle] = m.particle
		} else {
			b.particles = append(b.particles, m.particle)
		}
	case mutationMove:
		b.particles[m.handle].Pos = m.oldPos
	default:
		return ErrNothingToUndo
	}
	b.version++
	return nil
}

// ForEachNeighborWithin calls fn for every particle other than h whose
// minimum-image distance from h is strictly below radius. dr points from h
// to the neighbour. Radius must not exceed half the box edge.
func (b *Box) ForEachNeighborWithin(h Handle, radius float64, fn func(other Handle, dr space.Vec3)) {
	origin := b.particles[h].Pos
	r2 := radius * radius
	for i := range b.particles {
		if Handle(i) == h {
			continue
		}
		dr := b.NearestImage(b.particles[i].Pos.Sub(origin))
		if dr.Norm2() < r2 {
			fn(Handle(i), dr)
		}
	}
}

// SetLength rescales the box and all positions affinely to a new edge.
func (b *Box) SetLength(length float64) error {
	if !(length > 0) || math.IsInf(length, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidLength, length)
	}
	f := length / b.length
	b.length = length
	for i := range b.particles {
		b.particles[i].Pos = b.Wrap(b.particles[i].Pos.Scale(f))
	}
	b.last = mutation{}
	b.version++
	return nil
}
