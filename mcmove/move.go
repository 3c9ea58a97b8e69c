// Package mcmove implements the trial-move engine: the Move contract, step
// tracking and adaptation, weighted move selection with event fan-out, and
// the biased insertion/deletion moves used for grand-canonical sampling.
package mcmove

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/gcmc-sampler/box"
	"github.com/signalsfoundry/gcmc-sampler/space"
)

var (
	// ErrNoMoves is returned when a trial is requested from an empty manager
	// or one whose effective frequencies are all zero.
	ErrNoMoves = errors.New("mcmove: no move available for selection")
	// ErrOverlap marks a configuration whose energy is above the overlap
	// threshold between trials.
	ErrOverlap = errors.New("mcmove: configuration overlap")
	// ErrInconsistentBalance marks a failed forward/reverse weight check.
	ErrInconsistentBalance = errors.New("mcmove: detailed balance check failed")
	// ErrInvalidRegion is returned for insertion regions that do not fit the
	// coordination cutoff.
	ErrInvalidRegion = errors.New("mcmove: invalid insertion region")
)

// DefaultOverlapThreshold is the energy above which a particle is treated as
// overlapping.
const DefaultOverlapThreshold = 1e10

// Move is one kind of Monte Carlo trial. Between ProposeTrial returning true
// and the next ProposeTrial, exactly one of OnAccept or OnReject is called.
type Move interface {
	Name() string
	// ProposeTrial performs the tentative mutation. It returns false, without
	// mutating anything, when no legal trial exists.
	ProposeTrial() bool
	// AcceptanceWeight returns the Metropolis weight χ of the pending trial.
	AcceptanceWeight(temperature float64) float64
	OnAccept()
	OnReject()
	// EnergyChange is the potential energy difference of the pending trial.
	EnergyChange() float64
	Tracker() Tracker
	// Frequency is the nominal integer selection weight.
	Frequency() int
	// PerParticleFrequency scales the selection weight by the particle count.
	PerParticleFrequency() bool
}

// FaultReporter is implemented by moves that can detect a fatal condition
// while computing the acceptance weight.
type FaultReporter interface {
	Fault() error
}

// Random is the uniform source consumed by the moves.
type Random interface {
	Float64() float64
	IntN(n int) int
	InSphere() space.Vec3
	OnSphere() space.Vec3
}

// SelfChecker is implemented by moves that interleave self-check trials
// with sampling trials. The manager keeps check trials out of the move's
// acceptance statistics.
type SelfChecker interface {
	CheckingTrial() bool
}

// Configuration is the mutable particle set the moves act on. Mutations are
// visible immediately to the energy meter and neighbor query.
type Configuration interface {
	ParticleCount() int
	Position(h box.Handle) space.Vec3
	AddParticle(pos space.Vec3) box.Handle
	RemoveParticle(h box.Handle)
	MoveParticle(h box.Handle, pos space.Vec3)
	UndoLastMutation() error
	Volume() float64
	Length() float64
	// Version changes on every mutation and undo.
	Version() uint64
}

// NeighborQuery enumerates particles strictly within radius of h, excluding
// h itself. dr points from h to the neighbour under the minimum image.
type NeighborQuery interface {
	ForEachNeighborWithin(h box.Handle, radius float64, fn func(other box.Handle, dr space.Vec3))
}

// EnergyMeter evaluates potential energies on the current configuration.
type EnergyMeter interface {
	EnergyOf(h box.Handle) float64
	TotalEnergy() float64
}

// OverlapError is a fatal trial condition: a particle's energy exceeded the
// overlap threshold.
type OverlapError struct {
	Move     string
	Particle box.Handle
	Energy   float64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s: particle %d has energy %g above overlap threshold", e.Move, e.Particle, e.Energy)
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }

// ConsistencyError reports a forward trial whose exact reverse did not carry
// the negated log weight or energy change.
type ConsistencyError struct {
	Move     string
	Particle box.Handle
	// Insert is the direction of the forward trial.
	Insert bool
	// Forward and Reverse are the log acceptance weights with the temperature
	// folded in; their sum should vanish.
	Forward, Reverse float64
	// ForwardEnergy and ReverseEnergy are the energy changes.
	ForwardEnergy, ReverseEnergy float64
}

func (e *ConsistencyError) Error() string {
	dir := "delete"
	if e.Insert {
		dir = "insert"
	}
	return fmt.Sprintf("%s: %s of particle %d not reversible: ln χ forward %g reverse %g (sum %g), ΔU forward %g reverse %g",
		e.Move, dir, e.Particle, e.Forward, e.Reverse, e.Forward+e.Reverse, e.ForwardEnergy, e.ReverseEnergy)
}

func (e *ConsistencyError) Unwrap() error { return ErrInconsistentBalance }
