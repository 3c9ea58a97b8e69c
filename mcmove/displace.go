package mcmove

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/gcmc-sampler/box"
)

// Displace translates one random particle by a uniform vector in a ball
// whose radius is the tracker's step size.
type Displace struct {
	name             string
	frequency        int
	cfg              Configuration
	energy           EnergyMeter
	rng              Random
	tracker          *StepTracker
	overlapThreshold float64

	particle   box.Handle
	uOld, uNew float64
	fault      error
}

// NewDisplace builds a translation move adapted by tracker.
func NewDisplace(cfg Configuration, energy EnergyMeter, rng Random, tracker *StepTracker) *Displace {
	return &Displace{
		name:             "displace",
		frequency:        1,
		cfg:              cfg,
		energy:           energy,
		rng:              rng,
		tracker:          tracker,
		overlapThreshold: DefaultOverlapThreshold,
	}
}

func (d *Displace) Name() string               { return d.name }
func (d *Displace) Tracker() Tracker           { return d.tracker }
func (d *Displace) Frequency() int             { return d.frequency }
func (d *Displace) PerParticleFrequency() bool { return true }
func (d *Displace) Fault() error               { return d.fault }

// StepTracker exposes the adaptive step state.
func (d *Displace) StepTracker() *StepTracker { return d.tracker }

func (d *Displace) ProposeTrial() bool {
	d.fault = nil
	n := d.cfg.ParticleCount()
	if n == 0 {
		return false
	}
	d.particle = box.Handle(d.rng.IntN(n))
	d.uOld = d.energy.EnergyOf(d.particle)
	if d.uOld > d.overlapThreshold || math.IsNaN(d.uOld) {
		d.fault = &OverlapError{Move: d.name, Particle: d.particle, Energy: d.uOld}
	}
	step := d.rng.InSphere().Scale(d.tracker.StepSize())
	d.cfg.MoveParticle(d.particle, d.cfg.Position(d.particle).Add(step))
	d.uNew = d.energy.EnergyOf(d.particle)
	return true
}

func (d *Displace) AcceptanceWeight(temperature float64) float64 {
	if math.IsInf(d.uNew, 1) {
		return 0
	}
	return math.Exp(-(d.uNew - d.uOld) / temperature)
}

func (d *Displace) EnergyChange() float64 { return d.uNew - d.uOld }

func (d *Displace) OnAccept() {}

func (d *Displace) OnReject() {
	if err := d.cfg.UndoLastMutation(); err != nil {
		d.fault = fmt.Errorf("%s: undo displacement: %w", d.name, err)
	}
}
