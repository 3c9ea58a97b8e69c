// Package integrator drives a move manager through repeated Monte Carlo
// trials and notifies interval listeners between them.
package integrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/gcmc-sampler/internal/logging"
	"github.com/signalsfoundry/gcmc-sampler/mcmove"
)

const tracerName = "github.com/signalsfoundry/gcmc-sampler/integrator"

// ErrInvalidTemperature is returned for non-positive or non-finite temperatures.
var ErrInvalidTemperature = errors.New("temperature must be positive and finite")

// TotalEnergy reports the potential energy of the whole configuration.
type TotalEnergy interface {
	TotalEnergy() float64
}

// StepFunc is called after every interval-th step with the step count.
type StepFunc func(ctx context.Context, step int64) error

type stepListener struct {
	id        int
	interval  int64
	countdown int64
	fn        StepFunc
}

// Integrator performs one trial per step at a fixed temperature.
type Integrator struct {
	mu sync.RWMutex

	manager          *mcmove.Manager
	energy           TotalEnergy
	temperature      float64
	overlapThreshold float64
	log              logging.Logger

	steps     int64
	potential float64
	listeners []*stepListener
	nextID    int
}

// Option configures an Integrator.
type Option func(*Integrator)

// WithTemperature sets kT. The default is 1.
func WithTemperature(t float64) Option {
	return func(in *Integrator) { in.temperature = t }
}

// WithOverlapThreshold sets the total energy above which Reset reports an
// overlap.
func WithOverlapThreshold(u float64) Option {
	return func(in *Integrator) { in.overlapThreshold = u }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(in *Integrator) {
		if l != nil {
			in.log = l
		}
	}
}

// New constructs an integrator over manager.
func New(manager *mcmove.Manager, energy TotalEnergy, opts ...Option) (*Integrator, error) {
	if manager == nil || energy == nil {
		return nil, errors.New("integrator needs a move manager and an energy meter")
	}
	in := &Integrator{
		manager:          manager,
		energy:           energy,
		temperature:      1,
		overlapThreshold: mcmove.DefaultOverlapThreshold,
		log:              logging.Noop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	if !(in.temperature > 0) || math.IsInf(in.temperature, 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemperature, in.temperature)
	}
	return in, nil
}

// Manager returns the move manager.
func (in *Integrator) Manager() *mcmove.Manager { return in.manager }

// Temperature returns kT.
func (in *Integrator) Temperature() float64 { return in.temperature }

// Reset recomputes the total potential energy. It fails with an
// OverlapError when the configuration is in overlap.
func (in *Integrator) Reset() error {
	u := in.energy.TotalEnergy()
	in.mu.Lock()
	in.potential = u
	in.mu.Unlock()
	if u > in.overlapThreshold || math.IsNaN(u) {
		return &mcmove.OverlapError{Move: "integrator", Particle: -1, Energy: u}
	}
	return nil
}

// PotentialEnergy returns the running total energy.
func (in *Integrator) PotentialEnergy() float64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.potential
}

// StepCount returns the number of steps taken since the last ResetStepCount.
func (in *Integrator) StepCount() int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.steps
}

// ResetStepCount zeroes the step counter and re-arms all listeners.
func (in *Integrator) ResetStepCount() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.steps = 0
	for _, l := range in.listeners {
		l.countdown = l.interval
	}
}

// SetEquilibrating toggles adaptive tuning on the manager's moves.
func (in *Integrator) SetEquilibrating(on bool) { in.manager.SetEquilibrating(on) }

// AddListener calls fn every interval steps. The returned func removes it.
func (in *Integrator) AddListener(interval int64, fn StepFunc) (remove func()) {
	if interval < 1 {
		interval = 1
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	id := in.nextID
	in.nextID++
	in.listeners = append(in.listeners, &stepListener{id: id, interval: interval, countdown: interval, fn: fn})
	return func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		for i, l := range in.listeners {
			if l.id == id {
				in.listeners = append(in.listeners[:i], in.listeners[i+1:]...)
				return
			}
		}
	}
}

// Step performs a single trial and fires due listeners.
func (in *Integrator) Step(ctx context.Context) error {
	res, err := in.manager.DoTrial(in.temperature)
	if err != nil {
		return fmt.Errorf("step %d: %w", in.StepCount()+1, err)
	}

	in.mu.Lock()
	if res.Accepted {
		in.potential += res.EnergyChange
	}
	in.steps++
	step := in.steps
	var due []StepFunc
	for _, l := range in.listeners {
		l.countdown--
		if l.countdown == 0 {
			l.countdown = l.interval
			due = append(due, l.fn)
		}
	}
	in.mu.Unlock()

	for _, fn := range due {
		if err := fn(ctx, step); err != nil {
			return fmt.Errorf("step %d listener: %w", step, err)
		}
	}
	return nil
}

// Run performs steps trials, checking ctx between trials. A non-positive
// count runs until ctx is done.
func (in *Integrator) Run(ctx context.Context, steps int64) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "integrator.Run",
		trace.WithAttributes(attribute.Int64("steps", steps)))
	defer span.End()

	in.log.Debug(ctx, "integrator run starting",
		logging.Any("steps", steps),
		logging.Any("temperature", in.temperature),
		logging.Bool("equilibrating", in.manager.Equilibrating()),
	)
	for i := int64(0); steps <= 0 || i < steps; i++ {
		if err := ctx.Err(); err != nil {
			span.SetAttributes(attribute.Int64("completed", i))
			return err
		}
		if err := in.Step(ctx); err != nil {
			span.RecordError(err)
			in.log.Error(ctx, "integrator run aborted", logging.Err(err))
			return err
		}
	}
	span.SetAttributes(attribute.Int64("completed", steps))
	return nil
}

// Start runs Run on a separate goroutine. The returned channel receives the
// final error, possibly nil, and is then closed.
func (in *Integrator) Start(ctx context.Context, steps int64) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- in.Run(ctx, steps)
	}()
	return done
}
