package mcmove

import (
	"fmt"
	"math"
)

// Tracker accumulates the acceptance statistics of one move.
type Tracker interface {
	// UpdateCounts records one trial outcome and its acceptance weight. A
	// trial that could not be proposed is recorded as rejected with χ = 0.
	UpdateCounts(accepted bool, chi float64)
	Trials() int64
	Accepted() int64
	// AcceptanceRatio is accepted/trials, NaN before the first trial.
	AcceptanceRatio() float64
	// AcceptanceProbability is the mean of min(1, χ), NaN before the first trial.
	AcceptanceProbability() float64
	Reset()
	// SetTunable enables or disables any adaptation the tracker performs.
	SetTunable(tunable bool)
}

// Counter is a Tracker without adaptation.
type Counter struct {
	trials   int64
	accepted int64
	chiSum   float64
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter { return &Counter{} }

func (c *Counter) UpdateCounts(accepted bool, chi float64) {
	c.trials++
	if accepted {
		c.accepted++
	}
	if chi > 1 || math.IsInf(chi, 1) {
		chi = 1
	}
	if chi > 0 {
		c.chiSum += chi
	}
}

func (c *Counter) Trials() int64   { return c.trials }
func (c *Counter) Accepted() int64 { return c.accepted }

func (c *Counter) AcceptanceRatio() float64 {
	if c.trials == 0 {
		return math.NaN()
	}
	return float64(c.accepted) / float64(c.trials)
}

func (c *Counter) AcceptanceProbability() float64 {
	if c.trials == 0 {
		return math.NaN()
	}
	return c.chiSum / float64(c.trials)
}

func (c *Counter) Reset() {
	c.trials, c.accepted, c.chiSum = 0, 0, 0
}

func (c *Counter) SetTunable(bool) {}

// StepTrackerOption configures a StepTracker.
type StepTrackerOption func(*StepTracker)

// WithTargetAcceptance sets the acceptance ratio the loop steers toward.
func WithTargetAcceptance(target float64) StepTrackerOption {
	return func(s *StepTracker) { s.target = target }
}

// WithAdjustInterval sets the initial number of trials between adjustments.
func WithAdjustInterval(n int) StepTrackerOption {
	return func(s *StepTracker) { s.interval = n }
}

// WithMaxAdjustInterval caps the interval growth on oscillation.
func WithMaxAdjustInterval(n int) StepTrackerOption {
	return func(s *StepTracker) { s.maxInterval = n }
}

// WithAdjustFactor sets the initial multiplicative step adjustment.
func WithAdjustFactor(f float64) StepTrackerOption {
	return func(s *StepTracker) { s.factor = f }
}

const (
	defaultTarget      = 0.5
	defaultInterval    = 100
	defaultMaxInterval = 100000
	defaultFactor      = 1.05
	maxFactor          = 2.0
	escalateAfter      = 6
)

// StepTracker is a Counter that also owns a step size and adapts it toward a
// target acceptance ratio every adjust interval.
type StepTracker struct {
	Counter

	step, minStep, maxStep float64

	target      float64
	interval    int
	maxInterval int
	factor      float64
	tunable     bool

	windowTrials   int
	windowAccepted int
	lastDirection  int
	streak         int
}

// NewStepTracker builds a tracker starting at step, bounded to [minStep, maxStep].
func NewStepTracker(step, minStep, maxStep float64, opts ...StepTrackerOption) (*StepTracker, error) {
	if !(minStep > 0) || maxStep < minStep {
		return nil, fmt.Errorf("step bounds [%v, %v] invalid", minStep, maxStep)
	}
	s := &StepTracker{
		step:        step,
		minStep:     minStep,
		maxStep:     maxStep,
		target:      defaultTarget,
		interval:    defaultInterval,
		maxInterval: defaultMaxInterval,
		factor:      defaultFactor,
		tunable:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval < 1 {
		return nil, fmt.Errorf("adjust interval %d must be positive", s.interval)
	}
	if s.maxInterval < s.interval {
		s.maxInterval = s.interval
	}
	if !(s.factor > 1) {
		return nil, fmt.Errorf("adjust factor %v must exceed 1", s.factor)
	}
	if s.factor > maxFactor {
		s.factor = maxFactor
	}
	if !(s.target > 0 && s.target < 1) {
		return nil, fmt.Errorf("target acceptance %v must lie in (0, 1)", s.target)
	}
	s.step = s.clamp(step)
	return s, nil
}

// StepSize returns the current step size.
func (s *StepTracker) StepSize() float64 { return s.step }

// SetStepSize sets the step size, clamped to the bounds.
func (s *StepTracker) SetStepSize(step float64) { s.step = s.clamp(step) }

// Bounds returns the step size limits.
func (s *StepTracker) Bounds() (min, max float64) { return s.minStep, s.maxStep }

// AdjustInterval returns the current number of trials between adjustments.
func (s *StepTracker) AdjustInterval() int { return s.interval }

// AdjustFactor returns the current multiplicative adjustment.
func (s *StepTracker) AdjustFactor() float64 { return s.factor }

// Tunable reports whether the control loop is active.
func (s *StepTracker) Tunable() bool { return s.tunable }

func (s *StepTracker) SetTunable(tunable bool) {
	s.tunable = tunable
	s.windowTrials, s.windowAccepted = 0, 0
}

func (s *StepTracker) UpdateCounts(accepted bool, chi float64) {
	s.Counter.UpdateCounts(accepted, chi)
	if !s.tunable {
		return
	}
	s.windowTrials++
	if accepted {
		s.windowAccepted++
	}
	if s.windowTrials >= s.interval {
		s.adjust()
	}
}

func (s *StepTracker) Reset() {
	s.Counter.Reset()
	s.windowTrials, s.windowAccepted = 0, 0
}

func (s *StepTracker) adjust() {
	grow := float64(s.windowAccepted) > s.target*float64(s.windowTrials)
	s.windowTrials, s.windowAccepted = 0, 0

	direction := -1
	if grow {
		direction = 1
	}
	switch {
	case s.lastDirection != 0 && direction != s.lastDirection:
		s.factor = math.Sqrt(s.factor)
		s.interval = min(2*s.interval, s.maxInterval)
		s.streak = 0
	default:
		s.streak++
		if s.streak >= escalateAfter {
			s.factor = math.Min(s.factor*s.factor, maxFactor)
			s.streak = 0
		}
	}
	s.lastDirection = direction

	if grow {
		if s.step < s.maxStep {
			s.step = s.clamp(s.step * s.factor)
		}
	} else if s.step > s.minStep {
		s.step = s.clamp(s.step / s.factor)
	}
}

func (s *StepTracker) clamp(step float64) float64 {
	if math.IsNaN(step) {
		return s.minStep
	}
	return math.Max(s.minStep, math.Min(step, s.maxStep))
}
