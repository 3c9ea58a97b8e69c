package mcmove

import (
	"math"
	"testing"

	"github.com/signalsfoundry/gcmc-sampler/random"
)

func TestStepTrackerStaysWithinBounds(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		st, err := NewStepTracker(0.5, 0.1, 0.8, WithAdjustInterval(3))
		if err != nil {
			t.Fatalf("NewStepTracker: %v", err)
		}
		rng := random.New(seed)
		bias := rng.Float64()
		for i := 0; i < 5000; i++ {
			st.UpdateCounts(rng.Float64() < bias, rng.Float64())
			if s := st.StepSize(); s < 0.1 || s > 0.8 {
				t.Fatalf("seed %d trial %d: step = %v, want within [0.1, 0.8]", seed, i, s)
			}
		}
	}
}

func TestStepTrackerClampsInitialAndExplicitSteps(t *testing.T) {
	st, err := NewStepTracker(10, 0.1, 1)
	if err != nil {
		t.Fatalf("NewStepTracker: %v", err)
	}
	if got := st.StepSize(); got != 1 {
		t.Fatalf("StepSize = %v, want 1", got)
	}
	st.SetStepSize(-3)
	if got := st.StepSize(); got != 0.1 {
		t.Fatalf("StepSize = %v, want 0.1", got)
	}
}

func TestStepTrackerRejectsBadConfig(t *testing.T) {
	if _, err := NewStepTracker(1, 0, 1); err == nil {
		t.Fatalf("expected error for zero minimum step")
	}
	if _, err := NewStepTracker(1, 1, 0.5); err == nil {
		t.Fatalf("expected error for inverted bounds")
	}
	if _, err := NewStepTracker(1, 0.1, 2, WithTargetAcceptance(1)); err == nil {
		t.Fatalf("expected error for target 1")
	}
}

// acceptance probability 1/(1+s) reaches 0.5 at s = 1.
func TestStepTrackerConvergesToTarget(t *testing.T) {
	for _, target := range []float64{0.5, 0.3} {
		st, err := NewStepTracker(5, 0.01, 100, WithTargetAcceptance(target))
		if err != nil {
			t.Fatalf("NewStepTracker: %v", err)
		}
		rng := random.New(11)
		trial := func() {
			p := 1 / (1 + st.StepSize())
			st.UpdateCounts(rng.Float64() < p, p)
		}
		for i := 0; i < 300000; i++ {
			trial()
		}
		st.SetTunable(false)
		st.Reset()
		for i := 0; i < 100000; i++ {
			trial()
		}
		if got := st.AcceptanceRatio(); math.Abs(got-target) > 0.05 {
			t.Fatalf("target %v: acceptance = %v (step %v)", target, got, st.StepSize())
		}
	}
}

func TestStepTrackerEscalatesOnSustainedDrift(t *testing.T) {
	st, err := NewStepTracker(1, 0.01, 1e6, WithAdjustInterval(10))
	if err != nil {
		t.Fatalf("NewStepTracker: %v", err)
	}
	for i := 0; i < 60; i++ {
		st.UpdateCounts(true, 1)
	}
	want := 1.05 * 1.05
	if got := st.AdjustFactor(); math.Abs(got-want) > 1e-12 {
		t.Fatalf("AdjustFactor = %v, want %v", got, want)
	}
	if st.StepSize() <= math.Pow(1.05, 6) {
		t.Fatalf("StepSize = %v, want growth beyond 1.05^6", st.StepSize())
	}
}

func TestStepTrackerDampsOnReversal(t *testing.T) {
	st, err := NewStepTracker(1, 0.01, 100, WithAdjustInterval(10), WithMaxAdjustInterval(15))
	if err != nil {
		t.Fatalf("NewStepTracker: %v", err)
	}
	for i := 0; i < 10; i++ {
		st.UpdateCounts(true, 1)
	}
	for i := 0; i < 10; i++ {
		st.UpdateCounts(false, 0)
	}
	if got, want := st.AdjustFactor(), math.Sqrt(1.05); math.Abs(got-want) > 1e-12 {
		t.Fatalf("AdjustFactor = %v, want %v", got, want)
	}
	if got := st.AdjustInterval(); got != 15 {
		t.Fatalf("AdjustInterval = %d, want 15 (capped)", got)
	}
}

func TestStepTrackerFrozenWhenNotTunable(t *testing.T) {
	st, _ := NewStepTracker(1, 0.01, 100, WithAdjustInterval(5))
	st.SetTunable(false)
	for i := 0; i < 100; i++ {
		st.UpdateCounts(true, 1)
	}
	if got := st.StepSize(); got != 1 {
		t.Fatalf("StepSize = %v, want 1", got)
	}
	if got := st.AcceptanceRatio(); got != 1 {
		t.Fatalf("AcceptanceRatio = %v, want 1", got)
	}
}

func TestCounterStatistics(t *testing.T) {
	c := NewCounter()
	if !math.IsNaN(c.AcceptanceRatio()) {
		t.Fatalf("AcceptanceRatio before trials = %v, want NaN", c.AcceptanceRatio())
	}
	c.UpdateCounts(true, 3)
	c.UpdateCounts(false, 0.5)
	c.UpdateCounts(false, 0)
	if got := c.AcceptanceRatio(); math.Abs(got-1.0/3) > 1e-12 {
		t.Fatalf("AcceptanceRatio = %v, want 1/3", got)
	}
	if got := c.AcceptanceProbability(); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("AcceptanceProbability = %v, want 0.5", got)
	}
	c.Reset()
	if c.Trials() != 0 || c.Accepted() != 0 {
		t.Fatalf("Reset left trials=%d accepted=%d", c.Trials(), c.Accepted())
	}
}
