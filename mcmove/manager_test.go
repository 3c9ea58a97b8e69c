package mcmove

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/signalsfoundry/gcmc-sampler/box"
	"github.com/signalsfoundry/gcmc-sampler/random"
)

type fakeCount int

func (c *fakeCount) ParticleCount() int { return int(*c) }

type fakeMove struct {
	name        string
	freq        int
	perParticle bool
	tracker     *Counter
	propose     bool
	chi         float64
	fault       error
	rejectFault error
	check       bool
	accepts     int
	rejects     int
}

func newFakeMove(name string, freq int) *fakeMove {
	return &fakeMove{name: name, freq: freq, tracker: NewCounter(), propose: true, chi: 1}
}

func (f *fakeMove) Name() string                     { return f.name }
func (f *fakeMove) ProposeTrial() bool               { return f.propose }
func (f *fakeMove) AcceptanceWeight(float64) float64 { return f.chi }
func (f *fakeMove) OnAccept()                        { f.accepts++ }
func (f *fakeMove) EnergyChange() float64            { return 0.25 }
func (f *fakeMove) Tracker() Tracker                 { return f.tracker }
func (f *fakeMove) Frequency() int                   { return f.freq }
func (f *fakeMove) PerParticleFrequency() bool       { return f.perParticle }
func (f *fakeMove) Fault() error                     { return f.fault }
func (f *fakeMove) CheckingTrial() bool              { return f.check }

func (f *fakeMove) OnReject() {
	f.rejects++
	f.fault = f.rejectFault
}

func TestSelectionProportionalToFrequency(t *testing.T) {
	n := fakeCount(0)
	m := NewManager(&n, random.New(3))
	a, b := newFakeMove("a", 100), newFakeMove("b", 300)
	m.AddMove(a)
	m.AddMove(b)

	const draws = 100000
	counts := map[Move]int{}
	for i := 0; i < draws; i++ {
		mv, err := m.SelectMove()
		if err != nil {
			t.Fatalf("SelectMove: %v", err)
		}
		counts[mv]++
	}
	if got := float64(counts[a]) / draws; math.Abs(got-0.25) > 0.01 {
		t.Fatalf("fraction of a = %v, want 0.25", got)
	}
}

func TestPerParticleFrequencyTracksCount(t *testing.T) {
	n := fakeCount(4)
	m := NewManager(&n, random.New(1))
	a := newFakeMove("a", 2)
	a.perParticle = true
	b := newFakeMove("b", 1)
	m.AddMove(a)
	m.AddMove(b)

	if got := m.EffectiveFrequency(a); got != 8 {
		t.Fatalf("EffectiveFrequency(a) = %v, want 8", got)
	}
	n = 10
	if got := m.EffectiveFrequency(a); got != 20 {
		t.Fatalf("EffectiveFrequency(a) after count change = %v, want 20", got)
	}
	if err := m.SetFrequencyMultiplier(b, 3); err != nil {
		t.Fatalf("SetFrequencyMultiplier: %v", err)
	}
	if got := m.TotalFrequency(); got != 23 {
		t.Fatalf("TotalFrequency = %v, want 23", got)
	}
	if !m.RemoveMove(a) {
		t.Fatalf("RemoveMove(a) = false")
	}
	if got := m.TotalFrequency(); got != 3 {
		t.Fatalf("TotalFrequency after removal = %v, want 3", got)
	}
}

func TestNoMovesAvailable(t *testing.T) {
	n := fakeCount(0)
	m := NewManager(&n, random.New(1))
	if _, err := m.DoTrial(1); !errors.Is(err, ErrNoMoves) {
		t.Fatalf("DoTrial err = %v, want ErrNoMoves", err)
	}
	a := newFakeMove("a", 1)
	a.perParticle = true
	m.AddMove(a)
	if _, err := m.SelectMove(); !errors.Is(err, ErrNoMoves) {
		t.Fatalf("SelectMove with zero particles err = %v, want ErrNoMoves", err)
	}
}

func TestDoTrialEventSequence(t *testing.T) {
	n := fakeCount(1)
	m := NewManager(&n, random.New(1))
	a := newFakeMove("a", 1)
	m.AddMove(a)

	var got []EventType
	var completed Event
	m.Events().AddListener(ListenerFunc(func(ev Event) {
		got = append(got, ev.Type)
		if ev.Type == EventTrialCompleted {
			completed = ev
		}
	}))

	res, err := m.DoTrial(1)
	if err != nil {
		t.Fatalf("DoTrial: %v", err)
	}
	if !res.Accepted || res.EnergyChange != 0.25 {
		t.Fatalf("result = %+v, want accepted with ΔE 0.25", res)
	}
	if len(got) != 2 || got[0] != EventTrialInitiated || got[1] != EventTrialCompleted {
		t.Fatalf("events = %v, want [initiated completed]", got)
	}
	if !completed.Accepted || completed.Chi != 1 || completed.Move != Move(a) {
		t.Fatalf("completed event = %+v", completed)
	}

	a.propose = false
	got = nil
	res, err = m.DoTrial(1)
	if err != nil {
		t.Fatalf("DoTrial: %v", err)
	}
	if res.Proposed {
		t.Fatalf("infeasible trial reported as proposed")
	}
	if len(got) != 2 || got[1] != EventTrialFailed {
		t.Fatalf("events = %v, want [initiated failed]", got)
	}
	if a.tracker.Trials() != 2 || a.tracker.Accepted() != 1 {
		t.Fatalf("tracker trials=%d accepted=%d, want 2 and 1", a.tracker.Trials(), a.tracker.Accepted())
	}
}

func TestListenersFireInRegistrationOrder(t *testing.T) {
	n := fakeCount(1)
	m := NewManager(&n, random.New(1))
	m.AddMove(newFakeMove("a", 1))

	var order []int
	for i := 0; i < 3; i++ {
		m.Events().AddListener(ListenerFunc(func(ev Event) {
			if ev.Type == EventTrialCompleted {
				order = append(order, i)
			}
		}))
	}
	remove := m.Events().AddListener(ListenerFunc(func(Event) { order = append(order, 99) }))
	remove()

	if _, err := m.DoTrial(1); err != nil {
		t.Fatalf("DoTrial: %v", err)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("order = %v, want [0 1 2]", order)
	}
}

func TestListenerRemovedDuringDelivery(t *testing.T) {
	n := fakeCount(1)
	m := NewManager(&n, random.New(1))
	m.AddMove(newFakeMove("a", 1))

	var order []string
	var removeFirst func()
	removeFirst = m.Events().AddListener(ListenerFunc(func(ev Event) {
		if ev.Type == EventTrialCompleted {
			order = append(order, "first")
			removeFirst()
		}
	}))
	for _, name := range []string{"second", "third"} {
		m.Events().AddListener(ListenerFunc(func(ev Event) {
			if ev.Type == EventTrialCompleted {
				order = append(order, name)
			}
		}))
	}

	for i := 0; i < 2; i++ {
		if _, err := m.DoTrial(1); err != nil {
			t.Fatalf("DoTrial: %v", err)
		}
	}
	want := []string{"first", "second", "third", "second", "third"}
	if !slices.Equal(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestCheckTrialsStayOutOfAcceptanceStatistics(t *testing.T) {
	n := fakeCount(1)
	m := NewManager(&n, random.New(1))
	a := newFakeMove("a", 1)
	a.chi = 0
	a.check = true
	m.AddMove(a)
	var checks int
	m.Events().AddListener(ListenerFunc(func(ev Event) {
		if ev.Type == EventTrialCompleted && ev.Check {
			checks++
		}
	}))

	if _, err := m.DoTrial(1); err != nil {
		t.Fatalf("DoTrial: %v", err)
	}
	if a.tracker.Trials() != 0 {
		t.Fatalf("tracker trials = %d, want 0", a.tracker.Trials())
	}
	if checks != 1 || a.rejects != 1 {
		t.Fatalf("check events = %d, rejects = %d, want 1 and 1", checks, a.rejects)
	}

	a.check = false
	if _, err := m.DoTrial(1); err != nil {
		t.Fatalf("DoTrial: %v", err)
	}
	if a.tracker.Trials() != 1 {
		t.Fatalf("tracker trials = %d, want 1", a.tracker.Trials())
	}
}

func TestFaultRaisedOnRejectIsReturned(t *testing.T) {
	n := fakeCount(1)
	m := NewManager(&n, random.New(1))
	a := newFakeMove("a", 1)
	a.chi = 0
	a.rejectFault = box.ErrNothingToUndo
	m.AddMove(a)
	_, err := m.DoTrial(1)
	if !errors.Is(err, box.ErrNothingToUndo) {
		t.Fatalf("DoTrial err = %v, want the undo failure", err)
	}
}

func TestRejectionFollowsWeight(t *testing.T) {
	n := fakeCount(1)
	m := NewManager(&n, random.New(5))
	a := newFakeMove("a", 1)
	a.chi = 0.2
	m.AddMove(a)
	for i := 0; i < 20000; i++ {
		if _, err := m.DoTrial(1); err != nil {
			t.Fatalf("DoTrial: %v", err)
		}
	}
	if got := a.tracker.AcceptanceRatio(); math.Abs(got-0.2) > 0.015 {
		t.Fatalf("acceptance = %v, want 0.2", got)
	}
	if a.accepts+a.rejects != 20000 {
		t.Fatalf("notifications = %d, want 20000", a.accepts+a.rejects)
	}
}

func TestFaultAbortsTrial(t *testing.T) {
	n := fakeCount(1)
	m := NewManager(&n, random.New(5))
	a := newFakeMove("a", 1)
	a.fault = &OverlapError{Move: "a", Particle: 3, Energy: math.Inf(1)}
	m.AddMove(a)
	_, err := m.DoTrial(1)
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("DoTrial err = %v, want ErrOverlap", err)
	}
	var oe *OverlapError
	if !errors.As(err, &oe) || oe.Particle != 3 {
		t.Fatalf("error = %#v, want OverlapError for particle 3", err)
	}
	if a.rejects != 1 {
		t.Fatalf("rejects = %d, want 1 (mutation undone)", a.rejects)
	}
}

func TestSetEquilibratingFreezesStepTrackers(t *testing.T) {
	n := fakeCount(1)
	m := NewManager(&n, random.New(1))
	st, _ := NewStepTracker(1, 0.1, 10, WithAdjustInterval(1))
	m.SetEquilibrating(false)
	d := &fakeMove{name: "d", freq: 1, propose: true, chi: 1}
	m.AddMove(&stepMove{fakeMove: d, st: st})
	if st.Tunable() {
		t.Fatalf("tracker of a move added while not equilibrating is tunable")
	}
	m.SetEquilibrating(true)
	if !st.Tunable() {
		t.Fatalf("SetEquilibrating(true) did not enable tuning")
	}
}

type stepMove struct {
	*fakeMove
	st *StepTracker
}

func (s *stepMove) Tracker() Tracker { return s.st }
