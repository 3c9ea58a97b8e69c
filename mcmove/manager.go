package mcmove

import (
	"fmt"
	"math"
)

// ParticleCounter reports the current number of particles.
type ParticleCounter interface {
	ParticleCount() int
}

type entry struct {
	move       Move
	multiplier float64
	effective  float64
}

// TrialResult summarises one call to Manager.DoTrial.
type TrialResult struct {
	Move Move
	// Proposed is false when the move found no legal trial.
	Proposed     bool
	Accepted     bool
	Chi          float64
	EnergyChange float64
}

// Manager owns the registered moves, selects one per trial with probability
// proportional to its effective frequency and drives the accept/reject
// protocol.
type Manager struct {
	counter ParticleCounter
	rng     Random
	events  EventManager

	entries       []*entry
	total         float64
	cachedN       int
	stale         bool
	equilibrating bool
}

// NewManager returns an empty manager in the equilibrating state.
func NewManager(counter ParticleCounter, rng Random) *Manager {
	return &Manager{
		counter:       counter,
		rng:           rng,
		stale:         true,
		equilibrating: true,
	}
}

// Events returns the manager's event feed.
func (m *Manager) Events() *EventManager { return &m.events }

// AddMove registers mv with multiplier 1.
func (m *Manager) AddMove(mv Move) {
	m.entries = append(m.entries, &entry{move: mv, multiplier: 1})
	mv.Tracker().SetTunable(m.equilibrating)
	m.stale = true
}

// RemoveMove unregisters mv. It reports whether mv was registered.
func (m *Manager) RemoveMove(mv Move) bool {
	for i, e := range m.entries {
		if e.move == mv {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			m.stale = true
			return true
		}
	}
	return false
}

// Moves returns the registered moves in registration order.
func (m *Manager) Moves() []Move {
	out := make([]Move, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.move
	}
	return out
}

// SetFrequencyMultiplier scales the selection weight of a registered move.
func (m *Manager) SetFrequencyMultiplier(mv Move, multiplier float64) error {
	if multiplier < 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return fmt.Errorf("frequency multiplier %v must be finite and non-negative", multiplier)
	}
	for _, e := range m.entries {
		if e.move == mv {
			e.multiplier = multiplier
			m.stale = true
			return nil
		}
	}
	return fmt.Errorf("move %q is not registered", mv.Name())
}

// EffectiveFrequency returns the current selection weight of mv, zero if it
// is not registered.
func (m *Manager) EffectiveFrequency(mv Move) float64 {
	m.refresh()
	for _, e := range m.entries {
		if e.move == mv {
			return e.effective
		}
	}
	return 0
}

// TotalFrequency returns the sum of effective frequencies.
func (m *Manager) TotalFrequency() float64 {
	m.refresh()
	return m.total
}

// SetEquilibrating toggles step-size adaptation on every registered move.
func (m *Manager) SetEquilibrating(equilibrating bool) {
	m.equilibrating = equilibrating
	for _, e := range m.entries {
		e.move.Tracker().SetTunable(equilibrating)
	}
}

// Equilibrating reports whether adaptation is enabled.
func (m *Manager) Equilibrating() bool { return m.equilibrating }

func (m *Manager) refresh() {
	n := m.counter.ParticleCount()
	if !m.stale && n == m.cachedN {
		return
	}
	m.total = 0
	for _, e := range m.entries {
		f := float64(e.move.Frequency()) * e.multiplier
		if e.move.PerParticleFrequency() {
			f *= float64(n)
		}
		e.effective = f
		m.total += f
	}
	m.cachedN = n
	m.stale = false
}

// SelectMove draws a move with probability proportional to its effective
// frequency.
func (m *Manager) SelectMove() (Move, error) {
	m.refresh()
	if !(m.total > 0) {
		return nil, ErrNoMoves
	}
	u := m.rng.Float64() * m.total
	var last Move
	for _, e := range m.entries {
		if e.effective <= 0 {
			continue
		}
		last = e.move
		if u < e.effective {
			return e.move, nil
		}
		u -= e.effective
	}
	// Rounding can leave u just past the final bucket.
	return last, nil
}

// DoTrial runs one complete trial at the given temperature. Infeasible
// trials are not errors; faults reported by the move are.
func (m *Manager) DoTrial(temperature float64) (TrialResult, error) {
	mv, err := m.SelectMove()
	if err != nil {
		return TrialResult{}, err
	}
	m.events.fire(Event{Type: EventTrialInitiated, Move: mv})

	if !mv.ProposeTrial() {
		if err := faultOf(mv); err != nil {
			return TrialResult{Move: mv}, err
		}
		mv.Tracker().UpdateCounts(false, 0)
		m.events.fire(Event{Type: EventTrialFailed, Move: mv})
		return TrialResult{Move: mv}, nil
	}

	chi := mv.AcceptanceWeight(temperature)
	if err := faultOf(mv); err != nil {
		mv.OnReject()
		return TrialResult{Move: mv, Proposed: true, Chi: chi}, err
	}

	accepted := chi >= 1 || (chi > 0 && m.rng.Float64() < chi)
	res := TrialResult{Move: mv, Proposed: true, Accepted: accepted, Chi: chi}
	check := isCheckTrial(mv)
	if accepted {
		res.EnergyChange = mv.EnergyChange()
		mv.OnAccept()
	} else {
		mv.OnReject()
	}
	if err := faultOf(mv); err != nil {
		return res, err
	}
	m.events.fire(Event{Type: EventTrialCompleted, Move: mv, Accepted: accepted, Chi: chi, Check: check})
	if !check {
		mv.Tracker().UpdateCounts(accepted, chi)
	}
	return res, nil
}

func isCheckTrial(mv Move) bool {
	sc, ok := mv.(SelfChecker)
	return ok && sc.CheckingTrial()
}

func faultOf(mv Move) error {
	if fr, ok := mv.(FaultReporter); ok {
		return fr.Fault()
	}
	return nil
}
