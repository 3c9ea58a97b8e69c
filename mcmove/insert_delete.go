package mcmove

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/gcmc-sampler/box"
	"github.com/signalsfoundry/gcmc-sampler/space"
)

// InsertDeleteTrial describes the most recent insertion/deletion trial. It
// stays readable after OnAccept/OnReject until the next proposal.
type InsertDeleteTrial struct {
	Insert bool
	// Noop is set when the trial would have left the configured particle
	// range; such trials mutate nothing and carry weight 1.
	Noop bool
	// Check marks the reverse half of a forced detailed-balance check. Such
	// trials are always rejected.
	Check   bool
	NBefore int
	// LnBiasDiff is lnBias[NBefore±1] - lnBias[NBefore].
	LnBiasDiff   float64
	Particle     box.Handle
	Position     space.Vec3
	EnergyChange float64
}

// BiasEntry is one row of a persisted bias table.
type BiasEntry struct {
	N      int     `yaml:"n"`
	LnBias float64 `yaml:"ln_bias"`
}

// InsertDeleteOption configures an InsertDelete move.
type InsertDeleteOption func(*InsertDelete)

// WithName overrides the move name used in events and metrics.
func WithName(name string) InsertDeleteOption {
	return func(m *InsertDelete) { m.name = name }
}

// WithFrequency sets the nominal selection weight.
func WithFrequency(f int) InsertDeleteOption {
	return func(m *InsertDelete) { m.frequency = f }
}

// WithRange bounds the particle count to [minN, maxN]. A negative maxN
// leaves the upper end open.
func WithRange(minN, maxN int) InsertDeleteOption {
	return func(m *InsertDelete) { m.minN, m.maxN = minN, maxN }
}

// WithPositions replaces the uniform-in-box insertion domain.
func WithPositions(src PositionSource) InsertDeleteOption {
	return func(m *InsertDelete) { m.positions = src }
}

// WithOverlapThreshold sets the energy treated as a catastrophic overlap
// for particles selected for deletion.
func WithOverlapThreshold(u float64) InsertDeleteOption {
	return func(m *InsertDelete) { m.overlapThreshold = u }
}

// InsertDelete is a biased grand-canonical insertion/deletion move. The
// chemical potential enters through the ln-bias table, whose unpopulated
// entries extend by betaMu per particle.
type InsertDelete struct {
	name      string
	frequency int
	cfg       Configuration
	energy    EnergyMeter
	rng       Random
	positions PositionSource
	tracker   *Counter

	betaMu           float64
	minN, maxN       int
	lnBias           []float64
	overlapThreshold float64

	trial      InsertDeleteTrial
	uOld, uNew float64
	fault      error
}

// NewInsertDelete builds the move. betaMu is the reduced chemical potential
// μ/kT.
func NewInsertDelete(cfg Configuration, energy EnergyMeter, rng Random, betaMu float64, opts ...InsertDeleteOption) (*InsertDelete, error) {
	m := &InsertDelete{
		name:             "insert-delete",
		frequency:        1,
		cfg:              cfg,
		energy:           energy,
		rng:              rng,
		betaMu:           betaMu,
		minN:             0,
		maxN:             -1,
		overlapThreshold: DefaultOverlapThreshold,
		tracker:          NewCounter(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.positions == nil {
		m.positions = UniformPositions{Box: cfg}
	}
	if m.minN < 0 {
		return nil, fmt.Errorf("minimum particle count %d is negative", m.minN)
	}
	if m.maxN >= 0 && m.maxN < m.minN {
		return nil, fmt.Errorf("particle range [%d, %d] is empty", m.minN, m.maxN)
	}
	if math.IsNaN(betaMu) || math.IsInf(betaMu, 0) {
		return nil, fmt.Errorf("chemical potential %v must be finite", betaMu)
	}
	m.lnBias = []float64{0}
	return m, nil
}

func (m *InsertDelete) Name() string               { return m.name }
func (m *InsertDelete) Tracker() Tracker           { return m.tracker }
func (m *InsertDelete) Frequency() int             { return m.frequency }
func (m *InsertDelete) PerParticleFrequency() bool { return false }
func (m *InsertDelete) Fault() error               { return m.fault }

// LastTrial returns the state of the most recent trial.
func (m *InsertDelete) LastTrial() InsertDeleteTrial { return m.trial }

// Range returns the particle bounds; maxN is negative when unbounded.
func (m *InsertDelete) Range() (minN, maxN int) { return m.minN, m.maxN }

// BetaMu returns the reduced chemical potential.
func (m *InsertDelete) BetaMu() float64 { return m.betaMu }

// SetBetaMu changes the increment used for unpopulated bias entries.
func (m *InsertDelete) SetBetaMu(betaMu float64) { m.betaMu = betaMu }

// LnBias returns the log weight of state n, extending the table with
// betaMu per particle when n lies beyond the populated range.
func (m *InsertDelete) LnBias(n int) float64 {
	if n < m.minN {
		return m.lnBias[0] - float64(m.minN-n)*m.betaMu
	}
	m.ensure(n)
	return m.lnBias[n-m.minN]
}

func (m *InsertDelete) ensure(n int) {
	for len(m.lnBias) <= n-m.minN {
		m.lnBias = append(m.lnBias, m.lnBias[len(m.lnBias)-1]+m.betaMu)
	}
}

func (m *InsertDelete) lnBiasDiff(from, to int) float64 {
	return m.LnBias(to) - m.LnBias(from)
}

// SetLnBias overrides the log weight of state n.
func (m *InsertDelete) SetLnBias(n int, lnBias float64) error {
	if n < m.minN || (m.maxN >= 0 && n > m.maxN) {
		return fmt.Errorf("particle count %d outside [%d, %d]", n, m.minN, m.maxN)
	}
	if math.IsNaN(lnBias) || math.IsInf(lnBias, 0) {
		return fmt.Errorf("ln bias %v for N=%d must be finite", lnBias, n)
	}
	m.ensure(n)
	m.lnBias[n-m.minN] = lnBias
	return nil
}

// SetLnBiasTable replaces the populated table: values[i] is the log weight
// of N = minN + i. States beyond the table extend by betaMu.
func (m *InsertDelete) SetLnBiasTable(values []float64) error {
	if len(values) == 0 {
		return fmt.Errorf("bias table is empty")
	}
	if m.maxN >= 0 && m.minN+len(values)-1 > m.maxN {
		return fmt.Errorf("bias table of %d entries exceeds range [%d, %d]", len(values), m.minN, m.maxN)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("ln bias %v for N=%d must be finite", v, m.minN+i)
		}
	}
	m.lnBias = append(m.lnBias[:0], values...)
	return nil
}

// LnBiasTable returns the table over [minN, maxN], or over the populated
// range when the upper end is open.
func (m *InsertDelete) LnBiasTable() []BiasEntry {
	hi := m.minN + len(m.lnBias) - 1
	if m.maxN >= 0 {
		hi = m.maxN
	}
	out := make([]BiasEntry, 0, hi-m.minN+1)
	for n := m.minN; n <= hi; n++ {
		out = append(out, BiasEntry{N: n, LnBias: m.LnBias(n)})
	}
	return out
}

// LoadLnBiasTable installs a table previously returned by LnBiasTable. The
// entries must be contiguous and start at the move's minimum count.
func (m *InsertDelete) LoadLnBiasTable(entries []BiasEntry) error {
	values := make([]float64, len(entries))
	for i, e := range entries {
		if e.N != m.minN+i {
			return fmt.Errorf("bias entry %d has N=%d, want %d", i, e.N, m.minN+i)
		}
		values[i] = e.LnBias
	}
	return m.SetLnBiasTable(values)
}

// leavesRange reports whether a trial from n in the given direction would
// leave the configured particle range.
func (m *InsertDelete) leavesRange(n int, insert bool) bool {
	if insert {
		return m.maxN >= 0 && n+1 > m.maxN
	}
	return n-1 < m.minN
}

func (m *InsertDelete) begin(insert bool) int {
	n := m.cfg.ParticleCount()
	m.trial = InsertDeleteTrial{Insert: insert, NBefore: n, Particle: -1}
	m.uOld, m.uNew = 0, 0
	m.fault = nil
	return n
}

func (m *InsertDelete) ProposeTrial() bool {
	insert := m.rng.IntN(2) == 0
	n := m.begin(insert)
	if !insert && n == 0 {
		return false
	}
	if m.leavesRange(n, insert) {
		m.trial.Noop = true
		return true
	}
	if insert {
		m.insertAt(m.positions.RandomPosition(m.rng))
		return true
	}
	m.deleteOf(box.Handle(m.rng.IntN(n)))
	return true
}

func (m *InsertDelete) insertAt(pos space.Vec3) {
	n := m.trial.NBefore
	h := m.cfg.AddParticle(pos)
	m.trial.Particle = h
	m.trial.Position = m.cfg.Position(h)
	m.trial.LnBiasDiff = m.lnBiasDiff(n, n+1)
	m.uNew = m.energy.EnergyOf(h)
	m.trial.EnergyChange = m.uNew
}

func (m *InsertDelete) deleteOf(h box.Handle) {
	n := m.trial.NBefore
	m.trial.Particle = h
	m.trial.Position = m.cfg.Position(h)
	m.trial.LnBiasDiff = m.lnBiasDiff(n, n-1)
	m.uOld = m.energy.EnergyOf(h)
	m.trial.EnergyChange = -m.uOld
	if m.uOld > m.overlapThreshold || math.IsNaN(m.uOld) {
		m.fault = &OverlapError{Move: m.name, Particle: h, Energy: m.uOld}
	}
}

// lnBoltzmann returns the energy part of ln χ.
func (m *InsertDelete) lnBoltzmann(temperature float64) float64 {
	if m.trial.Insert {
		return -m.uNew / temperature
	}
	return m.uOld / temperature
}

func (m *InsertDelete) AcceptanceWeight(temperature float64) float64 {
	if m.trial.Noop {
		return 1
	}
	n := float64(m.trial.NBefore)
	v := m.positions.Volume()
	if m.trial.Insert {
		return v / (n + 1) * math.Exp(m.lnBoltzmann(temperature)+m.trial.LnBiasDiff)
	}
	return n / v * math.Exp(m.lnBoltzmann(temperature)+m.trial.LnBiasDiff)
}

func (m *InsertDelete) EnergyChange() float64 {
	if m.trial.Noop {
		return 0
	}
	return m.trial.EnergyChange
}

func (m *InsertDelete) OnAccept() {
	if m.trial.Noop || m.trial.Insert {
		return
	}
	m.cfg.RemoveParticle(m.trial.Particle)
}

func (m *InsertDelete) OnReject() {
	if m.trial.Noop || !m.trial.Insert {
		return
	}
	if err := m.cfg.UndoLastMutation(); err != nil {
		m.fault = fmt.Errorf("%s: undo insertion: %w", m.name, err)
	}
}
