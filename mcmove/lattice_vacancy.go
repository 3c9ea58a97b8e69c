package mcmove

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/gcmc-sampler/box"
	"github.com/signalsfoundry/gcmc-sampler/space"
)

const reverseTolerance = 1e-6

// Prediction holds the candidate counters a trial predicted for the state it
// would create. Fields not computed for the trial's direction are -1.
type Prediction struct {
	// TotalDeleteWeight is the predicted sum of deletion nominations after an
	// insertion.
	TotalDeleteWeight int
	// InsertCandidates is the predicted number of insertion partners after
	// the trial.
	InsertCandidates int
}

type pendingReverse struct {
	insert   bool
	particle box.Handle
	position space.Vec3
	lnChi    float64
	dU       float64
	version  uint64
}

// LatticeVacancy restricts insertions to lattice positions next to
// under-coordinated particles and deletions to particles nominated by
// such positions. Candidate sets are rebuilt lazily whenever the
// configuration version moves past the one they were built at, whoever made
// the change; per-trial corrections come from a local neighbour scan so the
// weights satisfy detailed balance exactly.
type LatticeVacancy struct {
	*InsertDelete

	neighbors    NeighborQuery
	region       InsertRegion
	cutoff       float64
	coordination int

	dirty      bool
	lastLength float64

	numNeighbors       []int
	nominations        []int
	deleteTimes        []int
	nbrCandOnDelete    []int
	insertCandidates   []box.Handle
	deleteCandidates   []box.Handle
	totalDeleteWeight  int
	newDeleteWeight    int
	insertCandDelta    int
	partner            box.Handle
	prediction         Prediction

	// seen is the configuration version the candidate sets describe.
	seen uint64

	forced  bool
	pending *pendingReverse
	reverse *pendingReverse
	lnChi   float64
}

// NewLatticeVacancy builds the move. Particles with fewer than coordination
// neighbours inside cutoff are insertion partners; the region's reach must be
// below cutoff.
func NewLatticeVacancy(cfg Configuration, neighbors NeighborQuery, energy EnergyMeter, rng Random, betaMu float64,
	region InsertRegion, cutoff float64, coordination int, opts ...InsertDeleteOption) (*LatticeVacancy, error) {
	base, err := NewInsertDelete(cfg, energy, rng, betaMu, append([]InsertDeleteOption{WithName("lattice-vacancy")}, opts...)...)
	if err != nil {
		return nil, err
	}
	if region == nil {
		return nil, fmt.Errorf("%w: nil region", ErrInvalidRegion)
	}
	if region.Reach() >= cutoff {
		return nil, fmt.Errorf("%w: reach %v must be below coordination cutoff %v", ErrInvalidRegion, region.Reach(), cutoff)
	}
	if coordination < 1 {
		return nil, fmt.Errorf("coordination number %d must be positive", coordination)
	}
	return &LatticeVacancy{
		InsertDelete: base,
		neighbors:    neighbors,
		region:       region,
		cutoff:       cutoff,
		coordination: coordination,
		dirty:        true,
		lastLength:   cfg.Length(),
	}, nil
}

// Region returns the insertion region currently in use.
func (lv *LatticeVacancy) Region() InsertRegion { return lv.region }

// SetForcedCheck turns on the reverse-trial self check: after every accepted
// trial the next trial of this move is its exact reverse, whose weight must
// cancel the forward one. Reverse trials are always rejected.
func (lv *LatticeVacancy) SetForcedCheck(on bool) {
	lv.forced = on
	lv.pending = nil
}

// SetLnBias overrides one bias entry and cancels any pending reverse check.
func (lv *LatticeVacancy) SetLnBias(n int, lnBias float64) error {
	lv.pending = nil
	return lv.InsertDelete.SetLnBias(n, lnBias)
}

// SetLnBiasTable replaces the bias table and cancels any pending reverse check.
func (lv *LatticeVacancy) SetLnBiasTable(values []float64) error {
	lv.pending = nil
	return lv.InsertDelete.SetLnBiasTable(values)
}

// InsertCandidateCount is the number of insertion partners.
func (lv *LatticeVacancy) InsertCandidateCount() int {
	lv.refresh()
	return len(lv.insertCandidates)
}

// DeleteCandidateCount is the number of distinct nominated particles.
func (lv *LatticeVacancy) DeleteCandidateCount() int {
	lv.refresh()
	return len(lv.deleteCandidates)
}

// TotalDeleteWeight is the sum of nominations over all particles.
func (lv *LatticeVacancy) TotalDeleteWeight() int {
	lv.refresh()
	return lv.totalDeleteWeight
}

// DeleteWeight is the number of nominations particle h receives.
func (lv *LatticeVacancy) DeleteWeight(h box.Handle) int {
	lv.refresh()
	return lv.deleteTimes[h]
}

// LastPrediction returns the counters predicted by the latest trial.
func (lv *LatticeVacancy) LastPrediction() Prediction { return lv.prediction }

// CheckingTrial reports whether the current trial is a forced reverse check.
func (lv *LatticeVacancy) CheckingTrial() bool { return lv.trial.Check }

// changedSince reports whether the configuration was mutated after version v.
func (lv *LatticeVacancy) changedSince(v uint64) bool { return lv.cfg.Version() != v }

func (lv *LatticeVacancy) refresh() {
	if lv.dirty || lv.changedSince(lv.seen) || lv.cfg.Length() != lv.lastLength {
		lv.FindCandidates()
	}
}

// FindCandidates rebuilds the candidate sets from scratch.
func (lv *LatticeVacancy) FindCandidates() {
	if l := lv.cfg.Length(); l != lv.lastLength {
		lv.region = lv.region.Scaled(l / lv.lastLength)
		lv.lastLength = l
	}
	n := lv.cfg.ParticleCount()
	lv.numNeighbors = resize(lv.numNeighbors, n)
	lv.nominations = resize(lv.nominations, n)
	lv.deleteTimes = resize(lv.deleteTimes, n)
	lv.nbrCandOnDelete = resize(lv.nbrCandOnDelete, n)
	lv.insertCandidates = lv.insertCandidates[:0]
	lv.deleteCandidates = lv.deleteCandidates[:0]
	lv.totalDeleteWeight = 0

	for i := 0; i < n; i++ {
		count := 0
		lv.neighbors.ForEachNeighborWithin(box.Handle(i), lv.cutoff, func(box.Handle, space.Vec3) { count++ })
		lv.numNeighbors[i] = count
	}
	z := lv.coordination
	for i := 0; i < n; i++ {
		ni := lv.numNeighbors[i]
		if ni > z {
			continue
		}
		lv.neighbors.ForEachNeighborWithin(box.Handle(i), lv.cutoff, func(j box.Handle, dr space.Vec3) {
			if ni == z {
				// deleting j would leave i under-coordinated
				lv.nbrCandOnDelete[j]++
			}
			mult := lv.region.Multiplicity(dr)
			if mult == 0 {
				return
			}
			if lv.deleteTimes[j] == 0 {
				lv.deleteCandidates = append(lv.deleteCandidates, j)
			}
			lv.deleteTimes[j] += mult
			lv.nominations[i] += mult
			lv.totalDeleteWeight += mult
		})
		if ni < z {
			lv.insertCandidates = append(lv.insertCandidates, box.Handle(i))
			lv.nbrCandOnDelete[i]--
		}
	}
	lv.dirty = false
	lv.seen = lv.cfg.Version()
}

func resize(s []int, n int) []int {
	if cap(s) < n {
		return make([]int, n)
	}
	s = s[:n]
	clear(s)
	return s
}

func (lv *LatticeVacancy) beginVacancy(insert bool) int {
	lv.refresh()
	n := lv.begin(insert)
	lv.newDeleteWeight, lv.insertCandDelta = 0, 0
	lv.partner = -1
	lv.prediction = Prediction{TotalDeleteWeight: -1, InsertCandidates: -1}
	lv.reverse = nil
	return n
}

func (lv *LatticeVacancy) ProposeTrial() bool {
	if p := lv.pending; p != nil && lv.changedSince(p.version) {
		lv.pending = nil
	}
	if p := lv.pending; p != nil {
		lv.pending = nil
		var ok bool
		if p.insert {
			ok = lv.ProposeInsertAt(p.position)
		} else {
			ok = lv.ProposeDeleteOf(p.particle)
		}
		if !ok {
			lv.fault = &ConsistencyError{
				Move:     lv.name,
				Particle: p.particle,
				Insert:   !p.insert,
				Forward:  p.lnChi,
				Reverse:  math.Inf(-1),
			}
			return false
		}
		lv.reverse = p
		lv.trial.Check = true
		return true
	}
	if lv.rng.IntN(2) == 0 {
		return lv.ProposeInsertion()
	}
	return lv.ProposeDeletion()
}

// ProposeInsertion places a particle at a random region offset from a random
// insertion partner.
func (lv *LatticeVacancy) ProposeInsertion() bool {
	n := lv.beginVacancy(true)
	if lv.leavesRange(n, true) {
		lv.trial.Noop = true
		return true
	}
	if len(lv.insertCandidates) == 0 {
		return false
	}
	lv.partner = lv.insertCandidates[lv.rng.IntN(len(lv.insertCandidates))]
	pos := lv.cfg.Position(lv.partner).Add(lv.region.Sample(lv.rng))
	lv.insertVacancy(pos)
	return true
}

// ProposeInsertAt proposes an insertion at pos. It returns false when no
// insertion partner could have generated pos.
func (lv *LatticeVacancy) ProposeInsertAt(pos space.Vec3) bool {
	n := lv.beginVacancy(true)
	if lv.leavesRange(n, true) {
		lv.trial.Noop = true
		return true
	}
	if len(lv.insertCandidates) == 0 {
		return false
	}
	lv.insertVacancy(pos)
	return true
}

func (lv *LatticeVacancy) insertVacancy(pos space.Vec3) {
	lv.insertAt(pos)
	t := lv.trial.Particle
	z := lv.coordination

	var nT, sT, generators, lostPartners int
	delta := 0
	lv.neighbors.ForEachNeighborWithin(t, lv.cutoff, func(p box.Handle, dr space.Vec3) {
		nT++
		// dr points from t to p; t nominates p through dr, p nominates t through -dr.
		sT += lv.region.Multiplicity(dr)
		np := lv.numNeighbors[p]
		switch {
		case np == z:
			delta -= lv.nominations[p]
		case np < z:
			m := lv.region.Multiplicity(dr.Neg())
			delta += m
			generators += m
		}
		if np == z-1 {
			lostPartners++
		}
	})
	if nT <= z {
		delta += sT
	}
	lv.newDeleteWeight = delta
	lv.insertCandDelta = -lostPartners
	if nT < z {
		lv.insertCandDelta++
	}
	lv.prediction = Prediction{
		TotalDeleteWeight: lv.totalDeleteWeight + delta,
		InsertCandidates:  len(lv.insertCandidates) + lv.insertCandDelta,
	}
	if generators == 0 {
		// No partner can generate this position, so its proposal density is zero.
		lv.newDeleteWeight = math.MinInt
	}
}

// ProposeDeletion removes a particle drawn in proportion to its nominations.
func (lv *LatticeVacancy) ProposeDeletion() bool {
	n := lv.beginVacancy(false)
	if n == 0 {
		return false
	}
	if lv.leavesRange(n, false) {
		lv.trial.Noop = true
		return true
	}
	if lv.totalDeleteWeight == 0 {
		return false
	}
	r := lv.rng.IntN(lv.totalDeleteWeight)
	for _, j := range lv.deleteCandidates {
		if r < lv.deleteTimes[j] {
			lv.deleteVacancy(j)
			return true
		}
		r -= lv.deleteTimes[j]
	}
	return false
}

// ProposeDeleteOf proposes deleting particle h. It returns false when h is
// not nominated for deletion.
func (lv *LatticeVacancy) ProposeDeleteOf(h box.Handle) bool {
	n := lv.beginVacancy(false)
	if n == 0 || int(h) >= n {
		return false
	}
	if lv.leavesRange(n, false) {
		lv.trial.Noop = true
		return true
	}
	if lv.deleteTimes[h] == 0 {
		return false
	}
	lv.deleteVacancy(h)
	return true
}

func (lv *LatticeVacancy) deleteVacancy(j box.Handle) {
	lv.deleteOf(j)
	lv.insertCandDelta = lv.nbrCandOnDelete[j]
	lv.prediction = Prediction{
		TotalDeleteWeight: -1,
		InsertCandidates:  len(lv.insertCandidates) + lv.insertCandDelta,
	}
}

// LnAcceptanceWeight returns ln χ of the pending trial.
func (lv *LatticeVacancy) LnAcceptanceWeight(temperature float64) float64 {
	if lv.trial.Noop {
		return 0
	}
	vol := lv.region.Volume()
	lnBoltz := lv.lnBoltzmann(temperature)
	if lv.trial.Insert {
		after := lv.totalDeleteWeight + lv.newDeleteWeight
		if lv.newDeleteWeight == math.MinInt || after <= 0 || math.IsInf(lnBoltz, -1) {
			return math.Inf(-1)
		}
		return lv.trial.LnBiasDiff + math.Log(float64(len(lv.insertCandidates))*vol/float64(after)) + lnBoltz
	}
	after := len(lv.insertCandidates) + lv.insertCandDelta
	return lv.trial.LnBiasDiff + math.Log(float64(lv.totalDeleteWeight)/(vol*float64(after))) + lnBoltz
}

func (lv *LatticeVacancy) AcceptanceWeight(temperature float64) float64 {
	ln := lv.LnAcceptanceWeight(temperature)
	lv.lnChi = ln
	if rev := lv.reverse; rev != nil {
		lv.reverse = nil
		lv.checkReverse(rev, ln)
		return 0
	}
	return math.Exp(ln)
}

func (lv *LatticeVacancy) checkReverse(fwd *pendingReverse, ln float64) {
	dU := lv.EnergyChange()
	lnOK := math.Abs(ln+fwd.lnChi) <= reverseTolerance*math.Max(1, math.Max(math.Abs(ln), math.Abs(fwd.lnChi)))
	dUOK := math.Abs(dU+fwd.dU) <= reverseTolerance*math.Max(1, math.Max(math.Abs(dU), math.Abs(fwd.dU)))
	if lnOK && dUOK && !lv.trial.Noop {
		return
	}
	lv.fault = &ConsistencyError{
		Move:          lv.name,
		Particle:      lv.trial.Particle,
		Insert:        !fwd.insert,
		Forward:       fwd.lnChi,
		Reverse:       ln,
		ForwardEnergy: fwd.dU,
		ReverseEnergy: dU,
	}
}

func (lv *LatticeVacancy) OnAccept() {
	if lv.trial.Noop {
		return
	}
	if lv.forced {
		lv.pending = &pendingReverse{
			insert:   !lv.trial.Insert,
			particle: lv.trial.Particle,
			position: lv.trial.Position,
			lnChi:    lv.lnChi,
			dU:       lv.EnergyChange(),
		}
	}
	lv.InsertDelete.OnAccept()
	lv.dirty = true
	if lv.pending != nil {
		lv.pending.version = lv.cfg.Version()
	}
}

func (lv *LatticeVacancy) OnReject() {
	lv.InsertDelete.OnReject()
	if lv.fault != nil {
		lv.dirty = true
		return
	}
	// The undo restored the configuration the candidate sets describe.
	if !lv.dirty {
		lv.seen = lv.cfg.Version()
	}
}
