// Package overlap estimates free-energy differences between adjacent
// particle counts from insertion/deletion trial statistics and turns them
// into bias tables for the insertion/deletion moves.
package overlap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"github.com/signalsfoundry/gcmc-sampler/mcmove"
)

// Source is an insertion/deletion move whose trials can be observed.
type Source interface {
	mcmove.Move
	LastTrial() mcmove.InsertDeleteTrial
}

// Status qualifies a free-energy estimate.
type Status int

const (
	// Undetermined means one side of the pair has no usable samples.
	Undetermined Status = iota
	// LowConfidence means the root was not bracketed by the grid and the
	// estimate was clamped to the nearest grid end.
	LowConfidence
	// Determined means the root was found inside the grid.
	Determined
)

func (s Status) String() string {
	switch s {
	case Determined:
		return "determined"
	case LowConfidence:
		return "low-confidence"
	default:
		return "undetermined"
	}
}

// Estimate is the free-energy difference ΔA(N) = A(N+1) - A(N) in units of kT,
// defined so that Q(N+1)/Q(N) = exp(-ΔA) with ideal-gas factors included.
type Estimate struct {
	N             int
	DeltaA        float64
	Status        Status
	InsertSamples int64
	DeleteSamples int64
}

// Listener accumulates, for every observed N, logistic-weighted acceptance
// statistics of the observed move over a fixed grid of ln-bias offsets.
type Listener struct {
	move Source
	self mcmove.Move
	grid []float64

	visits       []int64
	insertTrials []int64
	deleteTrials []int64
	insertSums   [][]float64
	deleteSums   [][]float64
}

// NewListener observes move with numGrid offsets spanning center±span/2.
func NewListener(move Source, numGrid int, center, span float64) (*Listener, error) {
	if numGrid < 2 {
		return nil, fmt.Errorf("bias grid needs at least 2 points, got %d", numGrid)
	}
	if !(span > 0) || math.IsInf(span, 0) || math.IsNaN(center) || math.IsInf(center, 0) {
		return nil, fmt.Errorf("bias grid center %v span %v invalid", center, span)
	}
	grid := make([]float64, numGrid)
	floats.Span(grid, center-span/2, center+span/2)
	return &Listener{move: move, self: move, grid: grid}, nil
}

// Grid returns the ln-bias offsets.
func (l *Listener) Grid() []float64 { return append([]float64(nil), l.grid...) }

// Reset drops all accumulated statistics.
func (l *Listener) Reset() {
	l.visits = nil
	l.insertTrials, l.deleteTrials = nil, nil
	l.insertSums, l.deleteSums = nil, nil
}

// OnMoveEvent records completed and failed trials of the observed move.
func (l *Listener) OnMoveEvent(ev mcmove.Event) {
	if ev.Move != l.self {
		return
	}
	var lnx float64
	switch ev.Type {
	case mcmove.EventTrialFailed:
		lnx = math.Inf(-1)
	case mcmove.EventTrialCompleted:
		lnx = math.Log(ev.Chi)
	default:
		return
	}
	tr := l.move.LastTrial()
	if tr.Noop || tr.Check {
		return
	}
	n := tr.NBefore
	l.grow(n)
	l.visits[n]++
	if !math.IsInf(lnx, -1) {
		lnx -= tr.LnBiasDiff
	}
	if tr.Insert {
		l.insertTrials[n]++
		for g, a := range l.grid {
			l.insertSums[n][g] += logistic(lnx + a)
		}
		return
	}
	l.deleteTrials[n]++
	for g, a := range l.grid {
		l.deleteSums[n][g] += logistic(lnx - a)
	}
}

func (l *Listener) grow(n int) {
	for len(l.visits) <= n {
		l.visits = append(l.visits, 0)
		l.insertTrials = append(l.insertTrials, 0)
		l.deleteTrials = append(l.deleteTrials, 0)
		l.insertSums = append(l.insertSums, make([]float64, len(l.grid)))
		l.deleteSums = append(l.deleteSums, make([]float64, len(l.grid)))
	}
}

// logistic is 1/(1+e^-x) evaluated without overflow.
func logistic(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Histogram returns the number of observed trials started at each N.
func (l *Listener) Histogram() []int64 { return append([]int64(nil), l.visits...) }

// MaxObservedN returns the largest N with at least one trial, or -1.
func (l *Listener) MaxObservedN() int {
	for n := len(l.visits) - 1; n >= 0; n-- {
		if l.visits[n] > 0 {
			return n
		}
	}
	return -1
}

// Samples returns the number of insertion trials at n and deletion trials at n+1.
func (l *Listener) Samples(n int) (inserts, deletes int64) {
	if n >= 0 && n < len(l.insertTrials) {
		inserts = l.insertTrials[n]
	}
	if n+1 >= 0 && n+1 < len(l.deleteTrials) {
		deletes = l.deleteTrials[n+1]
	}
	return inserts, deletes
}

// Deviation returns h(α) = ln D(α) - ln I(α) on the grid for the pair
// (n, n+1), where I and D are the mean insert-side and delete-side logistic
// sums. h decreases with α, ΔA(n) = α + h(α) for every α, and h vanishes at
// α = ΔA(n). Points where either side is zero are NaN.
func (l *Listener) Deviation(n int) []float64 {
	out := make([]float64, len(l.grid))
	ins, del := l.Samples(n)
	for g := range out {
		out[g] = math.NaN()
		if ins == 0 || del == 0 {
			continue
		}
		i := l.insertSums[n][g]
		d := l.deleteSums[n+1][g]
		if i > 0 && d > 0 {
			out[g] = math.Log(d/float64(del)) - math.Log(i/float64(ins))
		}
	}
	return out
}

// Estimate solves for ΔA(n) between n and n+1.
func (l *Listener) Estimate(n int) Estimate {
	ins, del := l.Samples(n)
	est := Estimate{N: n, DeltaA: math.NaN(), InsertSamples: ins, DeleteSamples: del}
	if ins == 0 || del == 0 {
		return est
	}
	h := l.Deviation(n)
	var xs, ys []float64
	for g, v := range h {
		if !math.IsNaN(v) {
			xs = append(xs, l.grid[g])
			ys = append(ys, v)
		}
	}
	if len(xs) == 0 {
		return est
	}
	for i, y := range ys {
		if y == 0 {
			est.DeltaA, est.Status = xs[i], Determined
			return est
		}
	}
	bracket := -1
	for i := 0; i+1 < len(ys); i++ {
		if ys[i] > 0 && ys[i+1] < 0 {
			bracket = i
			break
		}
	}
	if bracket < 0 {
		est.Status = LowConfidence
		if ys[0] > 0 {
			// D exceeds I everywhere: the root lies above the grid.
			est.DeltaA = l.grid[len(l.grid)-1]
		} else {
			est.DeltaA = l.grid[0]
		}
		return est
	}
	est.DeltaA = solve(xs, ys, bracket)
	est.Status = Determined
	return est
}

type predictor interface {
	Predict(x float64) float64
}

// solve locates the zero of a monotone interpolant of (xs, ys) between
// xs[i] and xs[i+1], where ys changes sign from positive to negative.
func solve(xs, ys []float64, i int) float64 {
	var p predictor
	if len(xs) >= 3 {
		var fb interp.FritschButland
		if err := fb.Fit(xs, ys); err == nil {
			p = &fb
		}
	}
	if p == nil {
		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs[i:i+2], ys[i:i+2]); err != nil {
			return xs[i] + (xs[i+1]-xs[i])*ys[i]/(ys[i]-ys[i+1])
		}
		p = &pl
	}
	lo, hi := xs[i], xs[i+1]
	for iter := 0; iter < 100 && hi-lo > 1e-12; iter++ {
		mid := 0.5 * (lo + hi)
		if p.Predict(mid) > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi)
}

// Estimates returns ΔA(n) for n from 0 up to the largest pair with data.
func (l *Listener) Estimates() []Estimate {
	top := len(l.visits) - 1
	out := make([]Estimate, 0, max(top, 0))
	for n := 0; n < top; n++ {
		out = append(out, l.Estimate(n))
	}
	return out
}

// ImpliedLnProbabilities returns ln P(N) of the unbiased ensemble at the
// given βμ, normalised over the contiguous run of estimated pairs starting at
// the lowest observed N. The first returned value belongs to that N.
func (l *Listener) ImpliedLnProbabilities(betaMu float64) (firstN int, lnP []float64) {
	firstN = -1
	for n, v := range l.visits {
		if v > 0 {
			firstN = n
			break
		}
	}
	if firstN < 0 {
		return -1, nil
	}
	lnP = []float64{0}
	for n := firstN; ; n++ {
		est := l.Estimate(n)
		if est.Status == Undetermined {
			break
		}
		lnP = append(lnP, lnP[len(lnP)-1]+betaMu-est.DeltaA)
	}
	norm := floats.LogSumExp(lnP)
	floats.AddConst(-norm, lnP)
	return firstN, lnP
}
