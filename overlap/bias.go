package overlap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/gcmc-sampler/internal/logging"
)

const tracerName = "github.com/signalsfoundry/gcmc-sampler/overlap"

// DefaultMaxDeviation bounds each bias increment to βμ ± factor·max(1, |βμ|).
const DefaultMaxDeviation = 5.0

const (
	lowConfidenceWeight = 0.1
	filledWeight        = 1e-3
)

// ErrNoEstimates is returned when no pair in range has any data.
var ErrNoEstimates = errors.New("no free-energy estimates available")

// BiasTarget is the move whose ln-bias table is tuned.
type BiasTarget interface {
	BetaMu() float64
	Range() (minN, maxN int)
	LnBias(n int) float64
	SetLnBiasTable(values []float64) error
}

// UpdateRecorder receives bias update statistics.
type UpdateRecorder interface {
	ObserveBiasUpdate(d time.Duration, unresolved int)
}

// BiasUpdate summarises one application of the tuning action.
type BiasUpdate struct {
	MinN       int
	LnBias     []float64
	Increments []float64
	Estimates  []Estimate
	Unresolved int
	Clamped    int
}

// BiasAction rewrites a move's ln-bias table from the listener's free-energy
// estimates so that the biased particle-number histogram flattens.
type BiasAction struct {
	listener     *Listener
	target       BiasTarget
	maxDeviation float64
	maxReweightN int
	log          logging.Logger
	recorder     UpdateRecorder
}

// BiasOption configures a BiasAction.
type BiasOption func(*BiasAction)

// WithMaxDeviation sets the clamp factor relative to the nominal βμ.
func WithMaxDeviation(f float64) BiasOption {
	return func(a *BiasAction) { a.maxDeviation = f }
}

// WithMaxReweightN limits tuning to N < minN+n. Zero means no limit.
func WithMaxReweightN(n int) BiasOption {
	return func(a *BiasAction) { a.maxReweightN = n }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) BiasOption {
	return func(a *BiasAction) {
		if l != nil {
			a.log = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r UpdateRecorder) BiasOption {
	return func(a *BiasAction) { a.recorder = r }
}

// NewBiasAction ties listener output to target.
func NewBiasAction(listener *Listener, target BiasTarget, opts ...BiasOption) (*BiasAction, error) {
	if listener == nil || target == nil {
		return nil, errors.New("bias action needs a listener and a target")
	}
	a := &BiasAction{
		listener:     listener,
		target:       target,
		maxDeviation: DefaultMaxDeviation,
		log:          logging.Noop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if !(a.maxDeviation > 0) {
		return nil, fmt.Errorf("max deviation must be positive, got %v", a.maxDeviation)
	}
	if a.maxReweightN < 0 {
		return nil, fmt.Errorf("max reweight N must be non-negative, got %d", a.maxReweightN)
	}
	return a, nil
}

// span returns the pair range [minN, hi) to tune.
func (a *BiasAction) span() (minN, hi int) {
	minN, maxN := a.target.Range()
	hi = a.listener.MaxObservedN()
	if maxN >= 0 && hi > maxN {
		hi = maxN
	}
	if a.maxReweightN > 0 && hi > minN+a.maxReweightN {
		hi = minN + a.maxReweightN
	}
	return minN, hi
}

// Apply computes and installs a new ln-bias table.
func (a *BiasAction) Apply(ctx context.Context) (BiasUpdate, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "overlap.BiasAction.Apply",
		trace.WithAttributes(attribute.Float64("beta_mu", a.target.BetaMu())))
	defer span.End()

	upd, err := a.compute()
	if err == nil {
		err = a.target.SetLnBiasTable(upd.LnBias)
	}
	if a.recorder != nil {
		a.recorder.ObserveBiasUpdate(time.Since(start), upd.Unresolved)
	}
	if err != nil {
		span.RecordError(err)
		a.log.Warn(ctx, "bias update skipped", logging.String("error", err.Error()))
		return upd, err
	}
	span.SetAttributes(
		attribute.Int("min_n", upd.MinN),
		attribute.Int("pairs", len(upd.Increments)),
		attribute.Int("unresolved", upd.Unresolved),
		attribute.Int("clamped", upd.Clamped),
	)
	a.log.Debug(ctx, "bias table updated",
		logging.Int("min_n", upd.MinN),
		logging.Int("pairs", len(upd.Increments)),
		logging.Int("unresolved", upd.Unresolved),
		logging.Int("clamped", upd.Clamped),
	)
	return upd, nil
}

func (a *BiasAction) compute() (BiasUpdate, error) {
	minN, hi := a.span()
	upd := BiasUpdate{MinN: minN}
	if hi <= minN {
		return upd, ErrNoEstimates
	}
	betaMu := a.target.BetaMu()
	count := hi - minN
	inc := make([]float64, count)
	w := make([]float64, count)
	known := make([]bool, count)
	upd.Estimates = make([]Estimate, count)
	for i := range inc {
		est := a.listener.Estimate(minN + i)
		upd.Estimates[i] = est
		if est.Status == Undetermined {
			upd.Unresolved++
			continue
		}
		known[i] = true
		inc[i] = est.DeltaA
		w[i] = float64(min(est.InsertSamples, est.DeleteSamples))
		if est.Status == LowConfidence {
			w[i] *= lowConfidenceWeight
		}
	}
	if upd.Unresolved == count {
		return upd, ErrNoEstimates
	}
	fillNearest(inc, w, known)

	bound := a.maxDeviation * math.Max(1, math.Abs(betaMu))
	for i, v := range inc {
		c := math.Min(math.Max(v, betaMu-bound), betaMu+bound)
		if c != v {
			upd.Clamped++
		}
		inc[i] = c
	}
	inc = isotonic(inc, w)

	lnb := make([]float64, count+1)
	for i, v := range inc {
		lnb[i+1] = lnb[i] + v
	}
	upd.Increments = inc
	upd.LnBias = lnb
	return upd, nil
}

// fillNearest replaces unknown increments with the nearest known one,
// preferring the lower neighbour on ties.
func fillNearest(inc, w []float64, known []bool) {
	for i := range inc {
		if known[i] {
			continue
		}
		for d := 1; d < len(inc); d++ {
			if j := i - d; j >= 0 && known[j] {
				inc[i] = inc[j]
				break
			}
			if j := i + d; j < len(inc) && known[j] {
				inc[i] = inc[j]
				break
			}
		}
		w[i] = filledWeight
	}
}

// isotonic returns the weighted least-squares non-decreasing fit of ys
// (pool adjacent violators). Non-positive weights count as filled points.
func isotonic(ys, ws []float64) []float64 {
	type block struct {
		sum, weight float64
		n           int
	}
	blocks := make([]block, 0, len(ys))
	for i, y := range ys {
		w := ws[i]
		if !(w > 0) {
			w = filledWeight
		}
		blocks = append(blocks, block{sum: y * w, weight: w, n: 1})
		for len(blocks) > 1 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if prev.sum/prev.weight <= last.sum/last.weight {
				break
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, block{sum: prev.sum + last.sum, weight: prev.weight + last.weight, n: prev.n + last.n})
		}
	}
	out := make([]float64, 0, len(ys))
	for _, b := range blocks {
		mean := b.sum / b.weight
		for k := 0; k < b.n; k++ {
			out = append(out, mean)
		}
	}
	return out
}
