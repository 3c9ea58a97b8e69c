package main

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/gcmc-sampler/box"
	"github.com/signalsfoundry/gcmc-sampler/integrator"
	"github.com/signalsfoundry/gcmc-sampler/internal/config"
	"github.com/signalsfoundry/gcmc-sampler/internal/logging"
	"github.com/signalsfoundry/gcmc-sampler/internal/observability"
	"github.com/signalsfoundry/gcmc-sampler/mcmove"
	"github.com/signalsfoundry/gcmc-sampler/overlap"
	"github.com/signalsfoundry/gcmc-sampler/potential"
	"github.com/signalsfoundry/gcmc-sampler/random"
	"github.com/signalsfoundry/gcmc-sampler/space"
)

// exchangeMove is the particle insertion/deletion move of either system.
type exchangeMove interface {
	overlap.Source
	overlap.BiasTarget
	LnBiasTable() []mcmove.BiasEntry
	LoadLnBiasTable(entries []mcmove.BiasEntry) error
}

type sampler struct {
	cfg       config.Config
	log       logging.Logger
	box       *box.Box
	manager   *mcmove.Manager
	in        *integrator.Integrator
	exchange  exchangeMove
	listener  *overlap.Listener
	bias      *overlap.BiasAction
	collector *observability.SamplerCollector
}

// Report summarises the production phase.
type Report struct {
	Steps          int64
	ParticleCount  int
	Visits         []int64
	Estimates      []overlap.Estimate
	FirstN         int
	LnProbability  []float64
	Acceptance     map[string]float64
	LnBias         []mcmove.BiasEntry
	FinalPotential float64
}

func newSampler(cfg config.Config, log logging.Logger, collector *observability.SamplerCollector) (*sampler, error) {
	rng := random.New(cfg.Run.Seed)
	pair, err := newPair(cfg.System)
	if err != nil {
		return nil, err
	}

	s := &sampler{cfg: cfg, log: log, collector: collector}
	idOpts := []mcmove.InsertDeleteOption{
		mcmove.WithRange(cfg.Insertion.MinN, cfg.Insertion.MaxN),
		mcmove.WithFrequency(cfg.Insertion.Frequency),
	}

	switch cfg.System.Kind {
	case config.KindLatticeGas:
		a := cfg.System.LatticeConstant
		s.box, err = box.New(float64(cfg.System.Sites) * a)
		if err != nil {
			return nil, err
		}
		idOpts = append(idOpts, mcmove.WithPositions(mcmove.LatticeSites{Sites: space.ChainSites(cfg.System.Sites, a)}))
		s.manager = mcmove.NewManager(s.box, rng)
		meter := potential.NewMeter(s.box, pair)
		mv, err := mcmove.NewInsertDelete(s.box, meter, rng, cfg.Insertion.BetaMu, idOpts...)
		if err != nil {
			return nil, err
		}
		s.exchange = mv
		s.manager.AddMove(mv)
		if err := s.addDisplace(meter, rng); err != nil {
			return nil, err
		}
		s.in, err = integrator.New(s.manager, meter, integrator.WithTemperature(cfg.Run.Temperature), integrator.WithLogger(log))
		if err != nil {
			return nil, err
		}

	case config.KindFCCVacancy:
		a := cfg.System.LatticeConstant
		s.box, err = box.New(float64(cfg.System.Cells) * a)
		if err != nil {
			return nil, err
		}
		sites := space.FCCSites(cfg.System.Cells, a)
		for _, i := range occupiedSites(len(sites), cfg.System.Vacancies, rng) {
			s.box.AddParticle(sites[i])
		}
		meter := potential.NewMeter(s.box, pair)
		region, cutoff, err := newRegion(cfg, a/math.Sqrt2)
		if err != nil {
			return nil, err
		}
		lv, err := mcmove.NewLatticeVacancy(s.box, s.box, meter, rng, cfg.Insertion.BetaMu, region, cutoff, cfg.Insertion.Coordination, idOpts...)
		if err != nil {
			return nil, err
		}
		lv.SetForcedCheck(cfg.Insertion.ForcedCheck)
		s.exchange = lv
		s.manager = mcmove.NewManager(s.box, rng)
		s.manager.AddMove(lv)
		if err := s.addDisplace(meter, rng); err != nil {
			return nil, err
		}
		s.in, err = integrator.New(s.manager, meter, integrator.WithTemperature(cfg.Run.Temperature), integrator.WithLogger(log))
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: system kind %q", config.ErrInvalidConfig, cfg.System.Kind)
	}

	s.listener, err = overlap.NewListener(s.exchange, cfg.Overlap.GridPoints, cfg.Overlap.Center, cfg.Overlap.Span)
	if err != nil {
		return nil, err
	}
	s.manager.Events().AddListener(s.listener)
	if collector != nil {
		s.manager.Events().AddListener(collector)
	}
	s.bias, err = overlap.NewBiasAction(s.listener, s.exchange,
		overlap.WithMaxDeviation(cfg.Bias.MaxDeviation),
		overlap.WithMaxReweightN(cfg.Bias.MaxReweightN),
		overlap.WithLogger(log),
		overlap.WithRecorder(collector),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sampler) addDisplace(meter *potential.Meter, rng *random.Source) error {
	d := s.cfg.Displacement
	if !d.Enabled {
		return nil
	}
	st, err := mcmove.NewStepTracker(d.StepSize, d.MinStep, d.MaxStep,
		mcmove.WithTargetAcceptance(d.Target),
		mcmove.WithAdjustInterval(d.AdjustInterval),
	)
	if err != nil {
		return err
	}
	mv := mcmove.NewDisplace(s.box, meter, rng, st)
	s.manager.AddMove(mv)
	return s.manager.SetFrequencyMultiplier(mv, float64(d.Frequency))
}

func newPair(sys config.SystemConfig) (potential.Pair, error) {
	switch sys.Potential {
	case config.PotentialHard:
		return potential.HardSphere{Sigma: sys.Sigma}, nil
	case config.PotentialLJ:
		return potential.NewLennardJones(sys.Epsilon, sys.Sigma, sys.Cutoff, sys.Shift)
	case config.PotentialIdeal:
		return potential.Ideal{}, nil
	default:
		return nil, fmt.Errorf("%w: potential %q", config.ErrInvalidConfig, sys.Potential)
	}
}

// newRegion builds the insertion region around a partner at nearest-neighbour
// distance d and the coordination cutoff that goes with it.
func newRegion(cfg config.Config, d float64) (mcmove.InsertRegion, float64, error) {
	var region mcmove.InsertRegion
	delta := cfg.Insertion.MaxInsertDistance
	if cfg.Insertion.Geometry == config.GeometryShell {
		r, err := mcmove.NewShellRegion(d, delta)
		if err != nil {
			return nil, 0, err
		}
		region = r
	} else {
		offsets, err := space.OffsetsFor(cfg.Insertion.Geometry, d)
		if err != nil {
			return nil, 0, err
		}
		r, err := mcmove.NewLatticeRegion(offsets, delta)
		if err != nil {
			return nil, 0, err
		}
		region = r
	}
	cutoff := cfg.Insertion.NeighborCutoff
	if cutoff <= 0 {
		cutoff = math.Max(1.2*d, region.Reach()+0.1*d)
	}
	return region, cutoff, nil
}

// occupiedSites returns the indices of n sites minus a random set of vacancies.
func occupiedSites(n, vacancies int, rng *random.Source) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < vacancies && i < n; i++ {
		j := i + rng.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[min(vacancies, n):]
}

// restore installs a saved bias table.
func (s *sampler) restore(entries []mcmove.BiasEntry) error {
	return s.exchange.LoadLnBiasTable(entries)
}

// run equilibrates with step and bias tuning, then samples production.
func (s *sampler) run(ctx context.Context, equilibration, production int64) (Report, error) {
	if err := s.in.Reset(); err != nil {
		return Report{}, err
	}
	removeMetrics := s.in.AddListener(s.cfg.Metrics.Interval, func(context.Context, int64) error {
		s.observe()
		return nil
	})
	defer removeMetrics()
	if s.cfg.Run.ReportInterval > 0 {
		defer s.in.AddListener(s.cfg.Run.ReportInterval, func(ctx context.Context, step int64) error {
			s.log.Info(ctx, "progress",
				logging.Any("step", step),
				logging.Int("particles", s.box.ParticleCount()),
				logging.Float("potential", s.in.PotentialEnergy()),
				logging.Bool("equilibrating", s.manager.Equilibrating()),
			)
			return nil
		})()
	}

	if equilibration > 0 {
		s.in.SetEquilibrating(true)
		var removeBias func()
		if s.cfg.Bias.Enabled {
			removeBias = s.in.AddListener(s.cfg.Bias.Interval, func(ctx context.Context, _ int64) error {
				return s.applyBias(ctx)
			})
		}
		s.log.Info(ctx, "equilibrating", logging.Any("steps", equilibration))
		err := s.in.Run(ctx, equilibration)
		if removeBias != nil {
			removeBias()
		}
		if err != nil {
			return Report{}, err
		}
		if s.cfg.Bias.Enabled {
			if err := s.applyBias(ctx); err != nil {
				return Report{}, err
			}
		}
	}

	s.listener.Reset()
	s.in.ResetStepCount()
	for _, mv := range s.manager.Moves() {
		mv.Tracker().Reset()
	}
	s.in.SetEquilibrating(false)
	if err := s.in.Reset(); err != nil {
		return Report{}, err
	}

	s.log.Info(ctx, "production", logging.Any("steps", production))
	if err := s.in.Run(ctx, production); err != nil {
		return Report{}, err
	}
	s.observe()
	return s.report(), nil
}

func (s *sampler) applyBias(ctx context.Context) error {
	_, err := s.bias.Apply(ctx)
	if errors.Is(err, overlap.ErrNoEstimates) {
		return nil
	}
	return err
}

func (s *sampler) observe() {
	if s.collector == nil {
		return
	}
	s.collector.ObserveMoves(s.manager.Moves())
	s.collector.SetParticleCount(s.box.ParticleCount())
}

func (s *sampler) report() Report {
	r := Report{
		Steps:          s.in.StepCount(),
		ParticleCount:  s.box.ParticleCount(),
		Visits:         s.listener.Histogram(),
		Estimates:      s.listener.Estimates(),
		Acceptance:     make(map[string]float64),
		LnBias:         s.exchange.LnBiasTable(),
		FinalPotential: s.in.PotentialEnergy(),
	}
	r.FirstN, r.LnProbability = s.listener.ImpliedLnProbabilities(s.exchange.BetaMu())
	for _, mv := range s.manager.Moves() {
		r.Acceptance[mv.Name()] = mv.Tracker().AcceptanceRatio()
	}
	return r
}
