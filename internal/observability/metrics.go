package observability

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/gcmc-sampler/mcmove"
)

// Trial outcome label values.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"

	// OutcomeCheck counts self-check trials, which are not sampling trials.
	OutcomeCheck = "check"
)

// SamplerCollector bundles Prometheus metrics for a running sampler. It
// observes trial events directly and is fed move and bias statistics by the
// driver between steps.
type SamplerCollector struct {
	gatherer prometheus.Gatherer

	Trials             *prometheus.CounterVec
	StepSize           *prometheus.GaugeVec
	AcceptanceRatio    *prometheus.GaugeVec
	ParticleCount      prometheus.Gauge
	BiasUpdateDuration prometheus.Histogram
	BiasUnresolved     prometheus.Gauge
}

// NewSamplerCollector registers sampler metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSamplerCollector(reg prometheus.Registerer) (*SamplerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	trials, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_trials_total",
		Help: "Monte Carlo trials, labeled by move and outcome.",
	}, []string{"move", "outcome"}), "mc_trials_total")
	if err != nil {
		return nil, err
	}
	stepSize, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mc_step_size",
		Help: "Current step size of adaptively tuned moves.",
	}, []string{"move"}), "mc_step_size")
	if err != nil {
		return nil, err
	}
	ratio, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mc_acceptance_ratio",
		Help: "Fraction of accepted trials since the move's counters were last reset.",
	}, []string{"move"}), "mc_acceptance_ratio")
	if err != nil {
		return nil, err
	}
	particles, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mc_particle_count",
		Help: "Current number of particles in the box.",
	}), "mc_particle_count")
	if err != nil {
		return nil, err
	}
	biasDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mc_bias_update_duration_seconds",
		Help:    "Duration of ln-bias table updates.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "mc_bias_update_duration_seconds")
	if err != nil {
		return nil, err
	}
	unresolved, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mc_bias_unresolved",
		Help: "Particle-count pairs without a free-energy estimate at the last bias update.",
	}), "mc_bias_unresolved")
	if err != nil {
		return nil, err
	}

	return &SamplerCollector{
		gatherer:           gatherer,
		Trials:             trials,
		StepSize:           stepSize,
		AcceptanceRatio:    ratio,
		ParticleCount:      particles,
		BiasUpdateDuration: biasDuration,
		BiasUnresolved:     unresolved,
	}, nil
}

// OnMoveEvent counts completed and failed trials.
func (c *SamplerCollector) OnMoveEvent(ev mcmove.Event) {
	if c == nil || c.Trials == nil || ev.Move == nil {
		return
	}
	var outcome string
	switch ev.Type {
	case mcmove.EventTrialFailed:
		outcome = OutcomeFailed
	case mcmove.EventTrialCompleted:
		switch {
		case ev.Check:
			outcome = OutcomeCheck
		case ev.Accepted:
			outcome = OutcomeAccepted
		default:
			outcome = OutcomeRejected
		}
	default:
		return
	}
	c.Trials.WithLabelValues(ev.Move.Name(), outcome).Inc()
}

type stepSizer interface {
	StepSize() float64
}

// ObserveMoves publishes acceptance ratios and, for tuned moves, step sizes.
func (c *SamplerCollector) ObserveMoves(moves []mcmove.Move) {
	if c == nil {
		return
	}
	for _, mv := range moves {
		tr := mv.Tracker()
		if tr == nil {
			continue
		}
		if r := tr.AcceptanceRatio(); c.AcceptanceRatio != nil && !math.IsNaN(r) {
			c.AcceptanceRatio.WithLabelValues(mv.Name()).Set(r)
		}
		if s, ok := tr.(stepSizer); ok && c.StepSize != nil {
			c.StepSize.WithLabelValues(mv.Name()).Set(s.StepSize())
		}
	}
}

// SetParticleCount records the current particle count.
func (c *SamplerCollector) SetParticleCount(n int) {
	if c == nil || c.ParticleCount == nil {
		return
	}
	c.ParticleCount.Set(float64(n))
}

// ObserveBiasUpdate records a bias table update.
func (c *SamplerCollector) ObserveBiasUpdate(d time.Duration, unresolved int) {
	if c == nil {
		return
	}
	if c.BiasUpdateDuration != nil {
		c.BiasUpdateDuration.Observe(d.Seconds())
	}
	if c.BiasUnresolved != nil {
		c.BiasUnresolved.Set(float64(unresolved))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SamplerCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
