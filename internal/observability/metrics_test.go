package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/signalsfoundry/gcmc-sampler/mcmove"
)

type stubMove struct {
	name    string
	tracker mcmove.Tracker
}

func (m *stubMove) Name() string                     { return m.name }
func (m *stubMove) ProposeTrial() bool               { return true }
func (m *stubMove) AcceptanceWeight(float64) float64 { return 1 }
func (m *stubMove) OnAccept()                        {}
func (m *stubMove) OnReject()                        {}
func (m *stubMove) EnergyChange() float64            { return 0 }
func (m *stubMove) Tracker() mcmove.Tracker          { return m.tracker }
func (m *stubMove) Frequency() int                   { return 1 }
func (m *stubMove) PerParticleFrequency() bool       { return false }

func TestCollectorCountsTrialOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSamplerCollector(reg)
	if err != nil {
		t.Fatalf("NewSamplerCollector: %v", err)
	}
	mv := &stubMove{name: "displace", tracker: mcmove.NewCounter()}

	collector.OnMoveEvent(mcmove.Event{Type: mcmove.EventTrialInitiated, Move: mv})
	collector.OnMoveEvent(mcmove.Event{Type: mcmove.EventTrialCompleted, Move: mv, Accepted: true, Chi: 1})
	collector.OnMoveEvent(mcmove.Event{Type: mcmove.EventTrialCompleted, Move: mv, Chi: 0.1})
	collector.OnMoveEvent(mcmove.Event{Type: mcmove.EventTrialCompleted, Move: mv, Chi: 0.2})
	collector.OnMoveEvent(mcmove.Event{Type: mcmove.EventTrialFailed, Move: mv})
	collector.OnMoveEvent(mcmove.Event{Type: mcmove.EventTrialCompleted, Move: mv, Check: true})

	for outcome, want := range map[string]float64{OutcomeAccepted: 1, OutcomeRejected: 2, OutcomeFailed: 1, OutcomeCheck: 1} {
		if got := testutil.ToFloat64(collector.Trials.WithLabelValues("displace", outcome)); got != want {
			t.Fatalf("mc_trials_total{outcome=%q} = %v, want %v", outcome, got, want)
		}
	}
}

func TestCollectorObservesMoves(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSamplerCollector(reg)
	if err != nil {
		t.Fatalf("NewSamplerCollector: %v", err)
	}
	st, err := mcmove.NewStepTracker(0.25, 0.01, 1)
	if err != nil {
		t.Fatalf("NewStepTracker: %v", err)
	}
	st.UpdateCounts(true, 1)
	st.UpdateCounts(false, 0)
	st.UpdateCounts(true, 1)
	st.UpdateCounts(true, 1)
	fresh := &stubMove{name: "insert-delete", tracker: mcmove.NewCounter()}

	collector.ObserveMoves([]mcmove.Move{&stubMove{name: "displace", tracker: st}, fresh})
	collector.SetParticleCount(42)

	if got := testutil.ToFloat64(collector.StepSize.WithLabelValues("displace")); got != st.StepSize() {
		t.Fatalf("mc_step_size = %v, want %v", got, st.StepSize())
	}
	if got := testutil.ToFloat64(collector.AcceptanceRatio.WithLabelValues("displace")); got != 0.75 {
		t.Fatalf("mc_acceptance_ratio = %v, want 0.75", got)
	}
	if got := testutil.ToFloat64(collector.ParticleCount); got != 42 {
		t.Fatalf("mc_particle_count = %v, want 42", got)
	}
	// A move without trials has no ratio yet and gets no series.
	if n := testutil.CollectAndCount(collector.AcceptanceRatio); n != 1 {
		t.Fatalf("mc_acceptance_ratio series = %d, want 1", n)
	}
}

func TestCollectorRecordsBiasUpdates(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSamplerCollector(reg)
	if err != nil {
		t.Fatalf("NewSamplerCollector: %v", err)
	}
	collector.ObserveBiasUpdate(3*time.Millisecond, 2)

	if count := histogramSampleCount(t, reg, "mc_bias_update_duration_seconds", nil); count != 1 {
		t.Fatalf("mc_bias_update_duration_seconds sample_count = %d, want 1", count)
	}
	if got := testutil.ToFloat64(collector.BiasUnresolved); got != 2 {
		t.Fatalf("mc_bias_unresolved = %v, want 2", got)
	}
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSamplerCollector(reg)
	if err != nil {
		t.Fatalf("NewSamplerCollector: %v", err)
	}
	second, err := NewSamplerCollector(reg)
	if err != nil {
		t.Fatalf("second NewSamplerCollector: %v", err)
	}
	second.SetParticleCount(7)
	if got := testutil.ToFloat64(first.ParticleCount); got != 7 {
		t.Fatalf("shared mc_particle_count = %v, want 7", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SamplerCollector
	c.OnMoveEvent(mcmove.Event{Type: mcmove.EventTrialFailed})
	c.ObserveMoves(nil)
	c.SetParticleCount(1)
	c.ObserveBiasUpdate(time.Second, 1)
	if c.Handler() == nil {
		t.Fatalf("nil collector returned nil handler")
	}
}

func TestMetricsHandlerExposesSamplerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSamplerCollector(reg)
	if err != nil {
		t.Fatalf("NewSamplerCollector: %v", err)
	}
	collector.SetParticleCount(3)
	collector.Trials.WithLabelValues("displace", OutcomeAccepted).Inc()
	collector.StepSize.WithLabelValues("displace").Set(0.5)
	collector.AcceptanceRatio.WithLabelValues("displace").Set(0.4)
	collector.ObserveBiasUpdate(time.Millisecond, 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"mc_trials_total",
		"mc_step_size",
		"mc_acceptance_ratio",
		"mc_particle_count",
		"mc_bias_update_duration_seconds",
		"mc_bias_unresolved",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
