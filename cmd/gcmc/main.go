package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/gcmc-sampler/internal/checkpoint"
	"github.com/signalsfoundry/gcmc-sampler/internal/config"
	"github.com/signalsfoundry/gcmc-sampler/internal/logging"
	"github.com/signalsfoundry/gcmc-sampler/internal/observability"
	"github.com/signalsfoundry/gcmc-sampler/mcmove"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	steps := flag.Int64("steps", -1, "Production steps; overrides run.steps when non-negative")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics; overrides metrics.addr")
	checkpointPath := flag.String("checkpoint", "", "Checkpoint directory, or a .db/.sqlite file; overrides the checkpoint section")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewFromEnv().Error(ctx, "failed to load config", logging.Err(err))
		os.Exit(1)
	}
	applyFlags(&cfg, *steps, *metricsAddr, *checkpointPath)

	ctx, log := logging.WithRunLogger(ctx, logging.New(cfg.LoggerConfig()))
	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracerConfig(logging.RunIDFromContext(ctx)), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	if err := run(ctx, cfg, log, prometheus.DefaultRegisterer, os.Stdout); err != nil {
		logFailure(ctx, log, err)
		os.Exit(1)
	}
}

func logFailure(ctx context.Context, log logging.Logger, err error) {
	var consistency *mcmove.ConsistencyError
	var overlapErr *mcmove.OverlapError
	switch {
	case errors.As(err, &consistency):
		log.Error(ctx, "detailed balance check failed",
			logging.String("move", consistency.Move),
			logging.Int("particle", int(consistency.Particle)),
			logging.Float("forward_ln_chi", consistency.Forward),
			logging.Float("reverse_ln_chi", consistency.Reverse),
			logging.Err(err),
		)
	case errors.As(err, &overlapErr):
		log.Error(ctx, "configuration overlap",
			logging.String("move", overlapErr.Move),
			logging.Int("particle", int(overlapErr.Particle)),
			logging.Float("energy", overlapErr.Energy),
		)
	default:
		log.Error(ctx, "sampler failed", logging.Err(err))
	}
}

func applyFlags(cfg *config.Config, steps int64, metricsAddr, checkpointPath string) {
	if steps >= 0 {
		cfg.Run.Steps = steps
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	switch p := strings.TrimSpace(checkpointPath); {
	case p == "":
	case strings.HasSuffix(p, ".db") || strings.HasSuffix(p, ".sqlite"):
		cfg.Checkpoint.SQLitePath = p
	default:
		cfg.Checkpoint.Dir = p
		cfg.Checkpoint.SQLitePath = ""
	}
}

// run samples cfg while serving metrics, then saves the bias table.
func run(ctx context.Context, cfg config.Config, log logging.Logger, reg prometheus.Registerer, out io.Writer) error {
	collector, err := observability.NewSamplerCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	s, err := newSampler(cfg, log, collector)
	if err != nil {
		return fmt.Errorf("build sampler: %w", err)
	}
	store, err := openStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		if cfg.Checkpoint.Resume {
			if err := resume(ctx, s, store, cfg, log); err != nil {
				return err
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(collector)}
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var rep Report
	g.Go(func() error {
		defer cancel()
		var err error
		rep, err = s.run(gctx, cfg.Run.EquilibrationSteps, cfg.Run.Steps)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	writeReport(out, rep)
	if store != nil && len(rep.LnBias) == 0 {
		log.Info(ctx, "no bias table to save", logging.String("run", cfg.Run.Name))
	} else if store != nil {
		t := checkpoint.Table{
			Run:     cfg.Run.Name,
			MinN:    cfg.Insertion.MinN,
			BetaMu:  cfg.Insertion.BetaMu,
			SavedAt: time.Now().UTC(),
			Entries: rep.LnBias,
		}
		if err := store.Save(ctx, t); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		log.Info(ctx, "saved bias checkpoint", logging.String("run", t.Run), logging.Int("entries", len(t.Entries)))
	}
	return nil
}

func metricsMux(collector *observability.SamplerCollector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

func openStore(cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch {
	case cfg.SQLitePath != "":
		s, err := checkpoint.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return s, nil
	case cfg.Dir != "":
		s, err := checkpoint.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

// errCheckpointMismatch reports a stored table sampled under a different
// ensemble than the one configured.
var errCheckpointMismatch = errors.New("checkpoint does not match configuration")

func resume(ctx context.Context, s *sampler, store checkpoint.Store, cfg config.Config, log logging.Logger) error {
	run := cfg.Run.Name
	t, err := store.Load(ctx, run)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		log.Info(ctx, "no checkpoint to resume", logging.String("run", run))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if t.MinN != cfg.Insertion.MinN {
		return fmt.Errorf("%w: run %s saved with min_n %d, configured %d", errCheckpointMismatch, run, t.MinN, cfg.Insertion.MinN)
	}
	if t.BetaMu != cfg.Insertion.BetaMu {
		return fmt.Errorf("%w: run %s saved with beta_mu %v, configured %v", errCheckpointMismatch, run, t.BetaMu, cfg.Insertion.BetaMu)
	}
	if err := s.restore(t.Entries); err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	log.Info(ctx, "resumed bias table", logging.String("run", run), logging.Int("entries", len(t.Entries)))
	return nil
}

func writeReport(w io.Writer, r Report) {
	fmt.Fprintf(w, "steps %d, final N %d, potential energy %.6g\n", r.Steps, r.ParticleCount, r.FinalPotential)
	for _, name := range slices.Sorted(maps.Keys(r.Acceptance)) {
		fmt.Fprintf(w, "move %-16s acceptance %.4f\n", name, r.Acceptance[name])
	}
	fmt.Fprintf(w, "%4s %10s %12s %14s %12s\n", "N", "visits", "dA(N->N+1)", "status", "ln P(N)")
	for n, v := range r.Visits {
		if v == 0 {
			continue
		}
		dA, status := math.NaN(), "-"
		if n < len(r.Estimates) {
			dA, status = r.Estimates[n].DeltaA, r.Estimates[n].Status.String()
		}
		lnP := math.NaN()
		if i := n - r.FirstN; r.FirstN >= 0 && i >= 0 && i < len(r.LnProbability) {
			lnP = r.LnProbability[i]
		}
		fmt.Fprintf(w, "%4d %10d %12.5f %14s %12.5f\n", n, v, dA, status, lnP)
	}
}
