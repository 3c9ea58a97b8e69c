// Package checkpoint persists ln-bias tables between runs.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/gcmc-sampler/mcmove"
)

// ErrCheckpointNotFound is returned by Load when no table is stored for a run.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Entry is one (N, ln-bias) pair.
type Entry = mcmove.BiasEntry

// Table is the persisted ln-bias table of one run.
type Table struct {
	Run     string    `yaml:"run"`
	MinN    int       `yaml:"min_n"`
	BetaMu  float64   `yaml:"beta_mu"`
	SavedAt time.Time `yaml:"saved_at"`
	Entries []Entry   `yaml:"entries"`
}

// Store saves and loads tables keyed by run name.
type Store interface {
	Save(ctx context.Context, t Table) error
	Load(ctx context.Context, run string) (Table, error)
	Close() error
}

// Validate checks that entries are contiguous from MinN.
func (t Table) Validate() error {
	if err := validateRun(t.Run); err != nil {
		return err
	}
	if len(t.Entries) == 0 {
		return fmt.Errorf("checkpoint %q has no entries", t.Run)
	}
	for i, e := range t.Entries {
		if e.N != t.MinN+i {
			return fmt.Errorf("checkpoint %q entry %d has N=%d, want %d", t.Run, i, e.N, t.MinN+i)
		}
	}
	return nil
}

func validateRun(run string) error {
	if strings.TrimSpace(run) == "" {
		return fmt.Errorf("run name is required")
	}
	if strings.ContainsAny(run, `/\`) || run == "." || run == ".." {
		return fmt.Errorf("run name %q must not contain path separators", run)
	}
	return nil
}
