package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileStore keeps one YAML file per run in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(run string) string {
	return filepath.Join(s.dir, run+".yaml")
}

// Save writes t, replacing any earlier table of the same run.
func (s *FileStore) Save(ctx context.Context, t Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	raw, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, t.Run+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(t.Run)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Load reads the table of run.
func (s *FileStore) Load(ctx context.Context, run string) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}
	if err := validateRun(run); err != nil {
		return Table{}, err
	}
	raw, err := os.ReadFile(s.path(run))
	if errors.Is(err, fs.ErrNotExist) {
		return Table{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, run)
	}
	if err != nil {
		return Table{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Table{}, fmt.Errorf("decode checkpoint %s: %w", run, err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
