package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS bias_tables (
  run TEXT PRIMARY KEY,
  min_n INTEGER NOT NULL,
  beta_mu REAL NOT NULL,
  saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bias_entries (
  run TEXT NOT NULL REFERENCES bias_tables(run) ON DELETE CASCADE,
  n INTEGER NOT NULL,
  ln_bias REAL NOT NULL,
  PRIMARY KEY (run, n)
);`

// SQLiteStore keeps tables in a SQLite database.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite applies _pragma parameters on every new connection.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save replaces the table of t.Run in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, t Table) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	savedAt := t.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM bias_entries WHERE run = ?`, t.Run); err != nil {
		return fmt.Errorf("clear checkpoint entries: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO bias_tables (run, min_n, beta_mu, saved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run) DO UPDATE SET min_n = excluded.min_n, beta_mu = excluded.beta_mu, saved_at = excluded.saved_at`,
		t.Run, t.MinN, t.BetaMu, savedAt.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bias_entries (run, n, ln_bias) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare checkpoint entries: %w", err)
	}
	defer stmt.Close()
	for _, e := range t.Entries {
		if _, err = stmt.ExecContext(ctx, t.Run, e.N, e.LnBias); err != nil {
			return fmt.Errorf("save checkpoint entry N=%d: %w", e.N, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load reads the table of run.
func (s *SQLiteStore) Load(ctx context.Context, run string) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}
	if s == nil || s.sqlDB == nil {
		return Table{}, fmt.Errorf("storage is not configured")
	}
	if err := validateRun(run); err != nil {
		return Table{}, err
	}

	t := Table{Run: run}
	var savedAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT min_n, beta_mu, saved_at FROM bias_tables WHERE run = ?`, run,
	).Scan(&t.MinN, &t.BetaMu, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Table{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, run)
	}
	if err != nil {
		return Table{}, fmt.Errorf("load checkpoint: %w", err)
	}
	t.SavedAt = time.UnixMilli(savedAt).UTC()

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT n, ln_bias FROM bias_entries WHERE run = ? ORDER BY n`, run)
	if err != nil {
		return Table{}, fmt.Errorf("load checkpoint entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.N, &e.LnBias); err != nil {
			return Table{}, fmt.Errorf("scan checkpoint entry: %w", err)
		}
		t.Entries = append(t.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Table{}, fmt.Errorf("load checkpoint entries: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}
