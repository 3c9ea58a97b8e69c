package checkpoint

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleTable(run string) Table {
	return Table{
		Run:     run,
		MinN:    3,
		BetaMu:  -2.75,
		SavedAt: time.Date(2026, time.March, 4, 5, 6, 7, 8e6, time.UTC),
		Entries: []Entry{
			{N: 3, LnBias: 0},
			{N: 4, LnBias: math.Log(5.0 / 6.0)},
			{N: 5, LnBias: 0.1 + 0.2},
			{N: 6, LnBias: -1e-300},
		},
	}
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	files, err := NewFileStore(filepath.Join(dir, "tables"))
	require.NoError(t, err)
	db, err := OpenSQLite(filepath.Join(dir, "bias.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, files.Close())
		require.NoError(t, db.Close())
	})
	return map[string]Store{"file": files, "sqlite": db}
}

func TestStoresRoundTripExactly(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleTable("lattice-gas")
			require.NoError(t, store.Save(ctx, want))

			got, err := store.Load(ctx, want.Run)
			require.NoError(t, err)
			require.Equal(t, want.Run, got.Run)
			require.Equal(t, want.MinN, got.MinN)
			require.Equal(t, want.BetaMu, got.BetaMu)
			require.True(t, want.SavedAt.Equal(got.SavedAt), "SavedAt = %v, want %v", got.SavedAt, want.SavedAt)
			require.Equal(t, want.Entries, got.Entries)
		})
	}
}

func TestStoresReplaceEarlierTable(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, sampleTable("vacancy")))

			shorter := Table{Run: "vacancy", MinN: 10, Entries: []Entry{{N: 10, LnBias: 1.5}, {N: 11, LnBias: 2}}}
			require.NoError(t, store.Save(ctx, shorter))

			got, err := store.Load(ctx, "vacancy")
			require.NoError(t, err)
			require.Equal(t, 10, got.MinN)
			require.Equal(t, shorter.Entries, got.Entries)
		})
	}
}

func TestStoresReportMissingRun(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), "never-saved")
			require.ErrorIs(t, err, ErrCheckpointNotFound)
		})
	}
}

func TestStoresRejectInvalidTables(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gap := Table{Run: "gap", MinN: 0, Entries: []Entry{{N: 0}, {N: 2}}}
			require.Error(t, store.Save(ctx, gap))
			require.Error(t, store.Save(ctx, Table{Run: "empty"}))
			require.Error(t, store.Save(ctx, Table{Run: "../escape", Entries: []Entry{{N: 0}}}))

			_, err := store.Load(ctx, "gap")
			require.ErrorIs(t, err, ErrCheckpointNotFound)
		})
	}
}

func TestStoresHonourCancelledContext(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.ErrorIs(t, store.Save(ctx, sampleTable("cancelled")), context.Canceled)
			_, err := store.Load(ctx, "cancelled")
			require.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	require.Error(t, err)
	_, err = NewFileStore("")
	require.Error(t, err)

	var nilStore *SQLiteStore
	require.NoError(t, nilStore.Close())
}

func TestSQLiteConnectionPragmas(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "bias.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	var journal string
	require.NoError(t, db.sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journal))
	require.Equal(t, "wal", journal)
	var foreignKeys, busyTimeout int
	require.NoError(t, db.sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
	require.NoError(t, db.sqlDB.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, 5000, busyTimeout)
}

func TestSQLiteRejectsOrphanEntries(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "bias.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	_, err = db.sqlDB.Exec("INSERT INTO bias_entries (run, n, ln_bias) VALUES (?, ?, ?)", "missing", 0, 0.0)
	require.Error(t, err)
}
