package main

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/attune/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s storage.Store) {
	t.Helper()
	require.NoError(t, s.PutSample(1, 10, []byte{1}))
	require.NoError(t, s.PutSample(2, 10, []byte{2}))
	require.NoError(t, s.PutSample(1, 11, []byte{3}))
	require.NoError(t, s.PutAction(10, 4))
	require.NoError(t, s.PutAction(11, -1))
}

// TestMigrate tests copying between both backend directions
func TestMigrate(t *testing.T) {
	tests := []struct {
		from string
		to   string
	}{
		{from: storage.BackendBolt, to: storage.BackendSQLite},
		{from: storage.BackendSQLite, to: storage.BackendBolt},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			dir := t.TempDir()
			src, err := storage.Open(tt.from, filepath.Join(dir, "src.db"))
			require.NoError(t, err)
			defer src.Close()
			dst, err := storage.Open(tt.to, filepath.Join(dir, "dst.db"))
			require.NoError(t, err)
			defer dst.Close()

			seed(t, src)

			stats, err := migrate(src, dst)
			require.NoError(t, err)
			assert.Equal(t, migrateStats{Samples: 3, Actions: 2}, stats)

			got, err := dst.GetSample(2, 10)
			require.NoError(t, err)
			assert.Equal(t, []byte{2}, got)

			action, err := dst.GetAction(11)
			require.NoError(t, err)
			assert.Equal(t, int64(-1), action)

			// A second run finds everything present.
			stats, err = migrate(src, dst)
			require.NoError(t, err)
			assert.Equal(t, migrateStats{Skipped: 5}, stats)
		})
	}
}

// TestMigrateDryRun tests that a nil destination only counts rows
func TestMigrateDryRun(t *testing.T) {
	src, err := storage.Open(storage.BackendSQLite, filepath.Join(t.TempDir(), "src.db"))
	require.NoError(t, err)
	defer src.Close()
	seed(t, src)

	stats, err := migrate(src, nil)
	require.NoError(t, err)
	assert.Equal(t, migrateStats{Samples: 3, Actions: 2}, stats)
}

// TestCopyFile tests the backup helper
func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "replay.db")
	s, err := storage.Open(storage.BackendBolt, src)
	require.NoError(t, err)
	require.NoError(t, s.PutAction(1, 1))
	require.NoError(t, s.Close())

	backup := filepath.Join(dir, "replay.db.backup")
	require.NoError(t, copyFile(src, backup))

	b, err := storage.Open(storage.BackendBolt, backup)
	require.NoError(t, err)
	defer b.Close()
	action, err := b.GetAction(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), action)
}
