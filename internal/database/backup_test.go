package database

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"counselbook/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService(t *testing.T) {
	db := setupTestDB(t)
	newTestSlot(t, db, "09:00", "10:00")

	storagePath := filepath.Join(t.TempDir(), "backups")
	cfg := config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}
	logger := zerolog.New(io.Discard)
	s := NewBackupService(db, cfg, &logger)

	t.Run("PerformBackup", func(t *testing.T) {
		path, err := s.PerformBackup(context.Background())
		require.NoError(t, err)
		assert.FileExists(t, path)
		assert.Equal(t, snapshotName(testNow), filepath.Base(path))

		restored, err := NewDB(path, &logger)
		require.NoError(t, err)
		defer restored.Close()
		slots, err := restored.ListProviderSlots(context.Background(), "provider-1")
		require.NoError(t, err)
		assert.Len(t, slots, 1)
	})

	t.Run("Prune", func(t *testing.T) {
		old := filepath.Join(storagePath, snapshotName(testNow.AddDate(0, 0, -3)))
		older := filepath.Join(storagePath, snapshotName(testNow.AddDate(0, 0, -5)))
		recent := filepath.Join(storagePath, snapshotName(testNow.Add(-time.Hour)))
		foreign := filepath.Join(storagePath, "notes.txt")
		for _, p := range []string{old, older, recent, foreign} {
			require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		}

		n, err := s.Prune()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.NoFileExists(t, old)
		assert.NoFileExists(t, older)
		assert.FileExists(t, recent)
		assert.FileExists(t, foreign)
	})
}

func TestBackupService_PruneKeepsNewest(t *testing.T) {
	db := setupTestDB(t)
	dir := t.TempDir()
	only := filepath.Join(dir, snapshotName(testNow.AddDate(0, 0, -30)))
	require.NoError(t, os.WriteFile(only, []byte("x"), 0o644))

	s := NewBackupService(db, config.BackupConfig{Enabled: true, StoragePath: dir, RetentionDays: 7}, nil)
	n, err := s.Prune()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.FileExists(t, only)
}

func TestSnapshotTime(t *testing.T) {
	at, ok := snapshotTime(snapshotName(testNow))
	require.True(t, ok)
	assert.True(t, at.Equal(testNow))

	for _, name := range []string{"backup_old.db", "counselbook-garbage.db", "counselbook-20260302T080000.000000000Z.sql"} {
		_, ok := snapshotTime(name)
		assert.False(t, ok, name)
	}
}

func TestBackupService_Disabled(t *testing.T) {
	logger := zerolog.Nop()
	s := NewBackupService(nil, config.BackupConfig{Enabled: false}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
}
