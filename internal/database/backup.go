package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"counselbook/internal/config"

	"github.com/rs/zerolog"
)

const (
	snapshotPrefix        = "counselbook-"
	snapshotSuffix        = ".db"
	snapshotLayout        = "20060102T150405.000000000Z"
	defaultBackupInterval = 24 * time.Hour
)

// BackupService snapshots the live database with VACUUM INTO on a fixed interval.
// Bookings, sessions and transcripts all live in the one file, so one snapshot is a full restore point.
type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger *zerolog.Logger
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BackupService{db: db, config: cfg, logger: logger}
}

func (s *BackupService) interval() time.Duration {
	if s.config.Schedule == "" {
		return defaultBackupInterval
	}
	d, err := time.ParseDuration(s.config.Schedule)
	if err != nil || d <= 0 {
		s.logger.Warn().Str("schedule", s.config.Schedule).Msg("bad backup schedule, using 24h")
		return defaultBackupInterval
	}
	return d
}

// Start takes a snapshot right away and then every interval until ctx is done.
func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("Backup service is disabled")
		return
	}

	interval := s.interval()
	s.logger.Info().Dur("interval", interval).Str("path", s.config.StoragePath).Msg("Backup service started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *BackupService) runOnce(ctx context.Context) {
	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("backup failed")
		return
	}
	if n, err := s.Prune(); err != nil {
		s.logger.Warn().Err(err).Msg("backup prune failed")
	} else if n > 0 {
		s.logger.Info().Int("removed", n).Msg("old backups pruned")
	}
}

// PerformBackup writes a consistent snapshot and returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	path := filepath.Join(s.config.StoragePath, snapshotName(s.db.now()))
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}

	s.logger.Info().Str("path", path).Msg("Backup completed")
	return path, nil
}

func snapshotName(at time.Time) string {
	return snapshotPrefix + at.UTC().Format(snapshotLayout) + snapshotSuffix
}

// snapshotTime reports when a snapshot was taken, judged by its name. Foreign files report false.
func snapshotTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
	t, err := time.Parse(snapshotLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Prune removes snapshots older than RetentionDays, always keeping the newest one.
// It returns how many files were removed.
func (s *BackupService) Prune() (int, error) {
	if s.config.RetentionDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		return 0, fmt.Errorf("read backup dir: %w", err)
	}

	type snapshot struct {
		name string
		at   time.Time
	}
	var snaps []snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if at, ok := snapshotTime(e.Name()); ok {
			snaps = append(snaps, snapshot{name: e.Name(), at: at})
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].at.After(snaps[j].at) })

	cutoff := s.db.now().AddDate(0, 0, -s.config.RetentionDays)
	removed := 0
	for i, snap := range snaps {
		if i == 0 || !snap.at.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.config.StoragePath, snap.name)); err != nil {
			s.logger.Warn().Err(err).Str("file", snap.name).Msg("remove old backup")
			continue
		}
		removed++
	}
	return removed, nil
}
