package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koda-community/koda-bot/config"
	"github.com/koda-community/koda-bot/internal/infrastructure/metrics"
	"github.com/koda-community/koda-bot/pkg/logger"
)

type recordingSaver struct {
	mu    sync.Mutex
	saves []bool
	err   error
}

func (s *recordingSaver) SaveDB(permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, permanent)
	return s.err
}

func testConfig() *config.Config {
	return &config.Config{
		Persistence: config.PersistenceConfig{
			Folder:        "data",
			FileName:      "koda_db.json",
			ShortInterval: 5 * time.Minute,
			LongInterval:  24 * time.Hour,
		},
	}
}

func TestNewSnapshotScheduler_RegistersBothSaves(t *testing.T) {
	reg := prometheus.NewRegistry()
	saver := &recordingSaver{}

	sched, err := newSnapshotScheduler(testConfig(), saver, metrics.New(reg), logger.Discard())
	require.NoError(t, err)

	infos := sched.ListJobs()
	require.Len(t, infos, 2)
	assert.Equal(t, "snapshot_permanent", infos[0].Name)
	assert.Equal(t, "snapshot_rotating", infos[1].Name)

	_, err = sched.RunNow(context.Background(), "snapshot_rotating")
	require.NoError(t, err)
	_, err = sched.RunNow(context.Background(), "snapshot_permanent")
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, saver.saves)

	count, err := testutil.GatherAndCount(reg, "koda_scheduler_job_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNewSnapshotScheduler_FailedSaveIsReported(t *testing.T) {
	saver := &recordingSaver{err: errors.New("disk full")}

	sched, err := newSnapshotScheduler(testConfig(), saver, metrics.New(prometheus.NewRegistry()), logger.Discard())
	require.NoError(t, err)

	_, err = sched.RunNow(context.Background(), "snapshot_rotating")
	assert.Error(t, err)
}

func TestNewSnapshotScheduler_RejectsBadIntervals(t *testing.T) {
	cfg := testConfig()
	cfg.Persistence.LongInterval = 0

	_, err := newSnapshotScheduler(cfg, &recordingSaver{}, metrics.New(prometheus.NewRegistry()), logger.Discard())
	assert.Error(t, err)
}

func TestParseFlags_OverrideConfig(t *testing.T) {
	f, err := parseFlags([]string{"--save-folder", "/var/lib/koda", "--log-level=debug", "--templates", "tpl"})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Observability.LogLevel = "info"
	f.apply(cfg)

	assert.Equal(t, "/var/lib/koda", cfg.Persistence.Folder)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, "tpl", cfg.App.TemplatesDir)

	_, err = parseFlags([]string{"--unknown"})
	assert.Error(t, err)
}

func TestSetupLogger_Level(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")

	cfg := testConfig()
	cfg.App.Environment = config.EnvProduction
	cfg.Observability.LogLevel = "warn"
	cfg.Observability.LogFormat = "json"

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	log := setupLogger(cfg)
	assert.False(t, log.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, log.Enabled(context.Background(), slog.LevelWarn))
}
