package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20*time.Hour, cfg.Checkin.BaseCooldown)
	assert.Equal(t, 50, cfg.Checkin.XPReward)
	assert.Equal(t, "data", cfg.Persistence.Folder)
	assert.Equal(t, "koda_db.json", cfg.Persistence.FileName)
	assert.Equal(t, 5*time.Minute, cfg.Persistence.ShortInterval)
	assert.Equal(t, 24*time.Hour, cfg.Persistence.LongInterval)
	assert.Equal(t, "koda", cfg.Telegram.CommandPrefix)
	assert.Equal(t, "templates", cfg.App.TemplatesDir)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Database.Enabled)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("APP_ENV", "production")
	t.Setenv("CHECKIN_BASE_COOLDOWN", "12h")
	t.Setenv("CHECKIN_XP_REWARD", "75")
	t.Setenv("SAVE_SHORT_INTERVAL", "1m")
	t.Setenv("GITHUB_RATE_LIMIT", "0.5")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_URL", "postgres://koda@localhost/koda")
	t.Setenv("DATABASE_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.App.Debug)
	assert.Equal(t, 12*time.Hour, cfg.Checkin.BaseCooldown)
	assert.Equal(t, 75, cfg.Checkin.XPReward)
	assert.Equal(t, time.Minute, cfg.Persistence.ShortInterval)
	assert.Equal(t, 0.5, cfg.GitHub.RateLimit)
	assert.True(t, cfg.Redis.Enabled, "a redis url enables the cache")
	assert.False(t, cfg.Database.Enabled, "explicit flag wins over the url")
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("CHECKIN_BASE_COOLDOWN", "soon")
	t.Setenv("CHECKIN_XP_REWARD", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Hour, cfg.Checkin.BaseCooldown)
	assert.Equal(t, 50, cfg.Checkin.XPReward)
}

func TestValidate_AggregatesErrors(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("CHECKIN_BASE_COOLDOWN", "-1h")
	t.Setenv("CHECKIN_XP_REWARD", "-5")
	t.Setenv("SAVE_FILE_NAME", "nested/koda_db.json")
	t.Setenv("REDIS_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"TELEGRAM_BOT_TOKEN is required",
		"CHECKIN_BASE_COOLDOWN must be positive",
		"CHECKIN_XP_REWARD must not be negative",
		"SAVE_FILE_NAME must be a plain file name",
		"REDIS_URL is required",
	} {
		assert.Contains(t, msg, want)
	}
}
