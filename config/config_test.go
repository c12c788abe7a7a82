package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 30*time.Minute, cfg.PaymentWindow)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 1, cfg.DefaultSlotCapacity)
	assert.Equal(t, "clinic.events", cfg.NotifyChannel)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvFile(t *testing.T) {
	path := writeEnvFile(t, `PORT=9090
ENV=production
PAYMENT_WINDOW=15m
DEFAULT_SLOT_CAPACITY=3
TIMEZONE=Asia/Kolkata
REDIS_URL=redis://localhost:6379/0
CORS_ORIGINS=https://clinic.example.com, https://admin.example.com
`)

	cfg, err := load(path)

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, 15*time.Minute, cfg.PaymentWindow)
	assert.Equal(t, 3, cfg.DefaultSlotCapacity)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, []string{"https://clinic.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "Asia/Kolkata", cfg.Timezone)
}

func TestLocation_FallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, (&Config{Timezone: "Mars/Olympus"}).Location())
	assert.Equal(t, "UTC", (&Config{Timezone: "UTC"}).Location().String())
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeEnvFile(t, "PORT=9090\n")
	t.Setenv("PORT", "7070")

	cfg, err := load(path)

	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:                "8080",
			DatabasePath:        "clinic.db",
			PaymentWindow:       30 * time.Minute,
			SweepInterval:       time.Minute,
			DefaultSlotCapacity: 1,
			Timezone:            "UTC",
			LogLevel:            "info",
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing port", func(c *Config) { c.Port = "" }, "PORT"},
		{"missing database", func(c *Config) { c.DatabasePath = "" }, "DATABASE_PATH"},
		{"zero payment window", func(c *Config) { c.PaymentWindow = 0 }, "PAYMENT_WINDOW"},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"zero capacity", func(c *Config) { c.DefaultSlotCapacity = 0 }, "DEFAULT_SLOT_CAPACITY"},
		{"unknown timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "TIMEZONE"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
