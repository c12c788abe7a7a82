package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at startup and passed explicitly to every component.
type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	ServiceName         string        `mapstructure:"SERVICE_NAME"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	DatabasePath        string        `mapstructure:"DATABASE_PATH"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	NotifyChannel       string        `mapstructure:"NOTIFY_CHANNEL"`
	PaymentWindow       time.Duration `mapstructure:"PAYMENT_WINDOW"`
	SweepInterval       time.Duration `mapstructure:"SWEEP_INTERVAL"`
	DefaultSlotCapacity int           `mapstructure:"DEFAULT_SLOT_CAPACITY"`
	Timezone            string        `mapstructure:"TIMEZONE"`
	OTLPEndpoint        string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "SERVICE_NAME", "LOG_LEVEL", "DATABASE_PATH", "CORS_ORIGINS",
	"REDIS_URL", "NOTIFY_CHANNEL", "PAYMENT_WINDOW", "SWEEP_INTERVAL",
	"DEFAULT_SLOT_CAPACITY", "TIMEZONE", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads configuration from the environment, falling back to an
// optional .env file in the working directory.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("SERVICE_NAME", "clinic-engine")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_PATH", "clinic.db")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("NOTIFY_CHANNEL", "clinic.events")
	v.SetDefault("PAYMENT_WINDOW", "30m")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("DEFAULT_SLOT_CAPACITY", 1)
	v.SetDefault("TIMEZONE", "UTC")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated in both .env and the environment.
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves TIMEZONE. Validate has already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.PaymentWindow <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW must be positive, got %s", c.PaymentWindow)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.DefaultSlotCapacity < 1 {
		return fmt.Errorf("DEFAULT_SLOT_CAPACITY must be at least 1, got %d", c.DefaultSlotCapacity)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}
