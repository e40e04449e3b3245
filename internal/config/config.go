package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"evalflow/internal/work"
)

type ScreenConfig struct {
	Mode            string `json:"mode" yaml:"mode"`
	Capacity        int    `json:"capacity" yaml:"capacity"`
	RefillThreshold int    `json:"refill_threshold" yaml:"refill_threshold"`
	MinLoadingMS    int    `json:"min_loading_ms" yaml:"min_loading_ms"`
}

type UpstreamConfig struct {
	URL                    string `json:"url" yaml:"url"`
	Token                  string `json:"token" yaml:"token"`
	TimeoutSeconds         int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	BreakerFailures        int    `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldownSeconds int    `json:"breaker_cooldown_seconds" yaml:"breaker_cooldown_seconds"`
}

type Config struct {
	Server struct {
		Host      string `json:"host" yaml:"host"`
		Port      int    `json:"port" yaml:"port"`
		Subpath   string `json:"subpath" yaml:"subpath"`
		JWTSecret string `json:"jwtSecret" yaml:"jwtSecret"`
	} `json:"server" yaml:"server"`
	Postgres struct {
		DSN string `json:"dsn" yaml:"dsn"`
	} `json:"postgres" yaml:"postgres"`
	Redis struct {
		Addr     string `json:"addr" yaml:"addr"`
		Password string `json:"password" yaml:"password"`
		DB       int    `json:"db" yaml:"db"`
	} `json:"redis" yaml:"redis"`
	Upstream UpstreamConfig          `json:"upstream" yaml:"upstream"`
	Screens  map[string]ScreenConfig `json:"screens" yaml:"screens"`
	Sessions struct {
		IdleMinutes  int    `json:"idle_minutes" yaml:"idle_minutes"`
		ReapSchedule string `json:"reap_schedule" yaml:"reap_schedule"`
	} `json:"sessions" yaml:"sessions"`
	Ledger struct {
		RetentionDays int    `json:"retention_days" yaml:"retention_days"`
		PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"`
	} `json:"ledger" yaml:"ledger"`
}

// DefaultScreens are merged under whatever the file declares.
func DefaultScreens() map[string]ScreenConfig {
	return map[string]ScreenConfig{
		"evaluate":   {Mode: string(work.ModeEvaluation), Capacity: 20, RefillThreshold: 1, MinLoadingMS: 5000},
		"review":     {Mode: string(work.ModeEvaluation), Capacity: 10, RefillThreshold: 1, MinLoadingMS: 5000},
		"contribute": {Mode: string(work.ModeSample), Capacity: 20, RefillThreshold: 1, MinLoadingMS: 5000},
		"compare":    {Mode: string(work.ModeComparison), Capacity: 3, RefillThreshold: 1, MinLoadingMS: 0},
	}
}

var (
	once   sync.Once
	cfg    *Config
	cfgErr error
)

// LoadConfig reads the config file from disk (singleton). Files ending in
// .yaml or .yml are parsed as YAML, anything else as JSON.
func LoadConfig(path string) (*Config, error) {
	once.Do(func() {
		raw, err := os.ReadFile(path)
		if err != nil {
			cfgErr = fmt.Errorf("failed to read config file: %w", err)
			return
		}
		var c Config
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(raw, &c)
		default:
			err = json.Unmarshal(raw, &c)
		}
		if err != nil {
			cfgErr = fmt.Errorf("invalid config format: %w", err)
			return
		}
		if err := c.applyEnv(); err != nil {
			cfgErr = err
			return
		}
		c.applyDefaults()
		if err := c.Validate(); err != nil {
			cfgErr = err
			return
		}
		cfg = &c
	})
	return cfg, cfgErr
}

// GetConfig returns the loaded config (must call LoadConfig first)
func GetConfig() *Config {
	return cfg
}

// ResetConfigForTest resets the singleton state (for testing only)
func ResetConfigForTest() {
	once = sync.Once{}
	cfg = nil
	cfgErr = nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("EVALFLOW_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("EVALFLOW_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("EVALFLOW_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("EVALFLOW_UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("EVALFLOW_UPSTREAM_TOKEN"); v != "" {
		c.Upstream.Token = v
	}
	if v := os.Getenv("EVALFLOW_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid EVALFLOW_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 15
	}
	if c.Upstream.BreakerFailures <= 0 {
		c.Upstream.BreakerFailures = 5
	}
	if c.Upstream.BreakerCooldownSeconds <= 0 {
		c.Upstream.BreakerCooldownSeconds = 30
	}
	if c.Sessions.IdleMinutes <= 0 {
		c.Sessions.IdleMinutes = 30
	}
	if c.Sessions.ReapSchedule == "" {
		c.Sessions.ReapSchedule = "@every 1m"
	}
	if c.Ledger.RetentionDays <= 0 {
		c.Ledger.RetentionDays = 90
	}
	if c.Ledger.PruneSchedule == "" {
		c.Ledger.PruneSchedule = "@daily"
	}
	if c.Screens == nil {
		c.Screens = map[string]ScreenConfig{}
	}
	for name, sc := range DefaultScreens() {
		if _, ok := c.Screens[name]; !ok {
			c.Screens[name] = sc
		}
	}
}

// Validate checks the fields the server cannot start without.
func (c *Config) Validate() error {
	if c.Server.JWTSecret == "" {
		return errors.New("jwtSecret must be set in config")
	}
	if c.Upstream.URL == "" {
		return errors.New("upstream.url must be set in config")
	}
	for name, sc := range c.Screens {
		switch work.Mode(sc.Mode) {
		case work.ModeEvaluation, work.ModeSample, work.ModeComparison:
		default:
			return fmt.Errorf("screen %q: unknown mode %q", name, sc.Mode)
		}
		if sc.Capacity < 1 {
			return fmt.Errorf("screen %q: capacity must be at least 1", name)
		}
		if sc.RefillThreshold < 0 || sc.RefillThreshold >= sc.Capacity {
			return fmt.Errorf("screen %q: refill_threshold must be in [0, capacity)", name)
		}
		if sc.MinLoadingMS < 0 {
			return fmt.Errorf("screen %q: min_loading_ms must not be negative", name)
		}
	}
	return nil
}

// Profiles turns the screen table into session profiles.
func (c *Config) Profiles() map[string]work.Profile {
	out := make(map[string]work.Profile, len(c.Screens))
	for name, sc := range c.Screens {
		out[name] = work.Profile{
			Name: name,
			Mode: work.Mode(sc.Mode),
			Buffer: work.BufferConfig{
				Capacity:        sc.Capacity,
				RefillThreshold: sc.RefillThreshold,
			},
			MinLoading: time.Duration(sc.MinLoadingMS) * time.Millisecond,
		}
	}
	return out
}

// UpstreamTimeout is the per-request timeout for the work service.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// BreakerCooldown is how long the upstream breaker stays open.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Upstream.BreakerCooldownSeconds) * time.Second
}

// IdleTimeout is how long a session may go untouched before it is reaped.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleMinutes) * time.Minute
}

// Retention is how long ledger entries are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}
