package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// GoalsConfig tunes the scheduler engine. Pointer fields are nullable knobs:
// leaving them out of config.json disables the feature.
type GoalsConfig struct {
	// Achieved goals older than this many seconds are deleted by retention.
	// null disables retention.
	RetentionSeconds *int `json:"retention_seconds"`
	// Hard cap on handler invocations per goal. null disables the cap.
	MaxProgressCount *int `json:"max_progress_count"`
	// Give up after this many failures: the failure that brings the count to
	// give_up_at moves the goal to given_up, and no further attempt is made.
	GiveUpAt int `json:"give_up_at"`
	// Deadline assigned to goals scheduled outside of any handler.
	DefaultDeadlineSeconds int `json:"default_deadline_seconds"`
	// Memory a single handler invocation may allocate. null disables.
	MemoryLimitMiB *int `json:"memory_limit_mib"`
	// Wall-clock budget for a single handler invocation. null disables.
	TimeLimitSeconds *int `json:"time_limit_seconds"`
	// Pickups without a recorded outcome before a goal counts as a killer
	// task and is failed without running its handler again.
	MaxPickups int `json:"max_pickups"`
}

type Config struct {
	Postgres struct {
		DSN string `json:"dsn"`
	} `json:"postgres"`
	Server struct {
		Addr string `json:"addr"`
	} `json:"server"`
	Goals GoalsConfig `json:"goals"`
}

var (
	once   sync.Once
	cfg    *Config
	cfgErr error
)

// LoadConfig reads config.json once per process. Environment variables
// GOALS_DSN and GOALS_ADDR override the file.
func LoadConfig(path string) (*Config, error) {
	once.Do(func() {
		c, err := readConfig(path)
		if err != nil {
			cfgErr = err
			return
		}
		cfg = c
	})
	return cfg, cfgErr
}

func readConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid config format: %w", err)
	}
	if dsn := os.Getenv("GOALS_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
	}
	if addr := os.Getenv("GOALS_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if c.Postgres.DSN == "" {
		return nil, errors.New("postgres.dsn must be set in config or GOALS_DSN")
	}
	ApplyGoalsDefaults(&c.Goals)
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	return &c, nil
}

// ApplyGoalsDefaults fills zero-valued engine knobs.
func ApplyGoalsDefaults(g *GoalsConfig) {
	if g.GiveUpAt == 0 {
		g.GiveUpAt = 3
	}
	if g.DefaultDeadlineSeconds == 0 {
		g.DefaultDeadlineSeconds = 24 * 60 * 60
	}
	if g.MaxPickups == 0 {
		g.MaxPickups = 3
	}
}
