package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the service's full configuration, loaded from one or more
// TOML files with later files overriding earlier ones, then environment
// variables, matching the teacher's layering order.
type Config struct {
	Environment string           `toml:"environment"`
	Server      ServerConfig     `toml:"server"`
	Store       StoreConfig      `toml:"store"`
	Queue       QueueConfig      `toml:"queue"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	Cache       CacheConfig      `toml:"cache"`
	Logging     LoggingConfig    `toml:"logging"`
}

// ServerConfig is the HTTP control surface listener.
type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// StoreConfig is the job store's SQLite-backed persistence (C1).
type StoreConfig struct {
	Path            string `toml:"path"`
	ResetOnStartup  bool   `toml:"reset_on_startup"`
	FreshnessWindow string `toml:"freshness_window"` // claim-next eligibility window, default 24h
	RetentionDays   int    `toml:"retention_days"`   // CleanupTerminalJobs window, default 7
}

// QueueConfig is the dispatcher's worker pool (C2).
type QueueConfig struct {
	WorkerCount       int    `toml:"worker_count"`       // default 1
	IdlePollInterval  string `toml:"idle_poll_interval"` // default 2s
	VisibilityTimeout string `toml:"visibility_timeout"` // goqite redelivery window
	MaxReceive        int    `toml:"max_receive"`
	QueueName         string `toml:"queue_name"`
	HandlerTimeout    string `toml:"handler_timeout"` // per-handler timeout, default 2h
	CancelGrace       string `toml:"cancel_grace"`    // default 30s
	RetryMax          int    `toml:"retry_max"`        // default 3
}

// SupervisorConfig is the tick loop (C7). Every field except
// OrphanThreshold seeds a switch that is mutable at runtime through the
// operator toggle surface (§4.7 "Switches"); OrphanThreshold is parsed
// but not read by the supervisor.
type SupervisorConfig struct {
	TickInterval       string `toml:"tick_interval"`       // default 15s
	StuckThreshold     string `toml:"stuck_threshold"`     // default 180s
	OrphanThreshold    string `toml:"orphan_threshold"`    // default 600s
	AutoRecovery       bool   `toml:"auto_recovery"`
	AutoRetryEveryNth  int    `toml:"auto_retry_every_nth"`  // default 2
	ContinuityEveryNth int    `toml:"continuity_every_nth"` // default 4
}

// CacheConfig is the step cache's filesystem root (C6).
type CacheConfig struct {
	Root string `toml:"root"`
}

// LoggingConfig configures the arbor logger, same shape as the teacher.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// NewDefaultConfig returns the environment knobs and their defaults
// listed in spec §6.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Store: StoreConfig{
			Path:            "./data/reelforge.db",
			ResetOnStartup:  false,
			FreshnessWindow: "24h",
			RetentionDays:   7,
		},
		Queue: QueueConfig{
			WorkerCount:       1,
			IdlePollInterval:  "2s",
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			QueueName:         "reelforge_jobs",
			HandlerTimeout:    "2h",
			CancelGrace:       "30s",
			RetryMax:          3,
		},
		Supervisor: SupervisorConfig{
			TickInterval:       "15s",
			StuckThreshold:     "180s",
			OrphanThreshold:    "600s",
			AutoRecovery:       true,
			AutoRetryEveryNth:  2,
			ContinuityEveryNth: 4,
		},
		Cache: CacheConfig{
			Root: "./data/projects",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> ...
// -> fileN -> environment variables. Later files override earlier ones,
// matching the teacher's LoadFromFiles layering.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("REELFORGE_ENV"); env != "" {
		config.Environment = env
	}
	if port := os.Getenv("REELFORGE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("REELFORGE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if workers := os.Getenv("REELFORGE_QUEUE_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Queue.WorkerCount = w
		}
	}
	if tick := os.Getenv("REELFORGE_SUPERVISOR_TICK_INTERVAL"); tick != "" {
		config.Supervisor.TickInterval = tick
	}
	if storePath := os.Getenv("REELFORGE_STORE_PATH"); storePath != "" {
		config.Store.Path = storePath
	}
}

// ApplyFlagOverrides applies command-line overrides, which take priority
// over files and environment.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Durations resolves the string knobs to time.Duration, failing fast on
// a malformed config rather than silently falling back to zero.
type Durations struct {
	FreshnessWindow   time.Duration
	IdlePoll          time.Duration
	VisibilityTimeout time.Duration
	HandlerTimeout    time.Duration
	CancelGrace       time.Duration
	TickInterval      time.Duration
	StuckThreshold    time.Duration
	OrphanThreshold   time.Duration
}

// ParseDurations parses every duration-shaped knob in one pass.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	var err error
	parse := func(s string, dst *time.Duration) {
		if err != nil {
			return
		}
		var v time.Duration
		v, err = time.ParseDuration(s)
		if err != nil {
			err = fmt.Errorf("parse duration %q: %w", s, err)
			return
		}
		*dst = v
	}

	parse(c.Store.FreshnessWindow, &d.FreshnessWindow)
	parse(c.Queue.IdlePollInterval, &d.IdlePoll)
	parse(c.Queue.VisibilityTimeout, &d.VisibilityTimeout)
	parse(c.Queue.HandlerTimeout, &d.HandlerTimeout)
	parse(c.Queue.CancelGrace, &d.CancelGrace)
	parse(c.Supervisor.TickInterval, &d.TickInterval)
	parse(c.Supervisor.StuckThreshold, &d.StuckThreshold)
	parse(c.Supervisor.OrphanThreshold, &d.OrphanThreshold)

	return d, err
}
