// Package config loads hive runtime configuration. Capacity limits and
// health thresholds come from a TOML file; the role catalog (spawn
// capability, depth ceilings, briefing text) comes from a YAML file so that
// operators can edit briefings without touching the daemon config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds the resolved hive daemon configuration.
type Config struct {
	DBPath       string // SQLite database path
	RolesPath    string // role catalog YAML path
	AgentCommand string // agent CLI binary (default "claude")
	CallbackAddr string // orchestration callback address passed to workers
	WorkersDir   string // base directory for worker working directories

	SoftLimit int // capacity warning threshold
	HardLimit int // capacity denial threshold

	HealthyThreshold   time.Duration // heartbeat age below which a worker is healthy
	UnhealthyThreshold time.Duration // heartbeat age beyond which a worker is unhealthy
	HealthInterval     time.Duration // health loop tick
	DrainInterval      time.Duration // queue drain tick (0 disables the timer)
	ForceKillTimeout   time.Duration // SIGTERM-to-SIGKILL grace on dismissal

	MaxRestarts      int  // bounded automatic restart attempts
	AutoRestart      bool // restart unhealthy workers automatically
	OutputBufferSize int  // ring buffer capacity for recent output lines
	UseWorktrees     bool // isolate worker workdirs in git worktrees
}

// fileConfig is the TOML shape. Durations are expressed in seconds so the
// file stays editable without Go duration syntax.
type fileConfig struct {
	DBPath       string `toml:"db_path"`
	RolesPath    string `toml:"roles_path"`
	AgentCommand string `toml:"agent_command"`
	CallbackAddr string `toml:"callback_addr"`
	WorkersDir   string `toml:"workers_dir"`

	SoftLimit int `toml:"soft_limit"`
	HardLimit int `toml:"hard_limit"`

	HealthySecs   int `toml:"healthy_threshold_secs"`
	UnhealthySecs int `toml:"unhealthy_threshold_secs"`
	HealthSecs    int `toml:"health_interval_secs"`
	DrainSecs     int `toml:"drain_interval_secs"`
	ForceKillSecs int `toml:"force_kill_timeout_secs"`

	MaxRestarts      int   `toml:"max_restarts"`
	AutoRestart      *bool `toml:"auto_restart"`
	OutputBufferSize int   `toml:"output_buffer_size"`
	UseWorktrees     bool  `toml:"use_worktrees"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:             "hive.db",
		RolesPath:          "roles.yaml",
		AgentCommand:       "claude",
		WorkersDir:         ".hive/workers",
		SoftLimit:          8,
		HardLimit:          12,
		HealthyThreshold:   2 * time.Minute,
		UnhealthyThreshold: 5 * time.Minute,
		HealthInterval:     30 * time.Second,
		DrainInterval:      15 * time.Second,
		ForceKillTimeout:   5 * time.Second,
		MaxRestarts:        3,
		AutoRestart:        true,
		OutputBufferSize:   200,
	}
}

// Load reads a TOML config file and applies defaults for every unset field.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // config path is operator-supplied
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return merge(cfg, fc), nil
}

func merge(cfg Config, fc fileConfig) Config {
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.RolesPath != "" {
		cfg.RolesPath = fc.RolesPath
	}
	if fc.AgentCommand != "" {
		cfg.AgentCommand = fc.AgentCommand
	}
	if fc.CallbackAddr != "" {
		cfg.CallbackAddr = fc.CallbackAddr
	}
	if fc.WorkersDir != "" {
		cfg.WorkersDir = fc.WorkersDir
	}
	if fc.SoftLimit > 0 {
		cfg.SoftLimit = fc.SoftLimit
	}
	if fc.HardLimit > 0 {
		cfg.HardLimit = fc.HardLimit
	}
	if fc.HealthySecs > 0 {
		cfg.HealthyThreshold = time.Duration(fc.HealthySecs) * time.Second
	}
	if fc.UnhealthySecs > 0 {
		cfg.UnhealthyThreshold = time.Duration(fc.UnhealthySecs) * time.Second
	}
	if fc.HealthSecs > 0 {
		cfg.HealthInterval = time.Duration(fc.HealthSecs) * time.Second
	}
	if fc.DrainSecs > 0 {
		cfg.DrainInterval = time.Duration(fc.DrainSecs) * time.Second
	}
	if fc.ForceKillSecs > 0 {
		cfg.ForceKillTimeout = time.Duration(fc.ForceKillSecs) * time.Second
	}
	if fc.MaxRestarts > 0 {
		cfg.MaxRestarts = fc.MaxRestarts
	}
	if fc.AutoRestart != nil {
		cfg.AutoRestart = *fc.AutoRestart
	}
	if fc.OutputBufferSize > 0 {
		cfg.OutputBufferSize = fc.OutputBufferSize
	}
	if fc.UseWorktrees {
		cfg.UseWorktrees = true
	}
	return cfg
}

// RoleSpec describes one role in the catalog.
type RoleSpec struct {
	MaxDepth int    `yaml:"max_depth"` // deepest level a worker of this role may occupy
	CanSpawn bool   `yaml:"can_spawn"` // whether this role may request spawns at all
	Briefing string `yaml:"briefing"`  // text delivered to the worker at spawn time
	Team     string `yaml:"team"`      // default team classification
}

// Roles is the role catalog keyed by role name.
type Roles map[string]RoleSpec

// LoadRoles reads the YAML role catalog. A missing file yields an empty
// catalog (every role unknown).
func LoadRoles(path string) (Roles, error) {
	data, err := os.ReadFile(path) //nolint:gosec // catalog path comes from config
	if err != nil {
		if os.IsNotExist(err) {
			return Roles{}, nil
		}
		return nil, fmt.Errorf("read roles %s: %w", path, err)
	}
	var roles Roles
	if err := yaml.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("parse roles %s: %w", path, err)
	}
	if roles == nil {
		roles = Roles{}
	}
	return roles, nil
}
