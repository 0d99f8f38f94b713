// Package config holds the coordinator's tunables (spec.md §6): the
// durations that govern each background loop, replication target, and
// retry policy. Values come from an optional YAML file layered under
// environment variable overrides, mirroring the Config-struct-plus-defaults
// idiom the teacher stack uses for its own process configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of coordinator tunables, with the spec.md §6
// defaults applied by Default().
type Config struct {
	DataDir string `yaml:"data_dir"`

	MinReplicas int `yaml:"min_replicas"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	NLTick           time.Duration `yaml:"nl_tick"`
	RCTick           time.Duration `yaml:"rc_tick"`
	IVTick           time.Duration `yaml:"iv_tick"`
	RQMainTick       time.Duration `yaml:"rq_main_tick"`
	RQPriorityTick   time.Duration `yaml:"rq_priority_tick"`
	RQProactiveTick  time.Duration `yaml:"rq_proactive_tick"`

	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxAttempts   int           `yaml:"max_attempts"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	HistoryCap    int           `yaml:"history_cap"`

	CopyTimeout     time.Duration `yaml:"copy_timeout"`
	DisasterTimeout time.Duration `yaml:"disaster_timeout"`

	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the spec.md §6 default configuration.
func Default() Config {
	return Config{
		DataDir: "./data",

		MinReplicas: 2,

		HeartbeatTimeout: 30 * time.Second,
		NLTick:           10 * time.Second,
		RCTick:           30 * time.Second,
		IVTick:           300 * time.Second,
		RQMainTick:       45 * time.Second,
		RQPriorityTick:   10 * time.Second,
		RQProactiveTick:  60 * time.Second,

		RetryDelay:    300 * time.Second,
		MaxAttempts:   3,
		MaxConcurrent: 3,
		HistoryCap:    100,

		CopyTimeout:     60 * time.Second,
		DisasterTimeout: 60 * time.Second,

		ListenAddr: ":8080",
	}
}

// Load reads defaults, optionally overlays a YAML file at path (if path is
// non-empty and exists), then applies environment variable overrides. This
// is the same two-layer precedence (file under env) the teacher stack's own
// CLI flags-over-defaults pattern follows.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DRIFTFS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DRIFTFS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	setInt(&cfg.MinReplicas, "DRIFTFS_MIN_REPLICAS")
	setInt(&cfg.MaxAttempts, "DRIFTFS_MAX_ATTEMPTS")
	setInt(&cfg.MaxConcurrent, "DRIFTFS_MAX_CONCURRENT")
	setInt(&cfg.HistoryCap, "DRIFTFS_HISTORY_CAP")

	setDuration(&cfg.HeartbeatTimeout, "DRIFTFS_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.NLTick, "DRIFTFS_NL_TICK")
	setDuration(&cfg.RCTick, "DRIFTFS_RC_TICK")
	setDuration(&cfg.IVTick, "DRIFTFS_IV_TICK")
	setDuration(&cfg.RQMainTick, "DRIFTFS_RQ_MAIN_TICK")
	setDuration(&cfg.RQPriorityTick, "DRIFTFS_RQ_PRIORITY_TICK")
	setDuration(&cfg.RQProactiveTick, "DRIFTFS_RQ_PROACTIVE_TICK")
	setDuration(&cfg.RetryDelay, "DRIFTFS_RETRY_DELAY")
	setDuration(&cfg.CopyTimeout, "DRIFTFS_COPY_TIMEOUT")
	setDuration(&cfg.DisasterTimeout, "DRIFTFS_DISASTER_TIMEOUT")
}

func setInt(dst *int, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setDuration(dst *time.Duration, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
