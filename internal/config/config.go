package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rescuegrid/movement-simulator/core"
	"github.com/rescuegrid/movement-simulator/internal/store"
)

// Defaults applied when neither a flag nor an environment variable is set.
const (
	DefaultListenAddr   = ":8080"
	DefaultMetricsAddr  = ":9090"
	DefaultStorePath    = "movement.db"
	DefaultTickInterval = time.Second
)

// speedEnvPrefix introduces per-type speed overrides in km/h. The remainder
// of the variable name is lowercased to form the table key; a double
// underscore separates the entity type from a sub-type, so
// MOVEMENT_SPEED_VEHICLE__FIRE_ENGINE overrides "vehicle:fire_engine" and
// MOVEMENT_SPEED_ROBOTIC_DOG overrides "robotic_dog".
const speedEnvPrefix = "MOVEMENT_SPEED_"

// Config carries everything the daemon needs to start. Values resolve in
// order: built-in default, then environment variable, then command-line
// flag.
type Config struct {
	// ListenAddr is the TCP address for the HTTP API and websocket feed.
	ListenAddr string
	// MetricsAddr is the TCP address for the Prometheus /metrics listener.
	// Empty disables the listener.
	MetricsAddr string
	// StorePath is the SQLite database path. Empty runs on the in-process
	// store only, losing sessions across restarts.
	StorePath string

	TickInterval    time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration

	LogLevel  string
	LogFormat string

	// SpeedOverrides overlays the built-in speed table, keyed like
	// core.DefaultSpeeds and valued in metres per second.
	SpeedOverrides map[string]float64
}

// Load builds a Config from command-line arguments and the process
// environment. args is os.Args[1:]; environ is os.Environ().
func Load(args, environ []string) (Config, error) {
	env := parseEnviron(environ)

	cfg := Config{
		ListenAddr:      DefaultListenAddr,
		MetricsAddr:     DefaultMetricsAddr,
		StorePath:       DefaultStorePath,
		TickInterval:    DefaultTickInterval,
		Retention:       store.DefaultRetention,
		CleanupInterval: store.DefaultCleanupInterval,
		LogLevel:        env["LOG_LEVEL"],
		LogFormat:       env["LOG_FORMAT"],
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("movementd", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP address the HTTP API listens on")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "HTTP address for Prometheus /metrics; empty disables the listener")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "SQLite database path; empty keeps sessions in memory only")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "simulation tick interval")
	fs.DurationVar(&cfg.Retention, "retention", cfg.Retention, "how long finished sessions are kept before cleanup")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "how often the store purge runs")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	overrides, err := speedOverrides(env)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeedOverrides = overrides

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval)
	}
	return nil
}

func applyEnv(cfg *Config, env map[string]string) error {
	if v, ok := env["MOVEMENT_LISTEN_ADDR"]; ok {
		cfg.ListenAddr = v
	}
	if v, ok := env["MOVEMENT_METRICS_ADDR"]; ok {
		cfg.MetricsAddr = v
	}
	if v, ok := env["MOVEMENT_STORE_PATH"]; ok {
		cfg.StorePath = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MOVEMENT_TICK_INTERVAL", &cfg.TickInterval},
		{"MOVEMENT_RETENTION", &cfg.Retention},
		{"MOVEMENT_CLEANUP_INTERVAL", &cfg.CleanupInterval},
	}
	for _, d := range durations {
		v, ok := env[d.key]
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// speedOverrides collects MOVEMENT_SPEED_* variables into a speed-table
// overlay, converting the km/h values to metres per second.
func speedOverrides(env map[string]string) (map[string]float64, error) {
	var overrides map[string]float64
	for key, value := range env {
		if !strings.HasPrefix(key, speedEnvPrefix) {
			continue
		}
		kmh, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		if kmh <= 0 {
			return nil, fmt.Errorf("%s must be a positive speed in km/h, got %q", key, value)
		}
		if overrides == nil {
			overrides = make(map[string]float64)
		}
		overrides[speedTableKey(key)] = core.KmhToMps(kmh)
	}
	return overrides, nil
}

func speedTableKey(envKey string) string {
	key := strings.ToLower(strings.TrimPrefix(envKey, speedEnvPrefix))
	if base, subtype, ok := strings.Cut(key, "__"); ok {
		return base + ":" + subtype
	}
	return key
}

func parseEnviron(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}
	return env
}
