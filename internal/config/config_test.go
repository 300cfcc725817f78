package config

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rescuegrid/movement-simulator/internal/store"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.MetricsAddr != DefaultMetricsAddr {
		t.Fatalf("MetricsAddr = %q, want %q", cfg.MetricsAddr, DefaultMetricsAddr)
	}
	if cfg.StorePath != DefaultStorePath {
		t.Fatalf("StorePath = %q, want %q", cfg.StorePath, DefaultStorePath)
	}
	if cfg.TickInterval != DefaultTickInterval {
		t.Fatalf("TickInterval = %s, want %s", cfg.TickInterval, DefaultTickInterval)
	}
	if cfg.Retention != store.DefaultRetention {
		t.Fatalf("Retention = %s, want %s", cfg.Retention, store.DefaultRetention)
	}
	if cfg.CleanupInterval != store.DefaultCleanupInterval {
		t.Fatalf("CleanupInterval = %s, want %s", cfg.CleanupInterval, store.DefaultCleanupInterval)
	}
	if len(cfg.SpeedOverrides) != 0 {
		t.Fatalf("SpeedOverrides = %v, want empty", cfg.SpeedOverrides)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	environ := []string{
		"MOVEMENT_LISTEN_ADDR=:7000",
		"MOVEMENT_METRICS_ADDR=",
		"MOVEMENT_STORE_PATH=/var/lib/movement/sim.db",
		"MOVEMENT_TICK_INTERVAL=250ms",
		"MOVEMENT_RETENTION=48h",
		"MOVEMENT_CLEANUP_INTERVAL=30m",
		"LOG_LEVEL=debug",
		"LOG_FORMAT=text",
	}

	cfg, err := Load(nil, environ)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":7000" {
		t.Fatalf("ListenAddr = %q, want :7000", cfg.ListenAddr)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("MetricsAddr = %q, want empty", cfg.MetricsAddr)
	}
	if cfg.StorePath != "/var/lib/movement/sim.db" {
		t.Fatalf("StorePath = %q", cfg.StorePath)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Fatalf("TickInterval = %s, want 250ms", cfg.TickInterval)
	}
	if cfg.Retention != 48*time.Hour {
		t.Fatalf("Retention = %s, want 48h", cfg.Retention)
	}
	if cfg.CleanupInterval != 30*time.Minute {
		t.Fatalf("CleanupInterval = %s, want 30m", cfg.CleanupInterval)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Fatalf("log settings = %q/%q, want debug/text", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestFlagsWinOverEnvironment(t *testing.T) {
	environ := []string{
		"MOVEMENT_LISTEN_ADDR=:7000",
		"MOVEMENT_TICK_INTERVAL=250ms",
	}
	args := []string{"-listen-addr", ":7001", "-tick-interval", "100ms", "-log-level", "warn"}

	cfg, err := Load(args, environ)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":7001" {
		t.Fatalf("ListenAddr = %q, want :7001", cfg.ListenAddr)
	}
	if cfg.TickInterval != 100*time.Millisecond {
		t.Fatalf("TickInterval = %s, want 100ms", cfg.TickInterval)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestSpeedOverridesFromEnvironment(t *testing.T) {
	environ := []string{
		"MOVEMENT_SPEED_VEHICLE=90",
		"MOVEMENT_SPEED_VEHICLE__FIRE_ENGINE=72",
		"MOVEMENT_SPEED_ROBOTIC_DOG=18",
	}

	cfg, err := Load(nil, environ)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := map[string]float64{
		"vehicle":             25,
		"vehicle:fire_engine": 20,
		"robotic_dog":         5,
	}
	if len(cfg.SpeedOverrides) != len(want) {
		t.Fatalf("SpeedOverrides = %v, want %d entries", cfg.SpeedOverrides, len(want))
	}
	for key, mps := range want {
		got, ok := cfg.SpeedOverrides[key]
		if !ok {
			t.Fatalf("SpeedOverrides missing %q: %v", key, cfg.SpeedOverrides)
		}
		if math.Abs(got-mps) > 1e-9 {
			t.Fatalf("SpeedOverrides[%q] = %v m/s, want %v", key, got, mps)
		}
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		environ []string
		wantErr string
	}{
		{
			name:    "bad duration env",
			environ: []string{"MOVEMENT_TICK_INTERVAL=fast"},
			wantErr: "MOVEMENT_TICK_INTERVAL",
		},
		{
			name:    "non numeric speed",
			environ: []string{"MOVEMENT_SPEED_UAV=quick"},
			wantErr: "MOVEMENT_SPEED_UAV",
		},
		{
			name:    "non positive speed",
			environ: []string{"MOVEMENT_SPEED_UAV=0"},
			wantErr: "positive speed",
		},
		{
			name:    "zero tick flag",
			args:    []string{"-tick-interval", "0s"},
			wantErr: "tick interval must be positive",
		},
		{
			name:    "empty listen address",
			args:    []string{"-listen-addr", ""},
			wantErr: "listen address is required",
		},
		{
			name:    "negative retention",
			args:    []string{"-retention", "-1h"},
			wantErr: "retention must be positive",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.args, tc.environ)
			if err == nil {
				t.Fatalf("Load succeeded, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}
