package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetcam/camsync/schedule"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "camsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("HTTP.Addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Viewer.TimeoutSeconds != nil {
		t.Fatalf("Viewer.TimeoutSeconds = %v, want unset", *cfg.Viewer.TimeoutSeconds)
	}
	if cfg.Alerts.Server.MaxReconnects != -1 {
		t.Fatalf("Alerts.Server.MaxReconnects = %d, want -1", cfg.Alerts.Server.MaxReconnects)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
viewer:
  timeout_seconds: 0
  idle_timeout: 90s
  max_channels: 4
schedule:
  storage: mem
  strategy: adaptive
  backends: ["b0:8080", "b1:8080"]
alerts:
  nats: true
  nats_server:
    subject_prefix: fleet.alerts
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("HTTP.Addr = %q, want :9090", cfg.HTTP.Addr)
	}
	if cfg.Viewer.TimeoutSeconds == nil || *cfg.Viewer.TimeoutSeconds != 0 {
		t.Fatalf("Viewer.TimeoutSeconds = %v, want 0", cfg.Viewer.TimeoutSeconds)
	}
	if cfg.Viewer.IdleTimeout != 90*time.Second {
		t.Fatalf("Viewer.IdleTimeout = %v, want 90s", cfg.Viewer.IdleTimeout)
	}
	// untouched keys keep their defaults
	if cfg.Viewer.TickInterval != time.Second {
		t.Fatalf("Viewer.TickInterval = %v, want 1s", cfg.Viewer.TickInterval)
	}
	if len(cfg.Schedule.Backends) != 2 {
		t.Fatalf("Schedule.Backends = %v", cfg.Schedule.Backends)
	}
	if s, _ := cfg.Schedule.SchedulingStrategy(); s != schedule.SchedulingStrategyAdaptive {
		t.Fatalf("SchedulingStrategy() = %v, want adaptive", s)
	}
	if !cfg.Alerts.NATS || cfg.Alerts.Server.SubjectPrefix != "fleet.alerts" {
		t.Fatalf("Alerts = %+v", cfg.Alerts)
	}
	if cfg.Alerts.Server.URL == "" {
		t.Fatal("Alerts.Server.URL lost its default")
	}

	sc := cfg.Viewer.ServerConfig()
	if sc.MaxChannels != 4 || sc.IdleTimeout != 90*time.Second || sc.TimeoutSeconds == nil {
		t.Fatalf("ServerConfig() = %+v", sc)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "viewer:\n  timeout_seconds: 30\nschedule:\n  storage: mem\n")
	t.Setenv("CAMSYNC_VIEWER_TIMEOUT_SECONDS", "45")
	t.Setenv("CAMSYNC_HTTP_ADDR", ":7000")
	t.Setenv("CAMSYNC_SCHEDULE_BACKENDS", "b0:8080,b1:8080,b2:8080")
	t.Setenv("CAMSYNC_ALERTS_NATS_URL", "nats://nats:4222")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *cfg.Viewer.TimeoutSeconds != 45 {
		t.Fatalf("Viewer.TimeoutSeconds = %d, want 45", *cfg.Viewer.TimeoutSeconds)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Fatalf("HTTP.Addr = %q, want :7000", cfg.HTTP.Addr)
	}
	if len(cfg.Schedule.Backends) != 3 {
		t.Fatalf("Schedule.Backends = %v, want 3 entries", cfg.Schedule.Backends)
	}
	if cfg.Alerts.Server.URL != "nats://nats:4222" {
		t.Fatalf("Alerts.Server.URL = %q", cfg.Alerts.Server.URL)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "viewer:\n  timeout: 3\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"bad storage", "schedule:\n  storage: etcd\n"},
		{"bad strategy", "schedule:\n  strategy: compact\n"},
		{"bad duration", "viewer:\n  idle_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("Load() error = nil")
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() of a missing file error = nil")
	}
}

func TestOpenStorage(t *testing.T) {
	s, err := Schedule{Storage: "mem"}.OpenStorage(nil)
	if err != nil {
		t.Fatalf("OpenStorage() error = %v", err)
	}
	if s.BackendType() != schedule.StorageBackendMem {
		t.Fatalf("BackendType() = %v, want mem", s.BackendType())
	}
	if _, err := (Schedule{Storage: "redis"}).OpenStorage(nil); err == nil {
		t.Fatal("OpenStorage() without a redis client error = nil")
	}
}
