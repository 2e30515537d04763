// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Cloud.HandshakeTimeout != "10s" {
		t.Errorf("expected handshake_timeout=10s, got %s", cfg.Cloud.HandshakeTimeout)
	}
	if cfg.Worker.ExecTimeout != "180s" {
		t.Errorf("expected exec_timeout=180s, got %s", cfg.Worker.ExecTimeout)
	}
	if cfg.Heartbeat.Interval != "30s" {
		t.Errorf("expected interval=30s, got %s", cfg.Heartbeat.Interval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected level=info, got %s", cfg.Log.Level)
	}
}

func TestLoadRequiresOutpostConfig(t *testing.T) {
	origConfig := os.Getenv("OUTPOST_CONFIG")
	defer os.Setenv("OUTPOST_CONFIG", origConfig)

	os.Unsetenv("OUTPOST_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when OUTPOST_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "OUTPOST_CONFIG") {
		t.Errorf("error should name OUTPOST_CONFIG, got %q", err.Error())
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging

cloud:
  endpoint: bridge.example.com:9440
  tls: true

paths:
  root: /custom/root

log:
  level: debug
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Cloud.Endpoint != "bridge.example.com:9440" {
		t.Errorf("endpoint = %s", cfg.Cloud.Endpoint)
	}
	if !cfg.Cloud.TLS {
		t.Error("expected tls=true")
	}
	if cfg.Paths.Root != "/custom/root" {
		t.Errorf("root = %s", cfg.Paths.Root)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %s", cfg.Log.Level)
	}

	// Unset fields keep their defaults.
	if cfg.Worker.ExecTimeout != "180s" {
		t.Errorf("exec_timeout = %s, want default 180s", cfg.Worker.ExecTimeout)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: production

cloud:
  endpoint: localhost:9440

log:
  level: debug

production:
  cloud:
    endpoint: bridge.example.com:9440
    tls: true
  log:
    level: warn
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Cloud.Endpoint != "bridge.example.com:9440" {
		t.Errorf("endpoint = %s, want production override", cfg.Cloud.Endpoint)
	}
	if !cfg.Cloud.TLS {
		t.Error("expected tls=true from production override")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("level = %s, want warn", cfg.Log.Level)
	}
}

func TestOverridesForOtherEnvironmentIgnored(t *testing.T) {
	configPath := writeConfig(t, `
environment: development

cloud:
  endpoint: localhost:9440

production:
  cloud:
    endpoint: bridge.example.com:9440
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Cloud.Endpoint != "localhost:9440" {
		t.Errorf("endpoint = %s, production override leaked into development", cfg.Cloud.Endpoint)
	}
}

func TestVariableExpansion(t *testing.T) {
	configPath := writeConfig(t, `
cloud:
  endpoint: localhost:9440

paths:
  root: /srv/outpost
  state: ${OUTPOST_ROOT}/state
  runtime: ${OUTPOST_ROOT}/runtime

worker:
  socket: ${OUTPOST_SOCKET_DIR:-/run/outpost}/worker.sock
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Paths.State != "/srv/outpost/state" {
		t.Errorf("state = %s, want /srv/outpost/state", cfg.Paths.State)
	}
	if cfg.Paths.Runtime != "/srv/outpost/runtime" {
		t.Errorf("runtime = %s, want /srv/outpost/runtime", cfg.Paths.Runtime)
	}
	if cfg.Worker.Socket != "/run/outpost/worker.sock" {
		t.Errorf("socket = %s, want default expansion", cfg.Worker.Socket)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Cloud.Endpoint = "localhost:9440"
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing endpoint",
			mutate: func(c *Config) { c.Cloud.Endpoint = "" },
			want:   "cloud.endpoint is required",
		},
		{
			name:   "endpoint without port",
			mutate: func(c *Config) { c.Cloud.Endpoint = "bridge.example.com" },
			want:   "cloud.endpoint must be host:port",
		},
		{
			name:   "bad environment",
			mutate: func(c *Config) { c.Environment = "sandbox" },
			want:   "invalid environment",
		},
		{
			name:   "bad duration",
			mutate: func(c *Config) { c.Heartbeat.Interval = "thirty" },
			want:   "heartbeat.interval",
		},
		{
			name:   "negative duration",
			mutate: func(c *Config) { c.Worker.ExecTimeout = "-5s" },
			want:   "worker.exec_timeout must be positive",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Log.Level = "verbose" },
			want:   "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Cloud.Endpoint = "localhost:9440"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Cloud.Endpoint = ""
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"cloud.endpoint", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Paths.Root = filepath.Join(root, "outpost")
	cfg.Paths.State = filepath.Join(root, "outpost", "state")
	cfg.Paths.Runtime = filepath.Join(root, "outpost", "runtime")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}

	info, err := os.Stat(cfg.Paths.State)
	if err != nil {
		t.Fatalf("stat state dir: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o700 {
		t.Errorf("state dir mode = %o, want 0700", mode)
	}

	if _, err := os.Stat(cfg.Paths.Runtime); err != nil {
		t.Errorf("runtime dir missing: %v", err)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	cfg.Cloud.Endpoint = "localhost:9440"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if got := cfg.HandshakeTimeout(); got != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 10s", got)
	}
	if got := cfg.ExecTimeout(); got != 180*time.Second {
		t.Errorf("ExecTimeout = %v, want 180s", got)
	}
	if got := cfg.HeartbeatInterval(); got != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", got)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}
