// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the Outpost
// runner.
//
// Configuration is loaded from a single file specified by either the
// OUTPOST_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${OUTPOST_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the runner.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Cloud configures the connection to the control plane.
	Cloud CloudConfig `yaml:"cloud"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Worker configures the agent worker connection.
	Worker WorkerConfig `yaml:"worker"`

	// Heartbeat configures the status reporting cadence.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`

	// Per-environment overrides, applied after the base config loads.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can differ per environment.
type Overrides struct {
	Cloud *CloudConfig `yaml:"cloud,omitempty"`
	Paths *PathsConfig `yaml:"paths,omitempty"`
	Log   *LogConfig   `yaml:"log,omitempty"`
}

// CloudConfig configures the control plane connection.
type CloudConfig struct {
	// Endpoint is the host:port of the control plane bridge listener.
	Endpoint string `yaml:"endpoint"`

	// TLS enables TLS on the outbound connection. Production should
	// always set this; the default is off so local development against
	// a mock control plane works without certificates.
	TLS bool `yaml:"tls"`

	// ServerName overrides the TLS server name when it differs from
	// the endpoint host (load balancer fronting, IP endpoints).
	ServerName string `yaml:"server_name"`

	// HandshakeTimeout bounds the dial plus authentication exchange.
	// Duration string. Default: 10s.
	HandshakeTimeout string `yaml:"handshake_timeout"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for runner data.
	Root string `yaml:"root"`

	// State holds the state database, the age identity key, and the
	// runner state file. Created with mode 0700 because key material
	// lives here.
	State string `yaml:"state"`

	// Runtime holds the applied cloud configuration consumed by the
	// worker.
	Runtime string `yaml:"runtime"`
}

// WorkerConfig configures the connection to the agent worker.
type WorkerConfig struct {
	// Socket is the Unix socket path the worker listens on.
	Socket string `yaml:"socket"`

	// ExecTimeout is the hard ceiling on a single job execution.
	// Duration string. Default: 180s.
	ExecTimeout string `yaml:"exec_timeout"`
}

// HeartbeatConfig configures status reporting.
type HeartbeatConfig struct {
	// Interval between heartbeats while connected. Duration string.
	// Default: 30s.
	Interval string `yaml:"interval"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
}

// Default returns the default configuration. These defaults ensure
// every field has a sensible value before the config file is merged on
// top; the file itself is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".outpost")

	return &Config{
		Environment: Development,
		Cloud: CloudConfig{
			Endpoint:         "",
			TLS:              false,
			HandshakeTimeout: "10s",
		},
		Paths: PathsConfig{
			Root:    defaultRoot,
			State:   filepath.Join(defaultRoot, "state"),
			Runtime: filepath.Join(defaultRoot, "runtime"),
		},
		Worker: WorkerConfig{
			Socket:      filepath.Join(defaultRoot, "worker.sock"),
			ExecTimeout: "180s",
		},
		Heartbeat: HeartbeatConfig{
			Interval: "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the OUTPOST_CONFIG environment
// variable. There are no fallbacks: if OUTPOST_CONFIG is not set, Load
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("OUTPOST_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("OUTPOST_CONFIG environment variable not set; " +
			"set it to the path of your outpost.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides merges the section matching
// Config.Environment over the base values.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Cloud != nil {
		if overrides.Cloud.Endpoint != "" {
			c.Cloud.Endpoint = overrides.Cloud.Endpoint
		}
		// TLS is a bool, so the override section always applies it.
		c.Cloud.TLS = overrides.Cloud.TLS
		if overrides.Cloud.ServerName != "" {
			c.Cloud.ServerName = overrides.Cloud.ServerName
		}
		if overrides.Cloud.HandshakeTimeout != "" {
			c.Cloud.HandshakeTimeout = overrides.Cloud.HandshakeTimeout
		}
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.Runtime != "" {
			c.Paths.Runtime = overrides.Paths.Runtime
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"OUTPOST_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["OUTPOST_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Runtime = expandVars(c.Paths.Runtime, vars)
	c.Worker.Socket = expandVars(c.Worker.Socket, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported at once via errors.Join rather than one at a time.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Cloud.Endpoint == "" {
		errs = append(errs, fmt.Errorf("cloud.endpoint is required"))
	} else if _, _, err := net.SplitHostPort(c.Cloud.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("cloud.endpoint must be host:port: %w", err))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Worker.Socket == "" {
		errs = append(errs, fmt.Errorf("worker.socket is required"))
	}

	for _, duration := range []struct {
		field string
		value string
	}{
		{"cloud.handshake_timeout", c.Cloud.HandshakeTimeout},
		{"worker.exec_timeout", c.Worker.ExecTimeout},
		{"heartbeat.interval", c.Heartbeat.Interval},
	} {
		parsed, err := time.ParseDuration(duration.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", duration.field, err))
		} else if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", duration.field))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories. The state directory
// gets mode 0700 because the age identity key lives there; everything
// else is 0755.
func (c *Config) EnsurePaths() error {
	if c.Paths.Root != "" {
		if err := os.MkdirAll(c.Paths.Root, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", c.Paths.Root, err)
		}
	}
	if c.Paths.State != "" {
		if err := os.MkdirAll(c.Paths.State, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", c.Paths.State, err)
		}
	}
	if c.Paths.Runtime != "" {
		if err := os.MkdirAll(c.Paths.Runtime, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", c.Paths.Runtime, err)
		}
	}
	return nil
}

// HandshakeTimeout returns the parsed cloud.handshake_timeout. Call
// only after Validate.
func (c *Config) HandshakeTimeout() time.Duration {
	return mustDuration(c.Cloud.HandshakeTimeout)
}

// ExecTimeout returns the parsed worker.exec_timeout. Call only after
// Validate.
func (c *Config) ExecTimeout() time.Duration {
	return mustDuration(c.Worker.ExecTimeout)
}

// HeartbeatInterval returns the parsed heartbeat.interval. Call only
// after Validate.
func (c *Config) HeartbeatInterval() time.Duration {
	return mustDuration(c.Heartbeat.Interval)
}

func mustDuration(s string) time.Duration {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		panic("config: duration field not validated: " + s)
	}
	return parsed
}
