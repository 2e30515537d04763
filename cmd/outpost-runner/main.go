// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-runner is the runner daemon. It holds one outbound,
// authenticated connection to the control plane, executes dispatched
// jobs against the local worker socket, and streams progress and
// results back.
//
// The runner owns all durable state: the credential store (sealed with
// a per-runner age identity), the job store, and the runtime config
// file consumed by the worker. The control plane never reaches in; the
// single TCP or TLS connection is dialed from here, and everything
// rides on it.
//
// On startup:
//  1. Loads and validates the YAML configuration.
//  2. Loads or creates the age identity and opens the state database.
//  3. Reconciles jobs left running by a previous process.
//  4. Connects to the control plane, authenticating with the stored
//     runner key (or install token on first enrollment).
//  5. Runs the engine loop until SIGINT/SIGTERM.
//
// A missing credential is fatal: provision one with
// 'outpost-credentials set-token' and start the runner again.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/outpost-foundation/outpost/bridge"
	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/config"
	"github.com/outpost-foundation/outpost/lib/credential"
	"github.com/outpost-foundation/outpost/lib/jobstore"
	"github.com/outpost-foundation/outpost/lib/runtimecfg"
	"github.com/outpost-foundation/outpost/lib/sealed"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
	"github.com/outpost-foundation/outpost/lib/statefile"
	"github.com/outpost-foundation/outpost/lib/version"
	"github.com/outpost-foundation/outpost/lib/worker"
	"github.com/outpost-foundation/outpost/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("outpost-runner", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to outpost.yaml (default: $OUTPOST_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("outpost-runner %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("outpost-runner starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"endpoint", cfg.Cloud.Endpoint,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The age identity seals credentials at rest. Created on first
	// boot; losing it means re-enrolling with a fresh install token.
	identity, err := sealed.LoadOrCreateIdentity(filepath.Join(cfg.Paths.State, "identity.age"))
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	defer identity.Close()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(cfg.Paths.State, "outpost.db"),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer pool.Close()

	systemClock := clock.Real()

	credentials, err := credential.OpenStore(ctx, credential.Config{
		Pool:     pool,
		Identity: identity,
		Clock:    systemClock,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	jobs, err := jobstore.OpenStore(ctx, jobstore.Config{
		Pool:   pool,
		Clock:  systemClock,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	applier, err := runtimecfg.NewApplier(runtimecfg.ApplierConfig{
		PresetPath: filepath.Join(cfg.Paths.Runtime, "presets.jsonc"),
		OutputPath: filepath.Join(cfg.Paths.Runtime, "runtime.json"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	executor, err := worker.NewClient(worker.ClientConfig{
		SocketPath: cfg.Worker.Socket,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	session, err := bridge.NewSession(bridge.SessionConfig{
		Credentials: credentials,
		Applier:     applier,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	channel, err := bridge.NewChannel(bridge.ChannelConfig{
		Endpoint:         cfg.Cloud.Endpoint,
		Dialer:           dialer(cfg),
		Preflight:        session.Preflight,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		Clock:            systemClock,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := bridge.NewCoordinator(bridge.CoordinatorConfig{
		Sender:      channel,
		Executor:    executor,
		Jobs:        jobs,
		Credentials: credentials,
		Applier:     applier,
		ExecTimeout: cfg.ExecTimeout(),
		Clock:       systemClock,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	statePath := filepath.Join(cfg.Paths.State, "runner-state.json")
	heartbeat, err := bridge.NewHeartbeat(bridge.HeartbeatConfig{
		Sender:    channel,
		Jobs:      coordinator,
		Session:   session,
		StatePath: statePath,
		Interval:  cfg.HeartbeatInterval(),
		Clock:     systemClock,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	engine, err := bridge.NewEngine(bridge.EngineConfig{
		Channel:     channel,
		Session:     session,
		Coordinator: coordinator,
		Heartbeat:   heartbeat,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// A stale state file from this run must not read as a live runner
	// after exit.
	defer func() {
		if err := statefile.Clear(statePath); err != nil {
			logger.Warn("clearing state file", "error", err)
		}
	}()

	if err := engine.Run(ctx); err != nil {
		if errors.Is(err, credential.ErrNoCredential) {
			return fmt.Errorf("%w; provision an install token with 'outpost-credentials set-token'", err)
		}
		return err
	}

	logger.Info("outpost-runner stopped")
	return nil
}

// loadConfig resolves the configuration source: the --config flag when
// given, otherwise the OUTPOST_CONFIG environment variable.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// dialer selects the transport for the control plane connection.
func dialer(cfg *config.Config) transport.Dialer {
	if cfg.Cloud.TLS {
		return &transport.TLSDialer{ServerName: cfg.Cloud.ServerName}
	}
	return &transport.TCPDialer{}
}

// logLevel maps the validated config level string to a slog level.
func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
