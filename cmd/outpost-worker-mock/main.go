// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-worker-mock serves the worker socket with a canned handler
// for end-to-end smoke testing. Each job emits a configurable number
// of progress events spread over a configurable duration, then
// succeeds with a summary of its input. Cancellation is honored
// between events, and one agent slug can be designated to always fail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/outpost-foundation/outpost/lib/version"
	"github.com/outpost-foundation/outpost/lib/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath    string
		duration      time.Duration
		progressCount int
		failSlug      string
		showVersion   bool
	)

	flagSet := pflag.NewFlagSet("outpost-worker-mock", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "/tmp/outpost-worker.sock", "unix socket to listen on")
	flagSet.DurationVar(&duration, "duration", 2*time.Second, "how long each job takes")
	flagSet.IntVar(&progressCount, "progress", 3, "progress events per job")
	flagSet.StringVar(&failSlug, "fail-slug", "", "agent slug whose jobs always fail")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("outpost-worker-mock %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := worker.NewServer(worker.ServerConfig{
		SocketPath: socketPath,
		Handler:    makeHandler(duration, progressCount, failSlug, logger),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("mock worker listening",
		"socket", socketPath,
		"duration", duration.String(),
		"fail_slug", failSlug,
	)
	return server.Serve(ctx)
}

// makeHandler builds the canned job handler. Progress events are
// spaced evenly across the configured duration, and the context is
// checked between them so cancellation lands promptly.
func makeHandler(duration time.Duration, progressCount int, failSlug string, logger *slog.Logger) worker.HandlerFunc {
	return func(ctx context.Context, request worker.Request, emit worker.ProgressFunc) (worker.Result, error) {
		logger.Info("job accepted",
			"job_id", request.JobID,
			"agent_slug", request.AgentSlug,
			"input", request.Input,
		)

		steps := progressCount
		if steps < 1 {
			steps = 1
		}
		interval := duration / time.Duration(steps)

		for step := 1; step <= steps; step++ {
			select {
			case <-ctx.Done():
				logger.Info("job abandoned", "job_id", request.JobID, "step", step)
				return worker.Result{}, context.Cause(ctx)
			case <-time.After(interval):
			}

			if step <= progressCount {
				event, err := json.Marshal(map[string]any{
					"stage": "working",
					"step":  step,
					"of":    progressCount,
				})
				if err != nil {
					return worker.Result{}, fmt.Errorf("encoding progress: %w", err)
				}
				emit(event)
			}
		}

		if failSlug != "" && request.AgentSlug == failSlug {
			logger.Info("job failed by configuration", "job_id", request.JobID)
			return worker.Result{
				Success: false,
				Error:   fmt.Sprintf("agent %q is configured to fail", request.AgentSlug),
			}, nil
		}

		logger.Info("job finished", "job_id", request.JobID)
		return worker.Result{
			Success: true,
			Output:  fmt.Sprintf("processed %q for agent %s", request.Input, request.AgentSlug),
		}, nil
	}
}
