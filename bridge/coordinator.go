// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/credential"
	"github.com/outpost-foundation/outpost/lib/jobstore"
	"github.com/outpost-foundation/outpost/lib/wire"
	"github.com/outpost-foundation/outpost/lib/worker"
)

// DefaultExecTimeout bounds a single job execution.
const DefaultExecTimeout = 180 * time.Second

// Cancel causes distinguish why a job context was torn down. The
// executor returns the cause as its error; runJob switches on it to
// decide whether a terminal transition is still owed.
var (
	errCancelled = errors.New("cancelled by control plane")
	errShutdown  = errors.New("runner shutting down")
)

// Sender is the outbound half of the channel. Send is fire-and-forget:
// it drops the frame when the connection is down.
type Sender interface {
	Connected() bool
	Send(messageType string, payload any)
}

// Executor runs one job to completion, forwarding progress events as
// they happen. Cancelling the context aborts the execution; the
// returned error is then the cancellation cause.
type Executor interface {
	Execute(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error)
}

// CoordinatorConfig holds the parameters for creating a Coordinator.
type CoordinatorConfig struct {
	// Sender delivers progress and terminal frames upstream. Required.
	Sender Sender

	// Executor performs the actual work. Required.
	Executor Executor

	// Jobs persists dispatch and outcome records. Required.
	Jobs *jobstore.Store

	// Credentials supplies the workspace scope for new job rows and
	// stores config_sync values. Required.
	Credentials *credential.Store

	// Applier receives config_sync payloads. Optional.
	Applier ConfigApplier

	// ExecTimeout bounds one execution. Defaults to DefaultExecTimeout.
	ExecTimeout time.Duration

	// Clock drives execution timeouts. Required.
	Clock clock.Clock

	// Logger receives job lifecycle messages. Required.
	Logger *slog.Logger
}

// activeJob is one running execution. The entry in the active map is
// the authority on liveness: removing it is the terminal transition,
// and whichever path removes it owns the upstream report and the
// store write.
type activeJob struct {
	id        string
	agentSlug string
	cancel    context.CancelCauseFunc
	timeout   *clock.Timer
	startedAt time.Time
}

// Coordinator owns the job state machine: running, then exactly one of
// complete, failed or cancelled. Dispatch and cancel arrive on the
// engine loop; executions run on their own goroutines and race the
// loop for the terminal transition. The active map's mutex decides the
// winner, and the job store's running-only update guard backs it up.
//
// Job contexts descend from a background context, not from the
// connection: a dropped connection does not disturb executions, their
// results are simply reported on whichever connection instance is up
// when they finish (or dropped, with the store still recording them).
type Coordinator struct {
	sender      Sender
	executor    Executor
	jobs        *jobstore.Store
	credentials *credential.Store
	applier     ConfigApplier
	execTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	active   map[string]*activeJob
	draining bool

	wg sync.WaitGroup
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("coordinator: Sender is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("coordinator: Executor is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("coordinator: Jobs is required")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("coordinator: Credentials is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("coordinator: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("coordinator: Logger is required")
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	return &Coordinator{
		sender:      cfg.Sender,
		executor:    cfg.Executor,
		jobs:        cfg.Jobs,
		credentials: cfg.Credentials,
		applier:     cfg.Applier,
		execTimeout: cfg.ExecTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		active:      make(map[string]*activeJob),
	}, nil
}

// HandleDispatch starts one job. Duplicates, whether already active or
// already recorded in the store, are ignored: redelivery after a
// reconnect is normal control plane behavior, not an error. Any other
// store failure is logged and execution proceeds anyway; the upstream
// report must not be hostage to local disk trouble.
func (c *Coordinator) HandleDispatch(ctx context.Context, dispatch wire.JobDispatch) {
	if dispatch.JobID == "" {
		c.logger.Warn("dispatch without job id dropped")
		return
	}

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		c.logger.Warn("dispatch during shutdown refused", "job_id", dispatch.JobID)
		return
	}
	if _, ok := c.active[dispatch.JobID]; ok {
		c.mu.Unlock()
		c.logger.Debug("duplicate dispatch ignored", "job_id", dispatch.JobID)
		return
	}
	c.mu.Unlock()

	workspaceID, err := c.credentials.Get(ctx, credential.KeyWorkspaceID)
	if err != nil && !errors.Is(err, credential.ErrNotFound) {
		c.logger.Error("loading workspace id", "error", err)
	}

	err = c.jobs.CreateJob(ctx, dispatch.JobID, workspaceID, dispatch.AgentSlug, dispatch.Input)
	if errors.Is(err, jobstore.ErrJobExists) {
		c.logger.Debug("dispatch for known job ignored", "job_id", dispatch.JobID)
		return
	}
	if err != nil {
		c.logger.Error("persisting job", "job_id", dispatch.JobID, "error", err)
	}

	jobCtx, cancel := context.WithCancelCause(context.Background())
	job := &activeJob{
		id:        dispatch.JobID,
		agentSlug: dispatch.AgentSlug,
		cancel:    cancel,
		startedAt: c.clock.Now(),
	}
	job.timeout = c.clock.AfterFunc(c.execTimeout, func() {
		cancel(fmt.Errorf("execution timed out after %s", c.execTimeout))
	})

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		job.timeout.Stop()
		cancel(errShutdown)
		return
	}
	c.active[dispatch.JobID] = job
	c.mu.Unlock()

	c.logger.Info("job dispatched",
		"job_id", dispatch.JobID,
		"agent_slug", dispatch.AgentSlug,
	)
	c.sender.Send(wire.TypeJobProgress, wire.JobProgress{
		JobID: dispatch.JobID,
		Event: json.RawMessage(`{"status":"starting"}`),
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runJob(jobCtx, job, dispatch)
	}()
}

// runJob drives one execution and resolves its outcome. Cancellation
// causes carry the decision: a control plane cancel was already
// resolved by HandleCancel, a shutdown leaves the row running for the
// next start to reconcile, and everything else (including the timeout
// cause) fails the job here.
func (c *Coordinator) runJob(ctx context.Context, job *activeJob, dispatch wire.JobDispatch) {
	request := worker.Request{
		JobID:     dispatch.JobID,
		AgentSlug: dispatch.AgentSlug,
		Input:     dispatch.Input,
		Context:   []byte(dispatch.Context),
	}
	onProgress := func(event json.RawMessage) {
		c.sender.Send(wire.TypeJobProgress, wire.JobProgress{JobID: job.id, Event: event})
	}

	result, err := c.executor.Execute(ctx, request, onProgress)

	if err != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, errShutdown):
			if _, ok := c.take(job.id); ok {
				c.logger.Info("job interrupted by shutdown", "job_id", job.id)
			}
		case errors.Is(cause, errCancelled):
			// HandleCancel owned the transition; nothing left to do.
		default:
			c.finish(job.id, jobstore.StatusFailed, "", err.Error())
		}
		return
	}

	if result.Success {
		c.finish(job.id, jobstore.StatusComplete, result.Output, "")
		return
	}
	message := result.Error
	if message == "" {
		message = "worker reported failure"
	}
	c.finish(job.id, jobstore.StatusFailed, result.Output, message)
}

// HandleCancel resolves an active job as cancelled and then cancels
// its context. Unknown or already-finished ids are ignored. No frame
// goes upstream: the control plane asked for this outcome and a
// confirmation would race any redelivery of the same id.
func (c *Coordinator) HandleCancel(ctx context.Context, request wire.JobCancel) {
	job, ok := c.take(request.JobID)
	if !ok {
		c.logger.Debug("cancel for inactive job ignored", "job_id", request.JobID)
		return
	}

	if err := c.jobs.Finish(ctx, request.JobID, jobstore.StatusCancelled, "", "cancelled by control plane"); err != nil {
		c.logger.Error("recording cancellation", "job_id", request.JobID, "error", err)
	}
	c.logger.Info("job cancelled", "job_id", request.JobID)
	job.cancel(errCancelled)
}

// HandleConfigSync merges pushed settings into the credential store
// and forwards the payload to the runtime config applier. Values are
// stored as their JSON text with one exception each way: bare strings
// are unquoted, and api_key is sealed rather than stored plaintext.
func (c *Coordinator) HandleConfigSync(ctx context.Context, sync wire.ConfigSync) {
	for key, raw := range sync.Config {
		if key == credential.KeyAPIKey {
			var apiKey string
			if err := json.Unmarshal(raw, &apiKey); err != nil {
				c.logger.Error("config sync api_key is not a string", "error", err)
				continue
			}
			if err := c.credentials.SetSecret(ctx, key, []byte(apiKey)); err != nil {
				c.logger.Error("storing synced api_key", "error", err)
			}
			continue
		}

		value := string(raw)
		var unquoted string
		if err := json.Unmarshal(raw, &unquoted); err == nil {
			value = unquoted
		}
		if err := c.credentials.Set(ctx, key, value); err != nil {
			c.logger.Error("storing synced config", "key", key, "error", err)
		}
	}

	if c.applier != nil && len(sync.Config) > 0 {
		if _, err := c.applier.Apply(sync.Config); err != nil {
			c.logger.Error("applying synced config", "error", err)
		}
	}
	c.logger.Info("config synced", "keys", len(sync.Config))
}

// ReconcileInterrupted fails jobs a previous process left running.
// Called once, after the first successful connect, so the job_failed
// frames have a connection to ride on. Ids that are active again
// (redelivered before reconciliation ran) are left alone.
func (c *Coordinator) ReconcileInterrupted(ctx context.Context) {
	ids, err := c.jobs.ListRunning(ctx)
	if err != nil {
		c.logger.Error("listing interrupted jobs", "error", err)
		return
	}

	const message = "interrupted by runner restart"
	for _, id := range ids {
		c.mu.Lock()
		_, isActive := c.active[id]
		c.mu.Unlock()
		if isActive {
			continue
		}

		if err := c.jobs.Finish(ctx, id, jobstore.StatusFailed, "", message); err != nil {
			c.logger.Error("reconciling interrupted job", "job_id", id, "error", err)
			continue
		}
		c.sender.Send(wire.TypeJobFailed, wire.JobFailed{JobID: id, Error: message})
		c.logger.Info("interrupted job failed", "job_id", id)
	}
}

// Shutdown refuses further dispatches, cancels every active job with a
// shutdown cause, and waits for execution goroutines to drain.
// Interrupted jobs keep their running rows; reconciliation on the next
// start turns them into failures.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.draining = true
	jobs := make([]*activeJob, 0, len(c.active))
	for _, job := range c.active {
		jobs = append(jobs, job)
	}
	c.mu.Unlock()

	for _, job := range jobs {
		job.cancel(errShutdown)
	}
	c.wg.Wait()
}

// ActiveCount returns the number of running jobs.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// ActiveSlugs returns the distinct agent slugs with running jobs,
// sorted for stable heartbeat payloads.
func (c *Coordinator) ActiveSlugs() []string {
	c.mu.Lock()
	seen := make(map[string]struct{}, len(c.active))
	for _, job := range c.active {
		seen[job.agentSlug] = struct{}{}
	}
	c.mu.Unlock()

	slugs := make([]string, 0, len(seen))
	for slug := range seen {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// take removes the active entry for id and stops its timeout timer.
// The caller owns the terminal transition when ok is true; a false
// return means someone else already resolved the job.
func (c *Coordinator) take(id string) (*activeJob, bool) {
	c.mu.Lock()
	job, ok := c.active[id]
	if ok {
		delete(c.active, id)
	}
	c.mu.Unlock()
	if ok {
		job.timeout.Stop()
	}
	return job, ok
}

// finish performs the terminal transition: record in the store, then
// report upstream. Ids with no active entry are late resolutions of
// jobs already cancelled; they are dropped without a write or a frame.
// The store write comes first and uses a background context: the local
// record is the source of truth, and an engine shutdown racing a
// completion must not abort it.
func (c *Coordinator) finish(id string, status jobstore.Status, output, errorMessage string) {
	job, ok := c.take(id)
	if !ok {
		c.logger.Debug("late job resolution dropped", "job_id", id)
		return
	}

	if err := c.jobs.Finish(context.Background(), id, status, output, errorMessage); err != nil {
		c.logger.Error("recording job outcome", "job_id", id, "status", string(status), "error", err)
	}

	switch status {
	case jobstore.StatusComplete:
		c.sender.Send(wire.TypeJobComplete, wire.JobComplete{JobID: id, Output: output})
	case jobstore.StatusFailed:
		c.sender.Send(wire.TypeJobFailed, wire.JobFailed{JobID: id, Error: errorMessage})
	}

	c.logger.Info("job finished",
		"job_id", id,
		"status", string(status),
		"duration", c.clock.Now().Sub(job.startedAt),
	)
}
