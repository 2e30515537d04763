// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/outpost-foundation/outpost/bridge"
	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/credential"
	"github.com/outpost-foundation/outpost/lib/jobstore"
	"github.com/outpost-foundation/outpost/lib/wire"
	"github.com/outpost-foundation/outpost/lib/worker"
)

func TestDispatchRunsJobToCompletion(t *testing.T) {
	var mu sync.Mutex
	var gotRequest worker.Request
	h := newCoordinatorHarness(t, 0, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		mu.Lock()
		gotRequest = request
		mu.Unlock()
		onProgress(json.RawMessage(`{"stage":"crawling"}`))
		return worker.Result{Success: true, Output: "14 leads"}, nil
	})

	h.coordinator.HandleDispatch(context.Background(), wire.JobDispatch{
		JobID:     "j1",
		AgentSlug: "hunter",
		Input:     "find leads",
		Context:   json.RawMessage(`{"region":"emea"}`),
	})

	frame := h.sender.waitForType(t, wire.TypeJobComplete)
	complete := frame.payload.(wire.JobComplete)
	if complete.JobID != "j1" || complete.Output != "14 leads" {
		t.Errorf("job_complete = %+v", complete)
	}

	// The worker saw the dispatch unchanged, context included.
	mu.Lock()
	request := gotRequest
	mu.Unlock()
	if request.JobID != "j1" || request.AgentSlug != "hunter" || request.Input != "find leads" {
		t.Errorf("request = %+v", request)
	}
	if string(request.Context) != `{"region":"emea"}` {
		t.Errorf("request context = %q", request.Context)
	}

	// Synthetic starting event first, handler progress second,
	// completion last.
	wantTypes := []string{wire.TypeJobProgress, wire.TypeJobProgress, wire.TypeJobComplete}
	if types := h.sender.frameTypes(); !slices.Equal(types, wantTypes) {
		t.Errorf("frame order = %v, want %v", types, wantTypes)
	}
	progress := h.sender.ofType(wire.TypeJobProgress)
	if first := progress[0].payload.(wire.JobProgress); string(first.Event) != `{"status":"starting"}` {
		t.Errorf("first progress event = %s", first.Event)
	}
	if second := progress[1].payload.(wire.JobProgress); string(second.Event) != `{"stage":"crawling"}` {
		t.Errorf("second progress event = %s", second.Event)
	}

	// The row reached its terminal state before the frame went out.
	job, err := h.jobs.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != jobstore.StatusComplete || job.Output != "14 leads" {
		t.Errorf("row = %+v", job)
	}
	if count := h.coordinator.ActiveCount(); count != 0 {
		t.Errorf("ActiveCount after completion = %d", count)
	}
}

func TestDispatchScopesWorkspace(t *testing.T) {
	h := newCoordinatorHarness(t, 0, nil)
	ctx := context.Background()

	if err := h.credentials.Set(ctx, credential.KeyWorkspaceID, "ws-4012"); err != nil {
		t.Fatalf("Set workspace: %v", err)
	}
	h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: "j1", AgentSlug: "hunter"})
	h.sender.waitForType(t, wire.TypeJobComplete)

	job, err := h.jobs.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.WorkspaceID != "ws-4012" {
		t.Errorf("row workspace = %q, want ws-4012", job.WorkspaceID)
	}
}

func TestDispatchReportsFailures(t *testing.T) {
	h := newCoordinatorHarness(t, 0, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		switch request.JobID {
		case "j-err":
			return worker.Result{}, errors.New("agent exploded")
		case "j-reported":
			return worker.Result{Success: false, Error: "upstream returned 503"}, nil
		default:
			// Failure with no message gets a stand-in.
			return worker.Result{Success: false}, nil
		}
	})
	ctx := context.Background()

	for _, id := range []string{"j-err", "j-reported", "j-silent"} {
		h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: id, AgentSlug: "hunter"})
	}
	waitUntil(t, "three job_failed frames", func() bool {
		return len(h.sender.ofType(wire.TypeJobFailed)) == 3
	})

	wantErrors := map[string]string{
		"j-err":      "agent exploded",
		"j-reported": "upstream returned 503",
		"j-silent":   "worker reported failure",
	}
	for _, frame := range h.sender.ofType(wire.TypeJobFailed) {
		failed := frame.payload.(wire.JobFailed)
		if failed.Error != wantErrors[failed.JobID] {
			t.Errorf("job_failed for %s = %q, want %q", failed.JobID, failed.Error, wantErrors[failed.JobID])
		}
		job, err := h.jobs.GetJob(ctx, failed.JobID)
		if err != nil {
			t.Fatalf("GetJob %s: %v", failed.JobID, err)
		}
		if job.Status != jobstore.StatusFailed || job.Error != wantErrors[failed.JobID] {
			t.Errorf("row for %s = %+v", failed.JobID, job)
		}
	}
}

func TestDuplicateDispatchWhileActive(t *testing.T) {
	release := make(chan struct{})
	h := newCoordinatorHarness(t, 0, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		<-release
		return worker.Result{Success: true}, nil
	})
	ctx := context.Background()

	dispatch := wire.JobDispatch{JobID: "j1", AgentSlug: "hunter", Input: "find leads"}
	h.coordinator.HandleDispatch(ctx, dispatch)
	h.coordinator.HandleDispatch(ctx, dispatch)

	close(release)
	h.sender.waitForType(t, wire.TypeJobComplete)

	if executions := h.executor.executions(); executions != 1 {
		t.Errorf("executions = %d, want 1", executions)
	}
	if starting := h.sender.ofType(wire.TypeJobProgress); len(starting) != 1 {
		t.Errorf("starting frames = %d, want 1", len(starting))
	}
	if complete := h.sender.ofType(wire.TypeJobComplete); len(complete) != 1 {
		t.Errorf("complete frames = %d, want 1", len(complete))
	}
}

func TestRedeliveryOfFinishedJobIgnored(t *testing.T) {
	h := newCoordinatorHarness(t, 0, nil)
	ctx := context.Background()

	// The job ran to completion in a previous connection epoch.
	if err := h.jobs.CreateJob(ctx, "j9", "", "hunter", "find leads"); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := h.jobs.Finish(ctx, "j9", jobstore.StatusComplete, "done", ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: "j9", AgentSlug: "hunter"})

	if executions := h.executor.executions(); executions != 0 {
		t.Errorf("executions = %d, want 0", executions)
	}
	if frames := h.sender.frameTypes(); len(frames) != 0 {
		t.Errorf("frames = %v, want none", frames)
	}
	if count := h.coordinator.ActiveCount(); count != 0 {
		t.Errorf("ActiveCount = %d", count)
	}
}

func TestExecutionTimeout(t *testing.T) {
	h := newCoordinatorHarness(t, 5*time.Second, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, context.Cause(ctx)
	})
	ctx := context.Background()

	h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: "j3", AgentSlug: "hunter"})
	h.clock.Advance(5 * time.Second)

	frame := h.sender.waitForType(t, wire.TypeJobFailed)
	failed := frame.payload.(wire.JobFailed)
	if failed.JobID != "j3" || !strings.Contains(failed.Error, "timed out after 5s") {
		t.Errorf("job_failed = %+v", failed)
	}

	job, err := h.jobs.GetJob(ctx, "j3")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != jobstore.StatusFailed || !strings.Contains(job.Error, "timed out") {
		t.Errorf("row = %+v", job)
	}
}

func TestCancelActiveJob(t *testing.T) {
	causes := make(chan error, 1)
	h := newCoordinatorHarness(t, 0, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return worker.Result{}, context.Cause(ctx)
	})
	ctx := context.Background()

	h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: "j4", AgentSlug: "hunter"})
	h.sender.waitForType(t, wire.TypeJobProgress)

	h.coordinator.HandleCancel(ctx, wire.JobCancel{JobID: "j4"})

	select {
	case cause := <-causes:
		if cause == nil || !strings.Contains(cause.Error(), "cancelled by control plane") {
			t.Errorf("cancellation cause = %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("executor never saw the cancellation")
	}

	h.coordinator.Shutdown()

	job, err := h.jobs.GetJob(ctx, "j4")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != jobstore.StatusCancelled || job.Error != "cancelled by control plane" {
		t.Errorf("row = %+v", job)
	}

	// Cancellation is not confirmed upstream, and the execution's own
	// resolution must not surface either.
	for _, messageType := range []string{wire.TypeJobComplete, wire.TypeJobFailed} {
		if frames := h.sender.ofType(messageType); len(frames) != 0 {
			t.Errorf("%s frames after cancel = %d, want 0", messageType, len(frames))
		}
	}
}

func TestLateResolutionAfterCancelSuppressed(t *testing.T) {
	release := make(chan struct{})
	h := newCoordinatorHarness(t, 0, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		// Ignores cancellation and finishes anyway.
		<-release
		return worker.Result{Success: true, Output: "finished anyway"}, nil
	})
	ctx := context.Background()

	h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: "j5", AgentSlug: "hunter"})
	h.sender.waitForType(t, wire.TypeJobProgress)

	h.coordinator.HandleCancel(ctx, wire.JobCancel{JobID: "j5"})
	close(release)
	h.coordinator.Shutdown()

	if frames := h.sender.ofType(wire.TypeJobComplete); len(frames) != 0 {
		t.Errorf("job_complete frames = %d, want 0", len(frames))
	}

	// First terminal transition wins: the row stays cancelled and the
	// late output is discarded.
	job, err := h.jobs.GetJob(ctx, "j5")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != jobstore.StatusCancelled || job.Output != "" {
		t.Errorf("row = %+v", job)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	h := newCoordinatorHarness(t, 0, nil)
	ctx := context.Background()

	h.coordinator.HandleCancel(ctx, wire.JobCancel{JobID: "ghost"})

	if frames := h.sender.frameTypes(); len(frames) != 0 {
		t.Errorf("frames = %v, want none", frames)
	}
	if _, err := h.jobs.GetJob(ctx, "ghost"); !errors.Is(err, jobstore.ErrJobNotFound) {
		t.Errorf("GetJob ghost = %v, want ErrJobNotFound", err)
	}
}

func TestConfigSync(t *testing.T) {
	h := newCoordinatorHarness(t, 0, nil)
	ctx := context.Background()

	h.coordinator.HandleConfigSync(ctx, wire.ConfigSync{Config: map[string]json.RawMessage{
		"api_key": json.RawMessage(`"sk-9"`),
		"region":  json.RawMessage(`"emea"`),
		"limits":  json.RawMessage(`{"rpm":60}`),
		"retries": json.RawMessage(`3`),
	}})

	// The API key is sealed, never a plaintext row.
	apiKey, err := h.credentials.GetSecret(ctx, credential.KeyAPIKey)
	if err != nil {
		t.Fatalf("GetSecret api_key: %v", err)
	}
	defer apiKey.Close()
	if string(apiKey.Bytes()) != "sk-9" {
		t.Errorf("api_key = %q", apiKey.Bytes())
	}
	if _, err := h.credentials.Get(ctx, credential.KeyAPIKey); !errors.Is(err, credential.ErrSealedValue) {
		t.Errorf("plaintext read of api_key = %v, want ErrSealedValue", err)
	}

	// Strings unquoted, everything else stored as JSON text.
	for key, want := range map[string]string{
		"region":  "emea",
		"limits":  `{"rpm":60}`,
		"retries": "3",
	} {
		value, err := h.credentials.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get %s: %v", key, err)
		}
		if value != want {
			t.Errorf("Get %s = %q, want %q", key, value, want)
		}
	}

	// The full payload reaches the runtime config applier.
	calls := h.applier.calls()
	if len(calls) != 1 || len(calls[0]) != 4 {
		t.Errorf("applier calls = %v", calls)
	}
}

func TestReconcileInterrupted(t *testing.T) {
	release := make(chan struct{})
	h := newCoordinatorHarness(t, 0, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		<-release
		return worker.Result{Success: true}, nil
	})
	ctx := context.Background()

	// One job live in this process, one row orphaned by the last one.
	h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: "j-live", AgentSlug: "hunter"})
	h.sender.waitForType(t, wire.TypeJobProgress)
	if err := h.jobs.CreateJob(ctx, "j-dead", "", "hunter", "old input"); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	h.coordinator.ReconcileInterrupted(ctx)

	frame := h.sender.waitForType(t, wire.TypeJobFailed)
	failed := frame.payload.(wire.JobFailed)
	if failed.JobID != "j-dead" || failed.Error != "interrupted by runner restart" {
		t.Errorf("job_failed = %+v", failed)
	}

	dead, err := h.jobs.GetJob(ctx, "j-dead")
	if err != nil {
		t.Fatalf("GetJob j-dead: %v", err)
	}
	if dead.Status != jobstore.StatusFailed {
		t.Errorf("j-dead status = %s, want failed", dead.Status)
	}

	// The live job is untouched.
	live, err := h.jobs.GetJob(ctx, "j-live")
	if err != nil {
		t.Fatalf("GetJob j-live: %v", err)
	}
	if live.Status != jobstore.StatusRunning {
		t.Errorf("j-live status = %s, want running", live.Status)
	}
	if count := h.coordinator.ActiveCount(); count != 1 {
		t.Errorf("ActiveCount = %d, want 1", count)
	}

	close(release)
	h.sender.waitForType(t, wire.TypeJobComplete)
}

func TestShutdownLeavesInterruptedJobsRunning(t *testing.T) {
	h := newCoordinatorHarness(t, 0, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, context.Cause(ctx)
	})
	ctx := context.Background()

	h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: "j6", AgentSlug: "hunter"})
	h.sender.waitForType(t, wire.TypeJobProgress)

	h.coordinator.Shutdown()

	// No terminal write and no terminal frame: the row stays running
	// for the next start to reconcile.
	job, err := h.jobs.GetJob(ctx, "j6")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != jobstore.StatusRunning {
		t.Errorf("row status = %s, want running", job.Status)
	}
	for _, messageType := range []string{wire.TypeJobComplete, wire.TypeJobFailed} {
		if frames := h.sender.ofType(messageType); len(frames) != 0 {
			t.Errorf("%s frames after shutdown = %d, want 0", messageType, len(frames))
		}
	}
	if count := h.coordinator.ActiveCount(); count != 0 {
		t.Errorf("ActiveCount = %d", count)
	}

	// Dispatches after shutdown are refused outright.
	h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: "j7", AgentSlug: "hunter"})
	if _, err := h.jobs.GetJob(ctx, "j7"); !errors.Is(err, jobstore.ErrJobNotFound) {
		t.Errorf("GetJob j7 = %v, want ErrJobNotFound", err)
	}
}

func TestActiveSlugs(t *testing.T) {
	release := make(chan struct{})
	h := newCoordinatorHarness(t, 0, func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
		<-release
		return worker.Result{Success: true}, nil
	})
	ctx := context.Background()

	for id, slug := range map[string]string{"j1": "hunter", "j2": "scribe", "j3": "hunter"} {
		h.coordinator.HandleDispatch(ctx, wire.JobDispatch{JobID: id, AgentSlug: slug})
	}

	if count := h.coordinator.ActiveCount(); count != 3 {
		t.Errorf("ActiveCount = %d, want 3", count)
	}
	want := []string{"hunter", "scribe"}
	if slugs := h.coordinator.ActiveSlugs(); !slices.Equal(slugs, want) {
		t.Errorf("ActiveSlugs = %v, want %v", slugs, want)
	}

	close(release)
	waitUntil(t, "all jobs to finish", func() bool {
		return h.coordinator.ActiveCount() == 0
	})
}

// coordinatorHarness wires a coordinator to fakes and real stores on
// one shared pool, the way the runner composes them.
type coordinatorHarness struct {
	coordinator *bridge.Coordinator
	sender      *fakeSender
	executor    *fakeExecutor
	applier     *recordingApplier
	jobs        *jobstore.Store
	credentials *credential.Store
	clock       *clock.FakeClock
}

func newCoordinatorHarness(t *testing.T, execTimeout time.Duration, handler executeFunc) *coordinatorHarness {
	t.Helper()

	fake := clock.NewFake(testEpoch)
	pool := newTestPool(t)
	credentials := newTestCredentialsOn(t, pool, fake)

	jobs, err := jobstore.OpenStore(context.Background(), jobstore.Config{
		Pool:   pool,
		Clock:  fake,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("OpenStore jobs: %v", err)
	}

	sender := newFakeSender()
	executor := &fakeExecutor{handler: handler}
	applier := &recordingApplier{}

	coordinator, err := bridge.NewCoordinator(bridge.CoordinatorConfig{
		Sender:      sender,
		Executor:    executor,
		Jobs:        jobs,
		Credentials: credentials,
		Applier:     applier,
		ExecTimeout: execTimeout,
		Clock:       fake,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(coordinator.Shutdown)

	return &coordinatorHarness{
		coordinator: coordinator,
		sender:      sender,
		executor:    executor,
		applier:     applier,
		jobs:        jobs,
		credentials: credentials,
		clock:       fake,
	}
}

type executeFunc func(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error)

// fakeExecutor counts executions and delegates to a per-test handler.
// A nil handler succeeds immediately with an empty output.
type fakeExecutor struct {
	mu      sync.Mutex
	count   int
	handler executeFunc
}

func (e *fakeExecutor) Execute(ctx context.Context, request worker.Request, onProgress worker.ProgressFunc) (worker.Result, error) {
	e.mu.Lock()
	e.count++
	e.mu.Unlock()
	if e.handler == nil {
		return worker.Result{Success: true}, nil
	}
	return e.handler(ctx, request, onProgress)
}

func (e *fakeExecutor) executions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// sentFrame is one Send call recorded by fakeSender.
type sentFrame struct {
	messageType string
	payload     any
}

// fakeSender records outbound frames in order.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	frames    []sentFrame
}

func newFakeSender() *fakeSender {
	return &fakeSender{connected: true}
}

func (s *fakeSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) setConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

func (s *fakeSender) Send(messageType string, payload any) {
	s.mu.Lock()
	s.frames = append(s.frames, sentFrame{messageType: messageType, payload: payload})
	s.mu.Unlock()
}

func (s *fakeSender) frameTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.frames))
	for i, frame := range s.frames {
		types[i] = frame.messageType
	}
	return types
}

func (s *fakeSender) ofType(messageType string) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []sentFrame
	for _, frame := range s.frames {
		if frame.messageType == messageType {
			matched = append(matched, frame)
		}
	}
	return matched
}

func (s *fakeSender) waitForType(t *testing.T, messageType string) sentFrame {
	t.Helper()
	var frame sentFrame
	waitUntil(t, "a "+messageType+" frame", func() bool {
		frames := s.ofType(messageType)
		if len(frames) == 0 {
			return false
		}
		frame = frames[0]
		return true
	})
	return frame
}

// waitUntil polls a condition until it holds or the deadline passes.
func waitUntil(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
