/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker is a channel-gated Worker. Containers block in
// WaitForContainer until the test resolves them with finish or stop, so
// ordering scenarios need no sleeps.
type fakeWorker struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	order      []string // container ids in creation order
	createErr  error
	startErr   error
	cleanups   int
}

type fakeContainer struct {
	info    ContainerInfo
	done    chan WaitResult
	stopped bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{containers: make(map[string]*fakeContainer)}
}

func (w *fakeWorker) CreateContainer(_ context.Context, opts CreateOptions) (ContainerInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return ContainerInfo{}, w.createErr
	}
	id := fmt.Sprintf("ctr-%d", len(w.order)+1)
	c := &fakeContainer{
		info: ContainerInfo{
			ID:            id,
			ContainerID:   id,
			EnvironmentID: opts.Environment.ID,
			Status:        ContainerCreated,
			CreatedAt:     time.Now(),
		},
		done: make(chan WaitResult, 1),
	}
	w.containers[id] = c
	w.order = append(w.order, id)
	return c.info, nil
}

func (w *fakeWorker) StartContainer(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startErr != nil {
		return w.startErr
	}
	c, ok := w.containers[id]
	if !ok {
		return fmt.Errorf("unknown container %s", id)
	}
	c.info.Status = ContainerRunning
	return nil
}

func (w *fakeWorker) StopContainer(_ context.Context, id string, _ time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.containers[id]
	if !ok {
		return fmt.Errorf("unknown container %s", id)
	}
	if !c.stopped {
		c.stopped = true
		c.info.Status = ContainerExited
		c.done <- WaitResult{ExitCode: 137, Status: ContainerExited}
	}
	return nil
}

func (w *fakeWorker) RemoveContainer(_ context.Context, id string, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.containers[id]; ok {
		c.info.Status = ContainerRemoved
	}
	return nil
}

func (w *fakeWorker) WaitForContainer(_ context.Context, id string, timeout time.Duration) (WaitResult, error) {
	w.mu.Lock()
	c, ok := w.containers[id]
	w.mu.Unlock()
	if !ok {
		return WaitResult{}, fmt.Errorf("unknown container %s", id)
	}
	select {
	case res := <-c.done:
		return res, nil
	case <-time.After(timeout):
		w.mu.Lock()
		c.stopped = true
		c.info.Status = ContainerTimeout
		w.mu.Unlock()
		return WaitResult{ExitCode: -1, Status: ContainerTimeout}, ErrWaitTimeout
	}
}

func (w *fakeWorker) ContainerLogs(_ context.Context, id string, _ LogOptions) (string, error) {
	return "logs:" + id, nil
}

func (w *fakeWorker) Cleanup(_ context.Context, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanups++
	for _, c := range w.containers {
		if !c.stopped {
			c.stopped = true
			c.info.Status = ContainerExited
			c.done <- WaitResult{ExitCode: 137, Status: ContainerExited}
		}
	}
	return nil
}

// finish resolves the nth created container (1-based) with an exit code.
func (w *fakeWorker) finish(n, exitCode int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.containers[w.order[n-1]]
	if !c.stopped {
		c.stopped = true
		c.info.Status = ContainerExited
		c.done <- WaitResult{ExitCode: exitCode, Status: ContainerExited, Output: "done"}
	}
}

func (w *fakeWorker) created() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

func newTestPool(t *testing.T, cfg Config, worker Worker) *Pool {
	t.Helper()
	registry := NewEnvironmentRegistry()
	require.NoError(t, registry.Register(Environment{ID: "default"}))
	return New(cfg, worker, registry)
}

// waitStatus polls until the task reaches the wanted status.
func waitStatus(t *testing.T, p *Pool, id string, want TaskStatus) Task {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		task, err := p.GetTask(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s stuck in %s, want %s", id, task.Status, want)
		case <-time.After(time.Millisecond):
		}
	}
}

// waitCreated polls until the worker has created n containers.
func waitCreated(t *testing.T, w *fakeWorker, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for w.created() < n {
		select {
		case <-deadline:
			t.Fatalf("only %d containers created, want %d", w.created(), n)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSubmitRunsImmediatelyWithFreeSlot(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 2}, w)

	task, err := p.Submit(SubmitSpec{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, task.Status, "submit returns the queued snapshot")
	assert.Equal(t, "default", task.Environment)
	assert.NotEmpty(t, task.ID)

	waitCreated(t, w, 1)
	w.finish(1, 0)

	done := waitStatus(t, p, task.ID, StatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, 0, done.Result.ExitCode)
	assert.Equal(t, "logs:ctr-1", done.Result.Logs)
	assert.Equal(t, "done", done.Result.Output)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(*done.StartedAt))
}

func TestFIFOAdmissionOrder(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 2}, w)

	t1, err := p.Submit(SubmitSpec{Prompt: "t1"})
	require.NoError(t, err)
	t2, err := p.Submit(SubmitSpec{Prompt: "t2"})
	require.NoError(t, err)
	t3, err := p.Submit(SubmitSpec{Prompt: "t3"})
	require.NoError(t, err)

	waitCreated(t, w, 2)
	waitStatus(t, p, t1.ID, StatusRunning)
	waitStatus(t, p, t2.ID, StatusRunning)

	got, err := p.GetTask(t3.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status, "third task must wait for a slot")
	assert.Equal(t, 2, p.GetStats().ActiveTasks)

	w.finish(1, 0)
	waitStatus(t, p, t1.ID, StatusCompleted)
	waitCreated(t, w, 3)
	waitStatus(t, p, t3.ID, StatusRunning)

	w.finish(2, 0)
	w.finish(3, 0)
	waitStatus(t, p, t2.ID, StatusCompleted)
	waitStatus(t, p, t3.ID, StatusCompleted)

	stats := p.GetStats()
	assert.Equal(t, 3, stats.CompletedTasks)
	assert.Equal(t, 0, stats.ActiveTasks)
	assert.Equal(t, 0, stats.QueuedTasks)
}

func TestCancelQueuedTask(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	t1, err := p.Submit(SubmitSpec{Prompt: "t1"})
	require.NoError(t, err)
	t2, err := p.Submit(SubmitSpec{Prompt: "t2"})
	require.NoError(t, err)

	assert.True(t, p.Cancel(t2.ID))
	got, err := p.GetTask(t2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt, "a cancelled queued task never started")

	waitCreated(t, w, 1)
	w.finish(1, 0)
	waitStatus(t, p, t1.ID, StatusCompleted)

	assert.Equal(t, 1, w.created(), "the cancelled task must not reach the worker")
	assert.True(t, p.Cancel(t2.ID), "cancel is idempotent")
}

func TestCancelRunningTaskReleasesSlot(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	t1, err := p.Submit(SubmitSpec{Prompt: "t1"})
	require.NoError(t, err)
	t2, err := p.Submit(SubmitSpec{Prompt: "t2"})
	require.NoError(t, err)

	waitCreated(t, w, 1)
	waitStatus(t, p, t1.ID, StatusRunning)

	assert.True(t, p.Cancel(t1.ID))
	waitStatus(t, p, t1.ID, StatusCancelled)

	// The freed slot admits the queued task.
	waitCreated(t, w, 2)
	w.finish(2, 0)
	waitStatus(t, p, t2.ID, StatusCompleted)
}

func TestCancelVerdictBeatsWorkerExit(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	t1, err := p.Submit(SubmitSpec{Prompt: "t1"})
	require.NoError(t, err)
	waitCreated(t, w, 1)
	waitStatus(t, p, t1.ID, StatusRunning)

	require.True(t, p.Cancel(t1.ID))
	got := waitStatus(t, p, t1.ID, StatusCancelled)
	assert.Empty(t, got.Error, "cancellation is not an error")
	assert.False(t, p.Cancel("task-unknown"))
}

func TestUnknownEnvironmentFailsWithoutSlot(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	bad, err := p.Submit(SubmitSpec{Prompt: "x", Environment: "nope"})
	require.NoError(t, err, "submit itself always succeeds")

	got := waitStatus(t, p, bad.ID, StatusFailed)
	assert.Equal(t, "Environment nope not found", got.Error)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, 0, w.created())
	assert.Equal(t, 0, p.GetStats().ActiveTasks, "no slot may be consumed")

	// The slot stays available for well-formed tasks.
	ok, err := p.Submit(SubmitSpec{Prompt: "y"})
	require.NoError(t, err)
	waitCreated(t, w, 1)
	w.finish(1, 0)
	waitStatus(t, p, ok.ID, StatusCompleted)
}

func TestNonZeroExitFailsTask(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	task, err := p.Submit(SubmitSpec{Prompt: "x"})
	require.NoError(t, err)
	waitCreated(t, w, 1)
	w.finish(1, 3)

	got := waitStatus(t, p, task.ID, StatusFailed)
	assert.Equal(t, "Container exited with code 3", got.Error)
	require.NotNil(t, got.Result)
	assert.Equal(t, 3, got.Result.ExitCode)
	assert.Equal(t, "logs:ctr-1", got.Result.Logs, "logs are collected for failures too")
}

func TestWorkerCreateErrorFailsTask(t *testing.T) {
	w := newFakeWorker()
	w.createErr = errors.New("runtime unavailable")
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	task, err := p.Submit(SubmitSpec{Prompt: "x"})
	require.NoError(t, err)

	got := waitStatus(t, p, task.ID, StatusFailed)
	assert.Equal(t, "runtime unavailable", got.Error)
	assert.Equal(t, 0, p.GetStats().ActiveTasks, "slot must be released after a worker failure")
}

func TestWaitTimeoutFailsTask(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1, ContainerTimeout: 20 * time.Millisecond}, w)

	task, err := p.Submit(SubmitSpec{Prompt: "x"})
	require.NoError(t, err)

	got := waitStatus(t, p, task.ID, StatusFailed)
	assert.Contains(t, got.Error, "timed out")
	assert.Equal(t, 0, p.GetStats().ActiveTasks)
}

func TestEnvironmentTimeoutCapsDefault(t *testing.T) {
	w := newFakeWorker()
	registry := NewEnvironmentRegistry()
	require.NoError(t, registry.Register(Environment{ID: "short", TimeoutMs: 10}))
	p := New(Config{MaxContainers: 1, ContainerTimeout: time.Hour}, w, registry)

	task, err := p.Submit(SubmitSpec{Prompt: "x", Environment: "short"})
	require.NoError(t, err)

	got := waitStatus(t, p, task.ID, StatusFailed)
	assert.Contains(t, got.Error, "timed out")
}

func TestEventsReachSubscriberAndCallback(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	var mu sync.Mutex
	var poolEvents, taskEvents []EventType
	p.Subscribe(func(ev Event) {
		mu.Lock()
		poolEvents = append(poolEvents, ev.Type)
		mu.Unlock()
	})
	p.Subscribe(func(Event) { panic("listener bug") }) // must be swallowed

	task, err := p.Submit(SubmitSpec{
		Prompt: "x",
		OnEvent: func(ev Event) {
			mu.Lock()
			taskEvents = append(taskEvents, ev.Type)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	waitCreated(t, w, 1)
	w.finish(1, 0)
	waitStatus(t, p, task.ID, StatusCompleted)

	want := []EventType{EventTaskQueued, EventContainerCreated, EventContainerStarted, EventTaskCompleted}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, poolEvents)
	assert.Equal(t, want, taskEvents)
}

func TestGetTasksNewestFirst(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	var ids []string
	for i := 0; i < 4; i++ {
		task, err := p.Submit(SubmitSpec{Prompt: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	got := p.GetTasks()
	require.Len(t, got, 4)
	for i, task := range got {
		assert.Equal(t, ids[len(ids)-1-i], task.ID, "tasks must sort newest first, stably")
	}
}

func TestShutdownCancelsQueuedAndDrains(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	running, err := p.Submit(SubmitSpec{Prompt: "running"})
	require.NoError(t, err)
	queued, err := p.Submit(SubmitSpec{Prompt: "queued"})
	require.NoError(t, err)
	waitCreated(t, w, 1)
	waitStatus(t, p, running.ID, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	got, err := p.GetTask(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	inFlight, err := p.GetTask(running.ID)
	require.NoError(t, err)
	assert.True(t, inFlight.Status.Terminal(), "shutdown waits for in-flight tasks")
	assert.Equal(t, 1, w.cleanups)
	assert.Equal(t, 0, p.GetStats().ActiveTasks)

	_, err = p.Submit(SubmitSpec{Prompt: "late"})
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, p.Shutdown(ctx), "second shutdown is a no-op")
}

func TestStatsCountsEveryBucket(t *testing.T) {
	w := newFakeWorker()
	p := newTestPool(t, Config{MaxContainers: 1}, w)

	done, err := p.Submit(SubmitSpec{Prompt: "a"})
	require.NoError(t, err)
	waitCreated(t, w, 1)
	w.finish(1, 0)
	waitStatus(t, p, done.ID, StatusCompleted)

	failed, err := p.Submit(SubmitSpec{Prompt: "b"})
	require.NoError(t, err)
	waitCreated(t, w, 2)
	w.finish(2, 1)
	waitStatus(t, p, failed.ID, StatusFailed)

	running, err := p.Submit(SubmitSpec{Prompt: "c"})
	require.NoError(t, err)
	waitCreated(t, w, 3)
	waitStatus(t, p, running.ID, StatusRunning)

	queued, err := p.Submit(SubmitSpec{Prompt: "d"})
	require.NoError(t, err)
	cancelled, err := p.Submit(SubmitSpec{Prompt: "e"})
	require.NoError(t, err)
	require.True(t, p.Cancel(cancelled.ID))

	stats := p.GetStats()
	assert.Equal(t, 5, stats.TotalTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.FailedTasks)
	assert.Equal(t, 1, stats.ActiveTasks)
	assert.Equal(t, 1, stats.QueuedTasks)
	assert.Equal(t, 1, stats.CancelledTasks)
	assert.Equal(t, 1, stats.MaxContainers)

	w.finish(3, 0)
	waitStatus(t, p, running.ID, StatusCompleted)
	waitCreated(t, w, 4)
	w.finish(4, 0)
	waitStatus(t, p, queued.ID, StatusCompleted)
}
