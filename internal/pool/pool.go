/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package pool implements the bounded-concurrency FIFO dispatcher that hands
// tasks to a Worker backend (containers or in-process agents).
//
// Admission is strict FIFO by submission order. Up to MaxContainers tasks
// run at once; the rest wait in the queue. All shared state is guarded by
// one mutex; worker I/O never happens under it. Events are collected during
// the critical section and delivered after it commits.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cortexos/cortexos/internal/events"
)

// taskState is the pool-internal record behind a Task snapshot.
type taskState struct {
	Task
	seq       uint64
	onEvent   func(Event)
	mounts    []Mount
	released  bool
	cancelled bool        // cancel intent; wins over any worker outcome
	env       Environment // resolved at dispatch
}

// Pool is the container/agent pool.
type Pool struct {
	cfg      Config
	worker   Worker
	registry *EnvironmentRegistry
	clock    clock.Clock
	log      logr.Logger

	mu     sync.Mutex
	tasks  map[string]*taskState
	queue  []string
	active int
	seq    uint64
	closed bool
	wg     sync.WaitGroup

	emitter events.Emitter[Event]
}

// delivery pairs an event with the task callback it must also reach.
type delivery struct {
	ev Event
	cb func(Event)
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock substitutes the time source, used by tests.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithLogger attaches a logger. The pool is silent without one.
func WithLogger(log logr.Logger) Option {
	return func(p *Pool) { p.log = log.WithName("pool") }
}

// New builds a Pool over the given worker backend and environment registry.
func New(cfg Config, worker Worker, registry *EnvironmentRegistry, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg.withDefaults(),
		worker:   worker,
		registry: registry,
		clock:    clock.New(),
		log:      logr.Discard(),
		tasks:    make(map[string]*taskState),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Subscribe registers a pool-wide event handler and returns its remover.
func (p *Pool) Subscribe(fn func(Event)) func() {
	return p.emitter.Subscribe(fn)
}

// Submit enqueues a task and returns its queued snapshot. Admission is
// immediate when a slot is free, otherwise the task waits in FIFO order.
func (p *Pool) Submit(spec SubmitSpec) (Task, error) {
	env := spec.Environment
	if env == "" {
		env = p.cfg.DefaultEnvironment
	}

	var deliveries []delivery
	defer func() { p.deliver(deliveries) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Task{}, ErrPoolClosed
	}

	p.seq++
	t := &taskState{
		Task: Task{
			ID:          "task-" + uuid.NewString(),
			Role:        spec.Role,
			Prompt:      spec.Prompt,
			Inputs:      spec.Inputs,
			Environment: env,
			Status:      StatusQueued,
			CreatedAt:   p.clock.Now(),
		},
		seq:     p.seq,
		onEvent: spec.OnEvent,
		mounts:  append([]Mount(nil), spec.Mounts...),
	}
	p.tasks[t.ID] = t
	p.queue = append(p.queue, t.ID)
	snapshot := t.Task

	deliveries = append(deliveries, delivery{Event{Type: EventTaskQueued, Task: snapshot}, t.onEvent})
	tasksQueued.Inc()
	p.log.V(1).Info("task submitted", "task", t.ID, "environment", env, "queueLength", len(p.queue))

	p.processQueueLocked(&deliveries)
	return snapshot, nil
}

// Cancel stops a task. Queued tasks are cancelled in place; running tasks
// have their container stopped and their slot released. Returns true when
// the task ends up cancelled, false for unknown ids and tasks that already
// reached another terminal state. Cancelling twice is harmless.
func (p *Pool) Cancel(taskID string) bool {
	var deliveries []delivery
	defer func() { p.deliver(deliveries) }()

	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	switch t.Status {
	case StatusCancelled:
		p.mu.Unlock()
		return true
	case StatusCompleted, StatusFailed:
		p.mu.Unlock()
		return false
	case StatusQueued:
		p.queue = lo.Without(p.queue, taskID)
		p.transitionLocked(t, StatusCancelled, "")
		deliveries = append(deliveries, delivery{Event{Type: EventTaskCancelled, Task: t.Task}, t.onEvent})
		p.mu.Unlock()
		return true
	}

	// Running: record the cancel intent first so the runner's verdict can
	// never override it, then stop the container outside the lock.
	t.cancelled = true
	containerID := t.ContainerID
	p.mu.Unlock()

	if containerID != "" {
		ctx := context.Background()
		if err := p.worker.StopContainer(ctx, containerID, 0); err != nil {
			p.log.V(1).Info("stop on cancel failed", "task", taskID, "container", containerID, "error", err)
		}
		if err := p.worker.RemoveContainer(ctx, containerID, true); err != nil {
			p.log.V(1).Info("remove on cancel failed", "task", taskID, "container", containerID, "error", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Status.Terminal() {
		return t.Status == StatusCancelled
	}
	p.transitionLocked(t, StatusCancelled, "")
	deliveries = append(deliveries, delivery{Event{Type: EventTaskCancelled, Task: t.Task}, t.onEvent})
	p.releaseSlotLocked(t, &deliveries)
	return true
}

// GetTask returns a snapshot of the task with the given id.
func (p *Pool) GetTask(taskID string) (Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t.Task, nil
}

// GetTasks returns snapshots of every task, newest first. The order is
// stable: ties on creation time fall back to submission order.
func (p *Pool) GetTasks() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := lo.Values(p.tasks)
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.seq > b.seq
	})
	return lo.Map(states, func(t *taskState, _ int) Task { return t.Task })
}

// GetStats returns a point-in-time snapshot of pool counters.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := lo.CountValuesBy(lo.Values(p.tasks), func(t *taskState) TaskStatus { return t.Status })
	return Stats{
		TotalTasks:     len(p.tasks),
		QueuedTasks:    counts[StatusQueued],
		ActiveTasks:    p.active,
		CompletedTasks: counts[StatusCompleted],
		FailedTasks:    counts[StatusFailed],
		CancelledTasks: counts[StatusCancelled],
		MaxContainers:  p.cfg.MaxContainers,
	}
}

// Shutdown cancels every queued task, asks the worker backend to release
// all running resources, and waits until in-flight executions drain or ctx
// expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	var deliveries []delivery

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, id := range p.queue {
		t := p.tasks[id]
		if t.Status != StatusQueued {
			continue
		}
		p.transitionLocked(t, StatusCancelled, "")
		deliveries = append(deliveries, delivery{Event{Type: EventTaskCancelled, Task: t.Task}, t.onEvent})
	}
	p.queue = nil
	queueLength.Set(0)
	p.mu.Unlock()
	p.deliver(deliveries)

	if err := p.worker.Cleanup(ctx, true); err != nil {
		p.log.V(1).Info("worker cleanup failed during shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("pool drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processQueueLocked admits tasks from the queue head until it runs out of
// slots or tasks. Tasks cancelled while queued are skipped silently; tasks
// whose environment cannot be resolved fail without consuming a slot.
func (p *Pool) processQueueLocked(deliveries *[]delivery) {
	for p.active < p.cfg.MaxContainers && len(p.queue) > 0 {
		id := p.queue[0]
		p.queue = p.queue[1:]
		t := p.tasks[id]
		if t.Status != StatusQueued {
			continue
		}

		env, err := p.registry.Resolve(t.Environment)
		if err != nil {
			p.transitionLocked(t, StatusFailed, err.Error())
			*deliveries = append(*deliveries, delivery{Event{Type: EventTaskFailed, Task: t.Task}, t.onEvent})
			p.log.V(1).Info("task failed at dispatch", "task", t.ID, "error", err.Error())
			continue
		}

		t.env = env
		t.Status = StatusRunning
		now := p.clock.Now()
		t.StartedAt = &now
		p.active++
		tasksActive.Set(float64(p.active))

		p.wg.Add(1)
		go p.run(t)
	}
	queueLength.Set(float64(len(p.queue)))
}

// run drives one admitted task through the worker. It owns the task's slot
// until release and never runs under the pool mutex while doing I/O.
func (p *Pool) run(t *taskState) {
	defer p.wg.Done()

	ctx := context.Background()
	ctx, span := tracer.Start(ctx, "pool.task")
	defer span.End()

	info, err := p.worker.CreateContainer(ctx, CreateOptions{
		Environment: t.env,
		Command:     t.env.Command,
		Prompt:      t.Prompt,
		Inputs:      t.Inputs,
		Mounts:      t.mounts,
		Env:         t.env.Env,
		Name:        t.ID,
		TaskID:      t.ID,
	})
	if err != nil {
		p.finish(t, StatusFailed, err.Error(), nil, "")
		return
	}

	p.mu.Lock()
	t.ContainerID = info.ID
	snapshot := t.Task
	cb := t.onEvent
	cancelled := t.cancelled
	p.mu.Unlock()
	p.deliver([]delivery{{Event{Type: EventContainerCreated, Task: snapshot, Container: &info}, cb}})
	emitTaskSpan(ctx, string(EventContainerCreated), snapshot)

	// A cancel that raced container creation found no container to stop;
	// honor it here instead of letting the container run to its deadline.
	if cancelled {
		if err := p.worker.StopContainer(ctx, info.ID, 0); err != nil {
			p.log.V(1).Info("stop of cancelled task failed", "task", t.ID, "error", err)
		}
		p.finish(t, StatusCancelled, "", nil, info.ID)
		return
	}

	if err := p.worker.StartContainer(ctx, info.ID); err != nil {
		p.finish(t, StatusFailed, err.Error(), nil, info.ID)
		return
	}
	p.deliver([]delivery{{Event{Type: EventContainerStarted, Task: snapshot, Container: &info}, cb}})
	emitTaskSpan(ctx, string(EventContainerStarted), snapshot)

	timeout := p.cfg.ContainerTimeout
	if envTimeout := t.env.Timeout(); envTimeout > 0 && envTimeout < timeout {
		timeout = envTimeout
	}

	res, waitErr := p.worker.WaitForContainer(ctx, info.ID, timeout)
	logs, logErr := p.worker.ContainerLogs(ctx, info.ID, LogOptions{})
	if logErr != nil {
		p.log.V(1).Info("log collection failed", "task", t.ID, "error", logErr)
	}

	switch {
	case waitErr != nil:
		p.finish(t, StatusFailed, waitErr.Error(), &Result{ExitCode: -1, Logs: logs}, info.ID)
	case res.ExitCode != 0:
		p.finish(t, StatusFailed, fmt.Sprintf("Container exited with code %d", res.ExitCode),
			&Result{ExitCode: res.ExitCode, Logs: logs, Output: res.Output}, info.ID)
	default:
		p.finish(t, StatusCompleted, "", &Result{ExitCode: 0, Logs: logs, Output: res.Output}, info.ID)
	}
}

// finish records the terminal outcome, cleans the container up best-effort,
// and releases the slot. A task already terminal (cancelled concurrently)
// keeps its status; cleanup and slot release still happen.
func (p *Pool) finish(t *taskState, status TaskStatus, errMsg string, res *Result, containerID string) {
	if containerID != "" {
		// Cleanup never changes the task's final status.
		if err := p.worker.RemoveContainer(context.Background(), containerID, true); err != nil {
			p.log.V(1).Info("container cleanup failed", "task", t.ID, "container", containerID, "error", err)
		}
	}

	var deliveries []delivery
	defer func() { p.deliver(deliveries) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !t.Status.Terminal() {
		if res != nil {
			if t.StartedAt != nil {
				res.Duration = p.clock.Now().Sub(*t.StartedAt)
			}
			t.Result = res
		}
		if t.cancelled {
			p.transitionLocked(t, StatusCancelled, "")
			deliveries = append(deliveries, delivery{Event{Type: EventTaskCancelled, Task: t.Task}, t.onEvent})
		} else {
			p.transitionLocked(t, status, errMsg)
			evType := EventTaskCompleted
			if status == StatusFailed {
				evType = EventTaskFailed
			}
			deliveries = append(deliveries, delivery{Event{Type: evType, Task: t.Task}, t.onEvent})
		}
	}
	p.releaseSlotLocked(t, &deliveries)
}

// transitionLocked moves a task to a terminal status and stamps CompletedAt.
func (p *Pool) transitionLocked(t *taskState, status TaskStatus, errMsg string) {
	t.Status = status
	if errMsg != "" {
		t.Error = errMsg
	}
	now := p.clock.Now()
	t.CompletedAt = &now
	tasksTotal.WithLabelValues(string(status)).Inc()
	if t.StartedAt != nil {
		taskDuration.Observe(now.Sub(*t.StartedAt).Seconds())
	}
}

// releaseSlotLocked frees the task's slot exactly once and admits the next
// queued tasks.
func (p *Pool) releaseSlotLocked(t *taskState, deliveries *[]delivery) {
	if t.released || t.StartedAt == nil {
		return
	}
	t.released = true
	p.active--
	tasksActive.Set(float64(p.active))
	p.processQueueLocked(deliveries)
}

// deliver fans events out to the pool subscribers and per-task callbacks.
// Panicking callbacks are swallowed.
func (p *Pool) deliver(deliveries []delivery) {
	for _, d := range deliveries {
		p.emitter.Emit(d.ev)
		if d.cb != nil {
			safeCall(d.cb, d.ev)
		}
	}
}

func safeCall(fn func(Event), ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}
