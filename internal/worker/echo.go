/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/cortexos/cortexos/internal/pool"
)

// EchoWorker is an in-process Worker that completes every container after a
// fixed simulated latency, echoing the task prompt as output. It is the
// default backend of the daemon and the workhorse of the e2e suite: no
// container runtime or subprocess is involved.
type EchoWorker struct {
	clock   clock.Clock
	latency time.Duration

	mu         sync.Mutex
	containers map[string]*echoContainer
}

type echoContainer struct {
	mu     sync.Mutex
	info   pool.ContainerInfo
	prompt string
	taskID string
	done   chan struct{}
	timer  *clock.Timer
	killed bool
}

// EchoOption customizes an EchoWorker.
type EchoOption func(*EchoWorker)

// WithEchoClock substitutes the time source, used by tests.
func WithEchoClock(c clock.Clock) EchoOption {
	return func(w *EchoWorker) { w.clock = c }
}

// WithEchoLatency sets the simulated execution time. Zero completes the
// container at start.
func WithEchoLatency(d time.Duration) EchoOption {
	return func(w *EchoWorker) { w.latency = d }
}

// NewEchoWorker builds the simulated backend.
func NewEchoWorker(opts ...EchoOption) *EchoWorker {
	w := &EchoWorker{
		clock:      clock.New(),
		containers: make(map[string]*echoContainer),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// CreateContainer registers a simulated container.
func (w *EchoWorker) CreateContainer(_ context.Context, opts pool.CreateOptions) (pool.ContainerInfo, error) {
	c := &echoContainer{
		info: pool.ContainerInfo{
			ID:            "ctr-" + uuid.NewString(),
			ContainerID:   "echo",
			EnvironmentID: opts.Environment.ID,
			Status:        pool.ContainerCreated,
			CreatedAt:     w.clock.Now(),
		},
		prompt: opts.Prompt,
		taskID: opts.TaskID,
		done:   make(chan struct{}),
	}
	w.mu.Lock()
	w.containers[c.info.ID] = c
	w.mu.Unlock()
	return c.info, nil
}

// StartContainer begins the simulated run.
func (w *EchoWorker) StartContainer(_ context.Context, id string) error {
	c, err := w.find(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info.Status != pool.ContainerCreated {
		return fmt.Errorf("container %s already started", id)
	}
	c.info.Status = pool.ContainerRunning
	now := w.clock.Now()
	c.info.StartedAt = &now

	// Status is the close gate: whichever path moves the container off
	// Running owns the single close of done.
	finish := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.info.Status != pool.ContainerRunning {
			return
		}
		c.info.Status = pool.ContainerExited
		end := w.clock.Now()
		c.info.FinishedAt = &end
		close(c.done)
	}
	if w.latency <= 0 {
		c.info.Status = pool.ContainerExited
		c.info.FinishedAt = &now
		close(c.done)
		return nil
	}
	c.timer = w.clock.AfterFunc(w.latency, finish)
	return nil
}

// StopContainer aborts the simulated run.
func (w *EchoWorker) StopContainer(_ context.Context, id string, _ time.Duration) error {
	c, err := w.find(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info.Status != pool.ContainerRunning {
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.killed = true
	c.info.Status = pool.ContainerExited
	now := w.clock.Now()
	c.info.FinishedAt = &now
	close(c.done)
	return nil
}

// RemoveContainer forgets the container.
func (w *EchoWorker) RemoveContainer(ctx context.Context, id string, force bool) error {
	c, err := w.find(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	running := c.info.Status == pool.ContainerRunning
	c.mu.Unlock()
	if running {
		if !force {
			return fmt.Errorf("container %s still running", id)
		}
		if err := w.StopContainer(ctx, id, 0); err != nil {
			return err
		}
	}
	w.mu.Lock()
	delete(w.containers, id)
	w.mu.Unlock()
	return nil
}

// WaitForContainer blocks until the simulated run ends or timeout passes.
func (w *EchoWorker) WaitForContainer(ctx context.Context, id string, timeout time.Duration) (pool.WaitResult, error) {
	c, err := w.find(id)
	if err != nil {
		return pool.WaitResult{}, err
	}

	timer := w.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		code := 0
		if c.killed {
			code = 137
		}
		return pool.WaitResult{ExitCode: code, Status: c.info.Status, Output: c.prompt}, nil
	case <-timer.C:
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.info.Status == pool.ContainerRunning {
			c.killed = true
			c.info.Status = pool.ContainerTimeout
			now := w.clock.Now()
			c.info.FinishedAt = &now
			close(c.done)
		}
		c.mu.Unlock()
		return pool.WaitResult{ExitCode: -1, Status: pool.ContainerTimeout},
			fmt.Errorf("container %s after %s: %w", id, timeout, pool.ErrWaitTimeout)
	case <-ctx.Done():
		return pool.WaitResult{}, ctx.Err()
	}
}

// ContainerLogs synthesizes a short log for the simulated run.
func (w *EchoWorker) ContainerLogs(_ context.Context, id string, _ pool.LogOptions) (string, error) {
	c, err := w.find(id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("echo worker: task %s (%d prompt bytes)", c.taskID, len(c.prompt)), nil
}

// Cleanup stops and forgets every container.
func (w *EchoWorker) Cleanup(ctx context.Context, force bool) error {
	w.mu.Lock()
	ids := make([]string, 0, len(w.containers))
	for id := range w.containers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := w.RemoveContainer(ctx, id, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *EchoWorker) find(id string) (*echoContainer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.containers[id]
	if !ok {
		return nil, fmt.Errorf("unknown container %s", id)
	}
	return c, nil
}
