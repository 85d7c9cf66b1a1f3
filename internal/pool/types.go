/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package pool

import (
	"context"
	"errors"
	"time"
)

// TaskStatus enumerates the task lifecycle. Transitions form a DAG:
// queued → running → {completed, failed, cancelled}.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is a final status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrPoolClosed is returned by Submit after Shutdown has begun.
	ErrPoolClosed = errors.New("pool is shut down")
	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrWaitTimeout is returned by Worker.WaitForContainer when the
	// container outlives its deadline. Workers must also move the container
	// to StatusTimeout before returning it.
	ErrWaitTimeout = errors.New("container wait timed out")
)

// Result captures the worker outcome attached to a terminal task.
type Result struct {
	ExitCode int           `json:"exitCode"`
	Logs     string        `json:"logs,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Task is the unit of admission. A task is owned by exactly one pool for its
// lifetime; snapshots handed out by the pool are copies.
type Task struct {
	ID          string            `json:"id"`
	Role        string            `json:"role,omitempty"`
	Prompt      string            `json:"prompt"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Environment string            `json:"environment"`
	Status      TaskStatus        `json:"status"`
	ContainerID string            `json:"containerId,omitempty"`
	Result      *Result           `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// ContainerStatus tracks the worker-side container lifecycle.
type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "created"
	ContainerRunning ContainerStatus = "running"
	ContainerExited  ContainerStatus = "exited"
	ContainerTimeout ContainerStatus = "timeout"
	ContainerRemoved ContainerStatus = "removed"
)

// ContainerInfo describes one worker container.
type ContainerInfo struct {
	ID            string          `json:"id"`
	ContainerID   string          `json:"containerId"`
	EnvironmentID string          `json:"environmentId"`
	Status        ContainerStatus `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

// Mount maps a host path into the container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// CreateOptions shapes Worker.CreateContainer.
type CreateOptions struct {
	Environment Environment       `json:"environment"`
	Command     []string          `json:"command,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Mounts      []Mount           `json:"mounts,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Workdir     string            `json:"workdir,omitempty"`
	Name        string            `json:"name,omitempty"`
	TaskID      string            `json:"taskId,omitempty"`
}

// WaitResult is the outcome of waiting on a container.
type WaitResult struct {
	ExitCode int             `json:"exitCode"`
	Status   ContainerStatus `json:"status"`
	Output   string          `json:"output,omitempty"`
}

// LogOptions shapes Worker.ContainerLogs.
type LogOptions struct {
	Tail int `json:"tail,omitempty"` // 0 returns everything
}

// Worker is the adapter the pool drives containers (or in-process agents)
// through. Implementations must be safe for concurrent use; every method is
// expected to respect ctx.
type Worker interface {
	CreateContainer(ctx context.Context, opts CreateOptions) (ContainerInfo, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	// WaitForContainer blocks until the container exits or timeout elapses.
	// On timeout it must forcibly stop the container, mark it
	// ContainerTimeout, and return ErrWaitTimeout.
	WaitForContainer(ctx context.Context, id string, timeout time.Duration) (WaitResult, error)
	ContainerLogs(ctx context.Context, id string, opts LogOptions) (string, error)
	// Cleanup releases every live container resource, best-effort.
	Cleanup(ctx context.Context, force bool) error
}

// EventType enumerates pool lifecycle events.
type EventType string

const (
	EventTaskQueued       EventType = "task:queued"
	EventContainerCreated EventType = "container:created"
	EventContainerStarted EventType = "container:started"
	EventTaskCompleted    EventType = "task:completed"
	EventTaskFailed       EventType = "task:failed"
	EventTaskCancelled    EventType = "task:cancelled"
)

// Event is delivered to pool subscribers and the task's OnEvent callback
// after the triggering transition has committed. Task is a snapshot.
type Event struct {
	Type      EventType      `json:"type"`
	Task      Task           `json:"task"`
	Container *ContainerInfo `json:"container,omitempty"`
}

// SubmitSpec shapes a Submit call. Only Prompt is required; Environment
// falls back to the pool's default.
type SubmitSpec struct {
	Prompt      string            `json:"prompt"`
	Role        string            `json:"role,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Mounts      []Mount           `json:"mounts,omitempty"`
	// OnEvent receives this task's lifecycle events. Panics are swallowed.
	OnEvent func(Event) `json:"-"`
}

// Config tunes the pool. Zero values fall back to the defaults below.
type Config struct {
	MaxContainers      int
	DefaultEnvironment string
	ContainerTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxContainers <= 0 {
		c.MaxContainers = 5
	}
	if c.DefaultEnvironment == "" {
		c.DefaultEnvironment = "default"
	}
	if c.ContainerTimeout <= 0 {
		c.ContainerTimeout = 5 * time.Minute
	}
	return c
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	TotalTasks     int `json:"totalTasks"`
	QueuedTasks    int `json:"queuedTasks"`
	ActiveTasks    int `json:"activeTasks"`
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
	CancelledTasks int `json:"cancelledTasks"`
	MaxContainers  int `json:"maxContainers"`
}
