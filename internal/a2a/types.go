/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package a2a

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TaskStatus enumerates the public A2A task states.
type TaskStatus string

const (
	StatusSubmitted     TaskStatus = "submitted"
	StatusWorking       TaskStatus = "working"
	StatusInputRequired TaskStatus = "input-required"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"
	StatusCanceled      TaskStatus = "canceled"
)

// Terminal reports whether s is a final status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

var (
	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTerminalTask is returned for transitions attempted on a task that
	// already reached a final status.
	ErrTerminalTask = errors.New("task is in a terminal state")
	// ErrInputNotExpected is returned by ProvideInput outside
	// input-required.
	ErrInputNotExpected = errors.New("task is not waiting for input")
	// ErrCapacity is returned by CreateTask when the gateway is saturated.
	ErrCapacity = errors.New("too many active tasks")
	// ErrServerClosed is returned by CreateTask after Close.
	ErrServerClosed = errors.New("a2a server closed")
)

// Part is one chunk of a message: plain text or structured data.
type Part struct {
	Type string         `json:"type"` // "text" | "data"
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// Message is a conversational turn attached to a task.
type Message struct {
	Role     string            `json:"role"` // "user" | "agent"
	Parts    []Part            `json:"parts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// Artifact is a named output produced by the handler.
type Artifact struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Parts []Part `json:"parts"`
}

// Task is the public task envelope.
type Task struct {
	ID        string            `json:"id"`
	Status    TaskStatus        `json:"status"`
	Input     *Message          `json:"input,omitempty"`
	Output    *Message          `json:"output,omitempty"`
	History   []Message         `json:"history,omitempty"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// TaskSummary is the list-endpoint projection of a task.
type TaskSummary struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Handler executes one task and returns it updated (status, output,
// artifacts). Returning an error fails the task with the error text. The
// context carries the task deadline; a handler that outlives it has its
// verdict ignored.
type Handler func(ctx context.Context, task Task) (Task, error)

// AgentSkill describes one capability advertised on the Agent Card.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentCard is the public JSON document served at /.well-known/agent.json.
type AgentCard struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	URL          string          `json:"url,omitempty"`
	Version      string          `json:"version,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Skills       []AgentSkill    `json:"skills,omitempty"`
}

// PushConfig registers an outbound webhook for task updates. An empty
// status set matches every update.
type PushConfig struct {
	URL      string       `json:"url"`
	Statuses []TaskStatus `json:"statuses,omitempty"`
}

func (c PushConfig) matches(status TaskStatus) bool {
	if len(c.Statuses) == 0 {
		return true
	}
	for _, s := range c.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// CreateTaskRequest is the POST /a2a/tasks body.
type CreateTaskRequest struct {
	Message  Message           `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config tunes the gateway. Zero values fall back to the defaults below.
type Config struct {
	Port               int
	Hostname           string
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	// RatePerMinute caps task creation per client; zero disables limiting.
	RatePerMinute int
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 3200
	}
	if c.Hostname == "" {
		c.Hostname = "0.0.0.0"
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 10
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	return c
}

// Addr is the listen address derived from Hostname and Port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// Stats is a point-in-time snapshot of the gateway.
type Stats struct {
	TotalTasks     int `json:"totalTasks"`
	ActiveTasks    int `json:"activeTasks"`
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
	CanceledTasks  int `json:"canceledTasks"`
	Subscribers    int `json:"subscribers"`
}
