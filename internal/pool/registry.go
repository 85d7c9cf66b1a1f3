/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Environment describes an execution template tasks can request.
type Environment struct {
	ID      string            `json:"id"`
	Name    string            `json:"name,omitempty"`
	Image   string            `json:"image,omitempty"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// TimeoutMs bounds one execution in this environment. Zero defers to
	// the pool's default; the effective deadline is the smaller of the two.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// Timeout returns the environment's own deadline, zero when unset.
func (e Environment) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// EnvironmentRegistry is the in-memory environment catalog consulted at
// dispatch time.
type EnvironmentRegistry struct {
	mu   sync.RWMutex
	envs map[string]Environment
}

// NewEnvironmentRegistry builds an empty registry.
func NewEnvironmentRegistry() *EnvironmentRegistry {
	return &EnvironmentRegistry{envs: make(map[string]Environment)}
}

// Register adds or replaces an environment.
func (r *EnvironmentRegistry) Register(env Environment) error {
	if env.ID == "" {
		return fmt.Errorf("environment needs an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs[env.ID] = env
	return nil
}

// Resolve returns the environment with the given id.
func (r *EnvironmentRegistry) Resolve(id string) (Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envs[id]
	if !ok {
		return Environment{}, fmt.Errorf("Environment %s not found", id)
	}
	return env, nil
}

// List returns every registered environment, sorted by id.
func (r *EnvironmentRegistry) List() []Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Environment, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
