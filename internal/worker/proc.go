/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/cortexos/cortexos/internal/pool"
)

// ProcWorker runs each container as a local subprocess speaking the NDJSON
// protocol. Mounts are accepted and ignored; a container-runtime adapter
// would honor them.
type ProcWorker struct {
	clock clock.Clock
	log   logr.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	mu       sync.Mutex
	info     pool.ContainerInfo
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	exec     ExecuteFrame
	frames   []Frame
	result   *Frame
	raw      strings.Builder
	done     chan struct{}
	exitCode int
	timedOut bool
	started  bool
}

// ProcOption customizes a ProcWorker.
type ProcOption func(*ProcWorker)

// WithClock substitutes the time source for container timestamps.
func WithClock(c clock.Clock) ProcOption {
	return func(w *ProcWorker) { w.clock = c }
}

// WithLogger attaches a logger. The worker is silent without one.
func WithLogger(log logr.Logger) ProcOption {
	return func(w *ProcWorker) { w.log = log.WithName("worker") }
}

// NewProcWorker builds a subprocess-backed Worker.
func NewProcWorker(opts ...ProcOption) *ProcWorker {
	w := &ProcWorker{
		clock: clock.New(),
		log:   logr.Discard(),
		procs: make(map[string]*proc),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// CreateContainer prepares a subprocess for the environment's command. The
// process does not start until StartContainer.
func (w *ProcWorker) CreateContainer(_ context.Context, opts pool.CreateOptions) (pool.ContainerInfo, error) {
	command := opts.Command
	if len(command) == 0 {
		command = opts.Environment.Command
	}
	if len(command) == 0 {
		return pool.ContainerInfo{}, fmt.Errorf("environment %s has no command", opts.Environment.ID)
	}

	cmd := exec.Command(command[0], command[1:]...)
	if opts.Workdir != "" {
		cmd.Dir = opts.Workdir
	}

	inputsJSON := "{}"
	if len(opts.Inputs) > 0 {
		data, err := json.Marshal(opts.Inputs)
		if err != nil {
			return pool.ContainerInfo{}, fmt.Errorf("marshal task inputs: %w", err)
		}
		inputsJSON = string(data)
	}
	env := os.Environ()
	for k, v := range opts.Environment.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		EnvTaskID+"="+opts.TaskID,
		EnvPrompt+"="+opts.Prompt,
		EnvInputs+"="+inputsJSON,
		EnvEnvironment+"="+opts.Environment.ID,
	)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return pool.ContainerInfo{}, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return pool.ContainerInfo{}, fmt.Errorf("open stdout pipe: %w", err)
	}

	p := &proc{
		info: pool.ContainerInfo{
			ID:            "ctr-" + uuid.NewString(),
			EnvironmentID: opts.Environment.ID,
			Status:        pool.ContainerCreated,
			CreatedAt:     w.clock.Now(),
		},
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		exec:   NewExecuteFrame(opts.TaskID, opts.Prompt, opts.Environment.ID, opts.Inputs),
		done:   make(chan struct{}),
	}

	w.mu.Lock()
	w.procs[p.info.ID] = p
	w.mu.Unlock()
	w.log.V(1).Info("container created", "container", p.info.ID, "command", command[0])
	return p.info, nil
}

// StartContainer launches the subprocess, hands it the execute frame on
// stdin, and begins consuming its stdout frames.
func (w *ProcWorker) StartContainer(_ context.Context, id string) error {
	p, err := w.find(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("container %s already started", id)
	}
	if err := p.cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start container %s: %w", id, err)
	}
	p.started = true
	p.info.Status = pool.ContainerRunning
	now := w.clock.Now()
	p.info.StartedAt = &now
	p.info.ContainerID = strconv.Itoa(p.cmd.Process.Pid)
	p.mu.Unlock()

	// Executors are free to ignore stdin; a broken pipe here is not fatal.
	if err := p.exec.Encode(p.stdin); err != nil {
		w.log.V(1).Info("execute frame not delivered", "container", id, "error", err)
	}
	_ = p.stdin.Close()

	go w.reap(p)
	return nil
}

// reap consumes stdout until EOF, then collects the exit status.
func (w *ProcWorker) reap(p *proc) {
	dec := NewDecoder(p.stdout)
	for {
		frame, err := dec.Next()
		if err != nil {
			break
		}
		p.mu.Lock()
		p.frames = append(p.frames, frame)
		p.raw.WriteString(frame.Raw)
		p.raw.WriteByte('\n')
		if frame.Type == FrameResult {
			f := frame
			p.result = &f
		}
		p.mu.Unlock()
	}

	waitErr := p.cmd.Wait()

	p.mu.Lock()
	code := exitCodeOf(waitErr)
	if code == 0 && p.result != nil {
		// Trust an explicit worker verdict over a clean process exit.
		code = p.result.ExitCode
	}
	p.exitCode = code
	now := w.clock.Now()
	p.info.FinishedAt = &now
	if p.timedOut {
		p.info.Status = pool.ContainerTimeout
	} else {
		p.info.Status = pool.ContainerExited
	}
	p.mu.Unlock()
	close(p.done)
}

// StopContainer terminates the subprocess, SIGTERM first when grace allows.
func (w *ProcWorker) StopContainer(_ context.Context, id string, grace time.Duration) error {
	p, err := w.find(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	started := p.started
	process := p.cmd.Process
	p.mu.Unlock()
	if !started || process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if grace > 0 {
		_ = process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
			return nil
		case <-time.After(grace):
		}
	}
	_ = process.Kill()
	<-p.done
	return nil
}

// RemoveContainer forgets the container, killing it first when force is set.
func (w *ProcWorker) RemoveContainer(ctx context.Context, id string, force bool) error {
	p, err := w.find(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		select {
		case <-p.done:
		default:
			if !force {
				return fmt.Errorf("container %s still running", id)
			}
			if err := w.StopContainer(ctx, id, 0); err != nil {
				return err
			}
		}
	}

	w.mu.Lock()
	delete(w.procs, id)
	w.mu.Unlock()
	p.mu.Lock()
	p.info.Status = pool.ContainerRemoved
	p.mu.Unlock()
	return nil
}

// WaitForContainer blocks until the subprocess exits or the deadline
// passes. On timeout the process is killed, the container is marked
// timed-out, and pool.ErrWaitTimeout is returned.
func (w *ProcWorker) WaitForContainer(ctx context.Context, id string, timeout time.Duration) (pool.WaitResult, error) {
	p, err := w.find(id)
	if err != nil {
		return pool.WaitResult{}, err
	}
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return pool.WaitResult{}, fmt.Errorf("container %s not started", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		res := pool.WaitResult{ExitCode: p.exitCode, Status: p.info.Status}
		if p.result != nil {
			res.Output = p.result.Output
		}
		return res, nil
	case <-timer.C:
		p.mu.Lock()
		p.timedOut = true
		process := p.cmd.Process
		p.mu.Unlock()
		if process != nil {
			_ = process.Kill()
		}
		<-p.done
		return pool.WaitResult{ExitCode: -1, Status: pool.ContainerTimeout},
			fmt.Errorf("container %s after %s: %w", id, timeout, pool.ErrWaitTimeout)
	case <-ctx.Done():
		return pool.WaitResult{}, ctx.Err()
	}
}

// ContainerLogs returns the raw stdout lines seen so far.
func (w *ProcWorker) ContainerLogs(_ context.Context, id string, opts pool.LogOptions) (string, error) {
	p, err := w.find(id)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	logs := strings.TrimRight(p.raw.String(), "\n")
	if opts.Tail > 0 {
		lines := strings.Split(logs, "\n")
		if len(lines) > opts.Tail {
			lines = lines[len(lines)-opts.Tail:]
		}
		logs = strings.Join(lines, "\n")
	}
	return logs, nil
}

// Frames returns the parsed protocol frames seen so far, for callers that
// want progress events rather than raw text.
func (w *ProcWorker) Frames(id string) ([]Frame, error) {
	p, err := w.find(id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Frame(nil), p.frames...), nil
}

// Cleanup kills (force) or waits out every live subprocess and forgets all
// containers.
func (w *ProcWorker) Cleanup(ctx context.Context, force bool) error {
	w.mu.Lock()
	ids := make([]string, 0, len(w.procs))
	for id := range w.procs {
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

func (w *ProcWorker) find(id string) (*proc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.procs[id]
	if !ok {
		return nil, fmt.Errorf("unknown container %s", id)
	}
	return p, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
