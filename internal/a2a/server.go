/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package a2a implements the agent-to-agent task gateway: a small HTTP
// surface that accepts tasks, drives their state machine through a
// configurable handler, and notifies subscribers over SSE and outbound
// push webhooks.
//
// State machine:
//
//	submitted ──► working ──► completed
//	                  │
//	                  ├──► input-required ──► working
//	                  │
//	                  ├──► failed
//	                  │
//	                  └──► canceled
//
// All task state is guarded by one mutex. Handler execution, SSE writes
// and push deliveries happen outside it; notifications are enqueued during
// the critical section so subscribers observe transitions in order.
package a2a

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// taskState is the gateway-internal record behind a Task snapshot.
type taskState struct {
	task   Task
	gen    int // dispatch generation; stale handler verdicts carry an old one
	cancel context.CancelFunc
	timer  *clock.Timer
	subs   []*subscriber
	push   []PushConfig
}

// Server owns the task table and the execution loop.
type Server struct {
	cfg     Config
	handler Handler
	card    AgentCard
	clock   clock.Clock
	log     logr.Logger
	pusher  *pusher
	limiter *rateLimiter

	mu     sync.Mutex
	tasks  map[string]*taskState
	order  []string // creation order
	active int      // tasks in {submitted, working}
	closed bool
}

// Option customizes a Server.
type Option func(*Server)

// WithHandler sets the task handler. Without one, tasks are echoed.
func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

// WithClock substitutes the time source, used by tests.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger attaches a logger. The gateway is silent without one.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log.WithName("a2a") }
}

// WithAgentCard replaces the card served at /.well-known/agent.json.
func WithAgentCard(card AgentCard) Option {
	return func(s *Server) { s.card = card }
}

// EchoHandler completes every task with its input text. It is the default
// handler and keeps a zero-config gateway usable.
func EchoHandler(_ context.Context, task Task) (Task, error) {
	text := ""
	if task.Input != nil {
		text = task.Input.Text()
	}
	task.Status = StatusCompleted
	task.Output = &Message{Role: "agent", Parts: []Part{TextPart(text)}}
	return task, nil
}

// New builds a gateway Server. Serve it with Handler().
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		handler: EchoHandler,
		card:    defaultCard(),
		clock:   clock.New(),
		log:     logr.Discard(),
		tasks:   make(map[string]*taskState),
	}
	for _, o := range opts {
		o(s)
	}
	s.pusher = newPusher(s.log)
	if s.cfg.RatePerMinute > 0 {
		s.limiter = newRateLimiter(s.cfg.RatePerMinute, s.clock)
	}
	return s
}

func defaultCard() AgentCard {
	return AgentCard{
		Name:        "cortexos",
		Description: "CortexOS orchestration kernel",
		Capabilities: map[string]bool{
			"streaming":         true,
			"pushNotifications": true,
		},
	}
}

// Card returns the Agent Card served on the well-known endpoint.
func (s *Server) Card() AgentCard { return s.card }

// CreateTask admits a task. The returned snapshot is in submitted; dispatch
// to the handler happens asynchronously right after admission.
func (s *Server) CreateTask(msg Message, metadata map[string]string) (Task, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Task{}, ErrServerClosed
	}
	if s.active >= s.cfg.MaxConcurrentTasks {
		s.mu.Unlock()
		return Task{}, ErrCapacity
	}

	now := s.clock.Now()
	msg = cloneMessage(msg)
	if msg.Role == "" {
		msg.Role = "user"
	}
	t := Task{
		ID:        "a2a-" + uuid.NewString(),
		Status:    StatusSubmitted,
		Input:     &msg,
		History:   []Message{msg},
		Metadata:  cloneStringMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	ts := &taskState{task: t}
	s.tasks[t.ID] = ts
	s.order = append(s.order, t.ID)
	s.active++
	tasksCreated.Inc()
	activeTasks.Set(float64(s.active))
	snap := cloneTask(t)
	s.mu.Unlock()

	s.log.V(1).Info("task admitted", "task", t.ID)
	go s.dispatch(t.ID)
	return snap, nil
}

// dispatch moves a freshly admitted task into working and starts the
// handler. A task canceled between admission and dispatch stays canceled.
func (s *Server) dispatch(id string) {
	var deliveries []pushDelivery
	s.mu.Lock()
	ts, ok := s.tasks[id]
	if ok && ts.task.Status == StatusSubmitted {
		deliveries = s.dispatchLocked(ts)
	}
	s.mu.Unlock()
	s.pusher.deliver(deliveries)
}

// dispatchLocked transitions the task to working, arms the timeout timer
// for this dispatch generation and launches the handler goroutine.
func (s *Server) dispatchLocked(ts *taskState) []pushDelivery {
	ts.gen++
	gen := ts.gen
	id := ts.task.ID
	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	deliveries := s.setStatusLocked(ts, StatusWorking)
	ts.timer = s.clock.AfterFunc(s.cfg.TaskTimeout, func() { s.expire(id, gen) })
	go s.run(ctx, id, gen, cloneTask(ts.task))
	return deliveries
}

// run invokes the handler and applies its verdict, unless the task moved
// on in the meantime (timeout, cancel, daemon shutdown).
func (s *Server) run(ctx context.Context, id string, gen int, snap Task) {
	out, err := s.invoke(ctx, snap)

	var deliveries []pushDelivery
	defer func() { s.pusher.deliver(deliveries) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tasks[id]
	if !ok || ts.gen != gen || ts.task.Status != StatusWorking {
		// Stale verdict. The authoritative transition already happened.
		return
	}

	if err != nil {
		s.log.V(1).Info("handler failed", "task", id, "error", err.Error())
		s.appendAgentTextLocked(ts, err.Error())
		deliveries = s.setStatusLocked(ts, StatusFailed)
		return
	}

	status := out.Status
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusInputRequired:
	default:
		// Handlers that only fill in output implicitly complete.
		status = StatusCompleted
	}
	if out.Output != nil {
		m := cloneMessage(*out.Output)
		if m.Role == "" {
			m.Role = "agent"
		}
		ts.task.Output = &m
		ts.task.History = append(ts.task.History, m)
	}
	if len(out.Artifacts) > 0 {
		ts.task.Artifacts = cloneArtifacts(out.Artifacts)
	}
	for k, v := range out.Metadata {
		if ts.task.Metadata == nil {
			ts.task.Metadata = make(map[string]string)
		}
		ts.task.Metadata[k] = v
	}
	deliveries = s.setStatusLocked(ts, status)
}

func (s *Server) invoke(ctx context.Context, t Task) (out Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, t)
}

// expire is the timeout timer callback. It fails the task iff it is still
// working in the same dispatch generation.
func (s *Server) expire(id string, gen int) {
	var deliveries []pushDelivery
	s.mu.Lock()
	ts, ok := s.tasks[id]
	if ok && ts.gen == gen && ts.task.Status == StatusWorking {
		s.log.V(1).Info("task timed out", "task", id, "timeout", s.cfg.TaskTimeout)
		s.appendAgentTextLocked(ts, "Task timed out")
		deliveries = s.setStatusLocked(ts, StatusFailed)
	}
	s.mu.Unlock()
	s.pusher.deliver(deliveries)
}

// GetTask returns a snapshot of one task.
func (s *Server) GetTask(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(ts.task), nil
}

// ListTasks returns summaries, newest first.
func (s *Server) ListTasks() []TaskSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskSummary, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]].task
		out = append(out, TaskSummary{
			ID:        t.ID,
			Status:    t.Status,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}
	return out
}

// CancelTask cancels a non-terminal task. The handler, if running, has its
// context canceled and its eventual verdict ignored.
func (s *Server) CancelTask(id string) (Task, error) {
	var deliveries []pushDelivery
	defer func() { s.pusher.deliver(deliveries) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if ts.task.Status.Terminal() {
		return cloneTask(ts.task), ErrTerminalTask
	}
	deliveries = s.setStatusLocked(ts, StatusCanceled)
	return cloneTask(ts.task), nil
}

// ProvideInput appends a message to the history of a task waiting in
// input-required and re-dispatches it to the handler.
func (s *Server) ProvideInput(id string, msg Message) (Task, error) {
	var deliveries []pushDelivery
	defer func() { s.pusher.deliver(deliveries) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if ts.task.Status.Terminal() {
		return Task{}, ErrTerminalTask
	}
	if ts.task.Status != StatusInputRequired {
		return Task{}, ErrInputNotExpected
	}
	msg = cloneMessage(msg)
	if msg.Role == "" {
		msg.Role = "user"
	}
	ts.task.History = append(ts.task.History, msg)
	deliveries = s.dispatchLocked(ts)
	return cloneTask(ts.task), nil
}

// RegisterPush attaches an outbound webhook to a task. Updates matching
// the status set are POSTed to the URL, one attempt each.
func (s *Server) RegisterPush(id string, cfg PushConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	cfg.Statuses = append([]TaskStatus(nil), cfg.Statuses...)
	ts.push = append(ts.push, cfg)
	return nil
}

// GetStats returns a point-in-time snapshot of the gateway.
func (s *Server) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := lo.CountValuesBy(lo.Values(s.tasks), func(ts *taskState) TaskStatus {
		return ts.task.Status
	})
	subs := 0
	for _, ts := range s.tasks {
		subs += len(ts.subs)
	}
	return Stats{
		TotalTasks:     len(s.tasks),
		ActiveTasks:    s.active,
		CompletedTasks: counts[StatusCompleted],
		FailedTasks:    counts[StatusFailed],
		CanceledTasks:  counts[StatusCanceled],
		Subscribers:    subs,
	}
}

// Close cancels every non-terminal task and refuses new ones. SSE streams
// end with the canceled update.
func (s *Server) Close() {
	var deliveries []pushDelivery
	s.mu.Lock()
	s.closed = true
	for _, id := range s.order {
		ts := s.tasks[id]
		if ts.task.Status.Terminal() {
			continue
		}
		deliveries = append(deliveries, s.setStatusLocked(ts, StatusCanceled)...)
	}
	s.mu.Unlock()
	s.pusher.deliver(deliveries)
}

// setStatusLocked is the single transition point: it stamps UpdatedAt,
// maintains the active counter and metrics, releases the dispatch timer and
// handler context when the task leaves working, and queues notifications.
func (s *Server) setStatusLocked(ts *taskState, status TaskStatus) []pushDelivery {
	prev := ts.task.Status
	ts.task.Status = status
	ts.task.UpdatedAt = s.clock.Now()

	if prev == StatusWorking && status != StatusWorking {
		if ts.timer != nil {
			ts.timer.Stop()
			ts.timer = nil
		}
		if ts.cancel != nil {
			ts.cancel()
			ts.cancel = nil
		}
	}

	wasActive := prev == StatusSubmitted || prev == StatusWorking
	isActive := status == StatusSubmitted || status == StatusWorking
	if wasActive && !isActive {
		s.active--
	} else if !wasActive && isActive {
		s.active++
	}
	activeTasks.Set(float64(s.active))

	if status.Terminal() {
		tasksFinished.WithLabelValues(string(status)).Inc()
		taskDuration.Observe(ts.task.UpdatedAt.Sub(ts.task.CreatedAt).Seconds())
	}
	return s.notifyLocked(ts)
}

// appendAgentTextLocked records an agent text message as the task output.
func (s *Server) appendAgentTextLocked(ts *taskState, text string) {
	m := Message{Role: "agent", Parts: []Part{TextPart(text)}}
	ts.task.Output = &m
	ts.task.History = append(ts.task.History, m)
}

// notifyLocked fans the current snapshot out to SSE subscribers (slow ones
// are dropped) and returns the matching push deliveries for after-unlock.
func (s *Server) notifyLocked(ts *taskState) []pushDelivery {
	snap := cloneTask(ts.task)

	kept := ts.subs[:0]
	for _, sub := range ts.subs {
		select {
		case sub.ch <- snap:
			kept = append(kept, sub)
		default:
			sub.close()
		}
	}
	ts.subs = kept
	if snap.Status.Terminal() {
		for _, sub := range ts.subs {
			sub.close()
		}
		ts.subs = nil
	}

	var out []pushDelivery
	for _, pc := range ts.push {
		if pc.matches(snap.Status) {
			out = append(out, pushDelivery{url: pc.URL, task: snap})
		}
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p
		if p.Data != nil {
			d := make(map[string]any, len(p.Data))
			for k, v := range p.Data {
				d[k] = v
			}
			out[i].Data = d
		}
	}
	return out
}

func cloneMessage(m Message) Message {
	m.Parts = cloneParts(m.Parts)
	m.Metadata = cloneStringMap(m.Metadata)
	return m
}

func cloneArtifacts(arts []Artifact) []Artifact {
	if arts == nil {
		return nil
	}
	out := make([]Artifact, len(arts))
	for i, a := range arts {
		out[i] = a
		out[i].Parts = cloneParts(a.Parts)
	}
	return out
}

func cloneTask(t Task) Task {
	if t.Input != nil {
		in := cloneMessage(*t.Input)
		t.Input = &in
	}
	if t.Output != nil {
		out := cloneMessage(*t.Output)
		t.Output = &out
	}
	if t.History != nil {
		hist := make([]Message, len(t.History))
		for i, m := range t.History {
			hist[i] = cloneMessage(m)
		}
		t.History = hist
	}
	t.Artifacts = cloneArtifacts(t.Artifacts)
	t.Metadata = cloneStringMap(t.Metadata)
	return t
}
