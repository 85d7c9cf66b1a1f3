/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postTask(t *testing.T, srv *httptest.Server, text string) Task {
	t.Helper()
	body, err := json.Marshal(CreateTaskRequest{Message: userMsg(text)})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/a2a/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	return task
}

func decodeError(t *testing.T, resp *http.Response) ErrorDetail {
	t.Helper()
	defer resp.Body.Close()
	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error
}

// readSSEStatuses drains an SSE stream and returns the task status carried
// by each data frame, in arrival order.
func readSSEStatuses(t *testing.T, body io.Reader) []TaskStatus {
	t.Helper()
	var out []TaskStatus
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var task Task
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &task))
		out = append(out, task.Status)
	}
	return out
}

func TestHTTPCreateGetListHealth(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	task := postTask(t, srv, "hello")
	assert.True(t, strings.HasPrefix(task.ID, "a2a-"))
	waitTask(t, s, task.ID, StatusCompleted)

	resp, err := http.Get(srv.URL + "/a2a/tasks/" + task.ID)
	require.NoError(t, err)
	var got Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "hello", got.Output.Text(), "default handler echoes the input")

	resp, err = http.Get(srv.URL + "/a2a/tasks")
	require.NoError(t, err)
	var list struct {
		Tasks []TaskSummary `json:"tasks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, task.ID, list.Tasks[0].ID)

	resp, err = http.Get(srv.URL + "/a2a/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
}

func TestHTTPCreateValidation(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/a2a/tasks", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_body", decodeError(t, resp).Code)

	resp, err = http.Post(srv.URL+"/a2a/tasks", "application/json", strings.NewReader(`{"message":{"role":"user","parts":[]}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_parts", decodeError(t, resp).Code)

	resp, err = http.Get(srv.URL + "/a2a/tasks/a2a-missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "task_not_found", decodeError(t, resp).Code)
}

func TestHTTPCapacityReturns429(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	s := New(Config{MaxConcurrentTasks: 1}, WithHandler(func(_ context.Context, task Task) (Task, error) {
		<-gate
		task.Status = StatusCompleted
		return task, nil
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	postTask(t, srv, "first")

	body, _ := json.Marshal(CreateTaskRequest{Message: userMsg("second")})
	resp, err := http.Post(srv.URL+"/a2a/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "capacity_exceeded", decodeError(t, resp).Code)
}

func TestHTTPCancelFlow(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	s := New(Config{}, WithHandler(func(_ context.Context, task Task) (Task, error) {
		<-gate
		task.Status = StatusCompleted
		return task, nil
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	task := postTask(t, srv, "x")
	waitTask(t, s, task.ID, StatusWorking)

	resp, err := http.Post(srv.URL+"/a2a/tasks/"+task.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, StatusCanceled, got.Status)

	resp, err = http.Post(srv.URL+"/a2a/tasks/"+task.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "terminal_task", decodeError(t, resp).Code)
}

func TestHTTPInputFlow(t *testing.T) {
	calls := 0
	s := New(Config{}, WithHandler(func(_ context.Context, task Task) (Task, error) {
		calls++
		if calls == 1 {
			task.Status = StatusInputRequired
			return task, nil
		}
		task.Status = StatusCompleted
		return task, nil
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	task := postTask(t, srv, "start")
	waitTask(t, s, task.ID, StatusInputRequired)

	body, _ := json.Marshal(userMsg("continue"))
	resp, err := http.Post(srv.URL+"/a2a/tasks/"+task.ID+"/input", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, StatusWorking, got.Status)

	waitTask(t, s, task.ID, StatusCompleted)

	resp, err = http.Post(srv.URL+"/a2a/tasks/"+task.ID+"/input", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "terminal_task", decodeError(t, resp).Code)
}

func TestHTTPSSEStreamsStatusesInOrder(t *testing.T) {
	gate := make(chan struct{})
	s := New(Config{}, WithHandler(func(_ context.Context, task Task) (Task, error) {
		<-gate
		task.Status = StatusCompleted
		task.Output = &Message{Parts: []Part{TextPart("done")}}
		return task, nil
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	task := postTask(t, srv, "x")
	waitTask(t, s, task.ID, StatusWorking)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/a2a/tasks/"+task.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(gate)
	statuses := readSSEStatuses(t, resp.Body)

	require.NotEmpty(t, statuses)
	assert.Equal(t, StatusWorking, statuses[0], "stream opens with the current snapshot")
	assert.Equal(t, StatusCompleted, statuses[len(statuses)-1], "stream ends with the terminal status")
	for i, st := range statuses[:len(statuses)-1] {
		assert.False(t, st.Terminal(), "frame %d is terminal but not last", i)
	}
}

func TestHTTPSubscribeEndpoint(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	task := postTask(t, srv, "quick")
	waitTask(t, s, task.ID, StatusCompleted)

	resp, err := http.Get(srv.URL + "/a2a/tasks/" + task.ID + "/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()
	statuses := readSSEStatuses(t, resp.Body)
	require.Len(t, statuses, 1, "finished task yields exactly the terminal frame")
	assert.Equal(t, StatusCompleted, statuses[0])
}

func TestHTTPPushDeliversMatchingUpdates(t *testing.T) {
	received := make(chan Task, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task Task
		_ = json.NewDecoder(r.Body).Decode(&task)
		received <- task
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	gate := make(chan struct{})
	s := New(Config{}, WithHandler(func(_ context.Context, task Task) (Task, error) {
		<-gate
		task.Status = StatusCompleted
		return task, nil
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	task := postTask(t, srv, "x")
	waitTask(t, s, task.ID, StatusWorking)

	body, _ := json.Marshal(PushConfig{URL: hook.URL, Statuses: []TaskStatus{StatusCompleted}})
	resp, err := http.Post(srv.URL+"/a2a/tasks/"+task.ID+"/push", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	close(gate)

	select {
	case got := <-received:
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, StatusCompleted, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("push notification never arrived")
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected second delivery with status %s", got.Status)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHTTPPushFailureIsNotRetried(t *testing.T) {
	var attempts atomic.Int64
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hook.Close()

	gate := make(chan struct{})
	s := New(Config{}, WithHandler(func(_ context.Context, task Task) (Task, error) {
		<-gate
		task.Status = StatusCompleted
		return task, nil
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	task := postTask(t, srv, "x")
	waitTask(t, s, task.ID, StatusWorking)
	require.NoError(t, s.RegisterPush(task.ID, PushConfig{URL: hook.URL, Statuses: []TaskStatus{StatusCompleted}}))

	close(gate)
	waitTask(t, s, task.ID, StatusCompleted)

	deadline := time.After(2 * time.Second)
	for attempts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("push attempt never happened")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), attempts.Load(), "one attempt, no retries")
}

func TestHTTPAgentCardAndCORS(t *testing.T) {
	s := New(Config{}, WithAgentCard(AgentCard{Name: "unit-kernel", Version: "9.9.9"}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/agent.json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var card AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	resp.Body.Close()
	assert.Equal(t, "unit-kernel", card.Name)
	assert.Equal(t, "9.9.9", card.Version)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/a2a/tasks", nil)
	require.NoError(t, err)
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestHTTPRateLimitOnCreate(t *testing.T) {
	s := New(Config{RatePerMinute: 1})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post := func() *http.Response {
		body, _ := json.Marshal(CreateTaskRequest{Message: userMsg("x")})
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/a2a/tasks", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", "10.1.2.3")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", decodeError(t, resp).Code)
}
