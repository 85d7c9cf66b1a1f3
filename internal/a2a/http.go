/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package a2a

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxBodyBytes caps request bodies at 10 MB.
const maxBodyBytes = 10 << 20

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error message plus machine-readable type/code.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Handler returns the gateway's HTTP handler: the A2A routes behind CORS
// and OTel instrumentation.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/.well-known/agent.json", s.handleAgentCard).Methods(http.MethodGet)

	sub := r.PathPrefix("/a2a").Subrouter()
	sub.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	sub.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	sub.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	sub.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	sub.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)
	sub.HandleFunc("/tasks/{id}/input", s.handleProvideInput).Methods(http.MethodPost)
	sub.HandleFunc("/tasks/{id}/subscribe", s.handleSubscribe).Methods(http.MethodGet)
	sub.HandleFunc("/tasks/{id}/push", s.handleRegisterPush).Methods(http.MethodPost)

	return otelhttp.NewHandler(cors(r), "a2a")
}

// cors answers preflight requests and stamps the permissive headers the
// protocol requires on every response.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"activeTasks": stats.ActiveTasks,
		"totalTasks":  stats.TotalTasks,
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error", "rate_limit_exceeded")
		return
	}

	var req CreateTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_body")
		return
	}
	if len(req.Message.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "message must contain at least one part", "invalid_request_error", "missing_parts")
		return
	}

	task, err := s.CreateTask(req.Message, req.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.log.Info("audit: a2a.tasks.create", "task", task.ID)
	trace.SpanFromContext(r.Context()).AddEvent("a2a.task.created",
		trace.WithAttributes(attribute.String("cortexos.task.id", task.ID)))
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.ListTasks()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamTask(w, r, id)
		return
	}
	task, err := s.GetTask(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.streamTask(w, r, mux.Vars(r)["id"])
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.CancelTask(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.log.Info("audit: a2a.tasks.cancel", "task", id)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleProvideInput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_body")
		return
	}
	if len(msg.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "message must contain at least one part", "invalid_request_error", "missing_parts")
		return
	}

	task, err := s.ProvideInput(id, msg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.log.Info("audit: a2a.tasks.input", "task", id)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRegisterPush(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var cfg PushConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_body")
		return
	}
	if cfg.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required", "invalid_request_error", "missing_url")
		return
	}

	if err := s.RegisterPush(id, cfg); err != nil {
		writeServiceError(w, err)
		return
	}
	s.log.Info("audit: a2a.tasks.push", "task", id, "url", cfg.URL)
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps service-layer sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error", "task_not_found")
	case errors.Is(err, ErrTerminalTask):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "terminal_task")
	case errors.Is(err, ErrInputNotExpected):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "input_not_expected")
	case errors.Is(err, ErrCapacity):
		writeError(w, http.StatusTooManyRequests, err.Error(), "rate_limit_error", "capacity_exceeded")
	case errors.Is(err, ErrServerClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "server_error", "shutting_down")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the JSON error envelope.
func writeError(w http.ResponseWriter, status int, msg, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{Message: msg, Type: errType, Code: code},
	})
}
