/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package worker implements the wire protocol between the kernel and an
// executor process, plus two pool.Worker backends: ProcWorker drives real
// subprocesses, EchoWorker simulates execution in-process.
//
// The protocol is newline-delimited JSON on the worker's stdout. The host
// hands the task over as a single execute frame on stdin and additionally
// through CORTEXOS_* environment variables, so executors can pick either.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Environment variables carrying the task for executors that do not read
// stdin.
const (
	EnvTaskID      = "CORTEXOS_TASK_ID"
	EnvPrompt      = "CORTEXOS_PROMPT"
	EnvInputs      = "CORTEXOS_INPUTS" // JSON object
	EnvEnvironment = "CORTEXOS_ENVIRONMENT"
)

// FrameType enumerates worker stdout frames.
type FrameType string

const (
	FrameLog      FrameType = "log"
	FrameProgress FrameType = "progress"
	FrameResult   FrameType = "result"
)

// Result statuses a worker may report.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// Frame is one NDJSON event from the worker. Fields are populated per Type:
// log carries Level/Message/Timestamp, progress carries Stage/Percent and an
// optional Message, result carries Status/Output/ExitCode/DurationMs.
type Frame struct {
	Type FrameType `json:"type"`

	Level     string `json:"level,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix ms

	Stage   string  `json:"stage,omitempty"`
	Percent float64 `json:"percent,omitempty"`

	Status     string `json:"status,omitempty"`
	Output     string `json:"output,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
	DurationMs int64  `json:"duration,omitempty"`

	// Raw is the original stdout line, never serialized.
	Raw string `json:"-"`
}

// ExecuteFrame is the stdin message handing a task to the worker.
type ExecuteFrame struct {
	Type        string            `json:"type"` // always "execute"
	Prompt      string            `json:"prompt"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	TaskID      string            `json:"taskId"`
	Environment string            `json:"environment"`
}

// NewExecuteFrame builds the stdin frame for one task.
func NewExecuteFrame(taskID, prompt, environment string, inputs map[string]string) ExecuteFrame {
	return ExecuteFrame{
		Type:        "execute",
		Prompt:      prompt,
		Inputs:      inputs,
		TaskID:      taskID,
		Environment: environment,
	}
}

// Encode writes the frame as one JSON line.
func (f ExecuteFrame) Encode(w io.Writer) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode execute frame: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write execute frame: %w", err)
	}
	return nil
}

// Decoder reads worker frames from a stream. Lines that are not valid
// protocol JSON are tolerated and surfaced as info-level log frames, so a
// chatty executor never breaks the host.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder wraps r. Lines up to 1 MiB are accepted.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Decoder{sc: sc}
}

// Next returns the next frame, or io.EOF when the stream ends.
func (d *Decoder) Next() (Frame, error) {
	for d.sc.Scan() {
		line := strings.TrimRight(d.sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(line), &f); err != nil || !knownFrameType(f.Type) {
			f = Frame{Type: FrameLog, Level: "info", Message: line}
		}
		f.Raw = line
		return f, nil
	}
	if err := d.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

func knownFrameType(t FrameType) bool {
	switch t {
	case FrameLog, FrameProgress, FrameResult:
		return true
	}
	return false
}
