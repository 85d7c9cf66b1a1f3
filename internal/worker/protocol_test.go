/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package worker

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderParsesProtocolFrames(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"log","level":"info","message":"booting","timestamp":1700000000000}`,
		`{"type":"progress","stage":"analyze","percent":42.5,"message":"halfway"}`,
		`{"type":"result","status":"completed","output":"all good","exitCode":0,"duration":1234}`,
	}, "\n")

	dec := NewDecoder(strings.NewReader(input))

	log, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameLog, log.Type)
	assert.Equal(t, "info", log.Level)
	assert.Equal(t, "booting", log.Message)
	assert.Equal(t, int64(1700000000000), log.Timestamp)

	progress, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameProgress, progress.Type)
	assert.Equal(t, "analyze", progress.Stage)
	assert.Equal(t, 42.5, progress.Percent)

	result, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameResult, result.Type)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, "all good", result.Output)
	assert.Equal(t, int64(1234), result.DurationMs)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderToleratesChatter(t *testing.T) {
	input := strings.Join([]string{
		"plain text line",
		"",
		`{"broken json`,
		`{"type":"mystery","x":1}`,
		`{"type":"result","status":"failed","exitCode":2,"duration":5}`,
	}, "\n")

	dec := NewDecoder(strings.NewReader(input))

	for _, want := range []string{"plain text line", `{"broken json`, `{"type":"mystery","x":1}`} {
		f, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, FrameLog, f.Type, "non-protocol lines become info logs")
		assert.Equal(t, "info", f.Level)
		assert.Equal(t, want, f.Message)
		assert.Equal(t, want, f.Raw)
	}

	result, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameResult, result.Type)
	assert.Equal(t, ResultFailed, result.Status)
	assert.Equal(t, 2, result.ExitCode)
}

func TestExecuteFrameEncode(t *testing.T) {
	frame := NewExecuteFrame("task-1", "summarize the logs", "py", map[string]string{"path": "/var/log"})

	var buf bytes.Buffer
	require.NoError(t, frame.Encode(&buf))

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"), "frames are newline-delimited")
	assert.Contains(t, line, `"type":"execute"`)
	assert.Contains(t, line, `"prompt":"summarize the logs"`)
	assert.Contains(t, line, `"taskId":"task-1"`)
	assert.Contains(t, line, `"environment":"py"`)
	assert.NotContains(t, line, "\n"+"{", "exactly one line")
}
