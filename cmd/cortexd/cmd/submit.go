/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/internal/a2a"
)

var (
	submitPrompt      string
	submitRole        string
	submitEnvironment string
	submitMeta        map[string]string
	submitWait        bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the daemon",
	Long: `Submit a task to a running daemon over the A2A API.

Examples:
  cortexd submit --prompt "Summarize the deploy logs"
  cortexd submit --prompt "Refactor the parser" --role developer --wait
  cortexd submit --prompt "Index the wiki" --environment research -o json`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitPrompt, "prompt", "p", "", "Task prompt (required)")
	submitCmd.Flags().StringVar(&submitRole, "role", "", "Agent role used for model routing")
	submitCmd.Flags().StringVarP(&submitEnvironment, "environment", "e", "", "Execution environment id")
	submitCmd.Flags().StringToStringVar(&submitMeta, "meta", nil, "Extra task metadata as key=value")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for completion and print the output")
	_ = submitCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(_ *cobra.Command, _ []string) error {
	meta := make(map[string]string, len(submitMeta)+2)
	for k, v := range submitMeta {
		meta[k] = v
	}
	if submitRole != "" {
		meta["role"] = submitRole
	}
	if submitEnvironment != "" {
		meta["environment"] = submitEnvironment
	}

	req := a2a.CreateTaskRequest{
		Message:  a2a.Message{Role: "user", Parts: []a2a.Part{a2a.TextPart(submitPrompt)}},
		Metadata: meta,
	}
	var task a2a.Task
	if err := postJSON("/a2a/tasks", req, &task); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	if !submitWait {
		if outputFormat != "table" {
			return printFormatted(task)
		}
		fmt.Printf("✓ Task %s submitted (%s)\n", task.ID, task.Status)
		fmt.Printf("\nUse 'cortexd status %s' to check progress\n", task.ID)
		return nil
	}

	if outputFormat == "table" {
		fmt.Printf("✓ Task %s submitted, waiting...\n", task.ID)
	}
	return waitForTask(task.ID)
}

// waitForTask follows the task's SSE stream until it settles. The daemon
// closes the stream after the terminal frame.
func waitForTask(id string) error {
	req, err := http.NewRequest(http.MethodGet, serverBase()+"/a2a/tasks/"+id+"/subscribe", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Dedicated client: the wait is open-ended.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("subscribe to task: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var last a2a.Task
	var lastStatus a2a.TaskStatus
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var t a2a.Task
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &t); err != nil {
			continue
		}
		last = t
		if outputFormat == "table" && t.Status != lastStatus && !t.Status.Terminal() {
			fmt.Printf("  %s...\n", t.Status)
			lastStatus = t.Status
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}

	if outputFormat != "table" {
		return printFormatted(last)
	}
	switch last.Status {
	case a2a.StatusCompleted:
		fmt.Println("✓ Task completed")
		if last.Output != nil && last.Output.Text() != "" {
			fmt.Printf("\nOutput:\n%s\n", last.Output.Text())
		}
		return nil
	case a2a.StatusCanceled:
		return errors.New("task canceled")
	case a2a.StatusFailed:
		if last.Output != nil && last.Output.Text() != "" {
			return fmt.Errorf("task failed: %s", last.Output.Text())
		}
		return errors.New("task failed")
	default:
		return fmt.Errorf("stream ended with task still %s", last.Status)
	}
}
