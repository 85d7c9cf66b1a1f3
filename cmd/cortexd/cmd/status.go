/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/internal/a2a"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Get status of a task",
	Long: `Get the current status of one task.

Examples:
  cortexd status a2a-5f0c1f34-9f7e-4a37-a86d-0d0f2f4c9ab1
  cortexd status a2a-5f0c1f34-9f7e-4a37-a86d-0d0f2f4c9ab1 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, args []string) error {
	var task a2a.Task
	if err := getJSON("/a2a/tasks/"+args[0], &task); err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	if outputFormat != "table" {
		return printFormatted(task)
	}

	fmt.Printf("ID:       %s\n", task.ID)
	fmt.Printf("Status:   %s\n", task.Status)
	fmt.Printf("Created:  %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", task.UpdatedAt.Format(time.RFC3339))
	if task.Input != nil {
		fmt.Printf("Prompt:   %s\n", truncate(task.Input.Text(), 60))
	}
	if role := task.Metadata["role"]; role != "" {
		fmt.Printf("Role:     %s\n", role)
	}
	if model := task.Metadata["model"]; model != "" {
		fmt.Printf("Model:    %s\n", model)
	}
	if len(task.Artifacts) > 0 {
		fmt.Printf("Artifacts: %d\n", len(task.Artifacts))
	}
	if task.Output != nil && task.Output.Text() != "" {
		fmt.Printf("\nOutput:\n%s\n", task.Output.Text())
	}
	return nil
}
