/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/internal/a2a"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks on the daemon",
	Long: `List the tasks the daemon currently tracks.

Examples:
  cortexd tasks
  cortexd tasks -o json`,
	RunE: runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(_ *cobra.Command, _ []string) error {
	var payload struct {
		Tasks []a2a.TaskSummary `json:"tasks"`
	}
	if err := getJSON("/a2a/tasks", &payload); err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if outputFormat != "table" {
		return printFormatted(payload.Tasks)
	}
	if len(payload.Tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tAGE\tUPDATED")
	for _, t := range payload.Tasks {
		age := time.Since(t.CreatedAt).Round(time.Second)
		updated := time.Since(t.UpdatedAt).Round(time.Second)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n", t.ID, t.Status, age, updated)
	}
	return w.Flush()
}
