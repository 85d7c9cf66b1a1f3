/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package artifacts

import (
	"strings"
	"testing"
)

func TestExtractNamedBlock(t *testing.T) {
	output := "Here is the server:\n" +
		"```go main.go\n" +
		"package main\n" +
		"func main() {}\n" +
		"```\n" +
		"Done."

	files := Extract(output)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	f := files[0]
	if f.Name != "main.go" || f.Language != "go" {
		t.Errorf("file = %q/%q, want main.go/go", f.Name, f.Language)
	}
	if f.Content != "package main\nfunc main() {}" {
		t.Errorf("unexpected content: %q", f.Content)
	}
}

func TestExtractNameAttribute(t *testing.T) {
	tests := []struct {
		name string
		info string
		want string
	}{
		{"name attr", "```python name=app.py", "app.py"},
		{"file attr", "```python file=app.py", "app.py"},
		{"title attr", "```python title=app.py", "app.py"},
		{"quoted attr", `~~~yaml name="deploy/config.yaml"`, "deploy/config.yaml"},
		{"bare path only", "```scripts/run.sh", "scripts/run.sh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fence := "```"
			if strings.HasPrefix(tt.info, "~~~") {
				fence = "~~~"
			}
			files := Extract(tt.info + "\ncontent\n" + fence)
			if len(files) != 1 {
				t.Fatalf("expected 1 file, got %d", len(files))
			}
			if files[0].Name != tt.want {
				t.Errorf("name = %q, want %q", files[0].Name, tt.want)
			}
		})
	}
}

func TestExtractSynthesizesNames(t *testing.T) {
	output := "```python\nprint('hi')\n```\n\n```\nplain\n```"
	files := Extract(output)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Name != "artifact-1.py" {
		t.Errorf("first name = %q, want artifact-1.py", files[0].Name)
	}
	if files[1].Name != "artifact-2.txt" {
		t.Errorf("second name = %q, want artifact-2.txt", files[1].Name)
	}
}

func TestExtractMultipleBlocks(t *testing.T) {
	output := strings.Join([]string{
		"First the schema:",
		"```sql schema.sql",
		"CREATE TABLE t (id INT);",
		"```",
		"then the loader:",
		"```go loader.go",
		"package loader",
		"```",
	}, "\n")

	files := Extract(output)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Name != "schema.sql" || files[1].Name != "loader.go" {
		t.Errorf("names = %q, %q", files[0].Name, files[1].Name)
	}
}

func TestExtractUnclosedFenceRunsToEnd(t *testing.T) {
	output := "```go main.go\npackage main\nvar x = 1"
	files := Extract(output)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Content != "package main\nvar x = 1" {
		t.Errorf("unexpected content: %q", files[0].Content)
	}
}

func TestExtractSkipsEmptyBlocks(t *testing.T) {
	output := "```go\n\n  \n```"
	if files := Extract(output); len(files) != 0 {
		t.Errorf("expected no files for empty block, got %d", len(files))
	}
}

func TestExtractNoFences(t *testing.T) {
	if files := Extract("plain prose, no code at all"); len(files) != 0 {
		t.Errorf("expected no files, got %d", len(files))
	}
}

func TestExtractInnerBackticksInTildeFence(t *testing.T) {
	output := "~~~md notes.md\nUse ``` to fence code.\n```\nstill inside\n```\n~~~"
	files := Extract(output)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if !strings.Contains(files[0].Content, "still inside") {
		t.Errorf("tilde fence closed early: %q", files[0].Content)
	}
}

func TestExtractLongerFenceWrapsShorter(t *testing.T) {
	output := "````md example.md\n```go\nfenced sample\n```\n````"
	files := Extract(output)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if !strings.Contains(files[0].Content, "fenced sample") {
		t.Errorf("inner fence broke the block: %q", files[0].Content)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	files := Extract("```go ../../etc/passwd\npackage main\n```")
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Name != "artifact-1.go" {
		t.Errorf("traversal name not replaced: %q", files[0].Name)
	}
}
