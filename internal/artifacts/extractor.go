/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package artifacts recovers deliverable files from task output. Agents
// return plain text; anything they fence as a code block is treated as a
// file the caller may want back out.
package artifacts

import (
	"fmt"
	"strings"
)

// File is one extracted artifact.
type File struct {
	Name     string
	Language string
	Content  string
}

// langExt maps fence info-string languages to file extensions for blocks
// that never name a file.
var langExt = map[string]string{
	"go":         "go",
	"python":     "py",
	"py":         "py",
	"javascript": "js",
	"js":         "js",
	"typescript": "ts",
	"ts":         "ts",
	"bash":       "sh",
	"sh":         "sh",
	"shell":      "sh",
	"yaml":       "yaml",
	"yml":        "yaml",
	"json":       "json",
	"sql":        "sql",
	"rust":       "rs",
	"java":       "java",
	"c":          "c",
	"cpp":        "cpp",
	"html":       "html",
	"css":        "css",
	"markdown":   "md",
	"md":         "md",
	"diff":       "diff",
	"toml":       "toml",
}

// Extract parses output and returns one File per fenced code block. Blocks
// may name their file in the info string ("```go main.go" or
// "```python name=app.py"); unnamed blocks get a synthesized name from their
// position and language. An unclosed fence runs to the end of the output.
// Empty blocks are dropped.
func Extract(output string) []File {
	var files []File
	var current *File
	var body []string
	var fence string

	flush := func() {
		if current == nil {
			return
		}
		content := strings.Join(body, "\n")
		if strings.TrimSpace(content) != "" {
			current.Content = content
			if current.Name == "" {
				current.Name = synthName(len(files)+1, current.Language)
			}
			files = append(files, *current)
		}
		current, body, fence = nil, nil, ""
	}

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case current == nil && openingFence(trimmed) != "":
			fence = openingFence(trimmed)
			lang, name := parseInfoString(strings.TrimPrefix(trimmed, fence))
			current = &File{Name: name, Language: lang}
		case current != nil && closingFence(trimmed, fence):
			flush()
		case current != nil:
			body = append(body, line)
		}
	}
	flush()
	return files
}

// openingFence returns the fence marker when the line opens a code block.
func openingFence(line string) string {
	for _, marker := range []string{"```", "~~~"} {
		if strings.HasPrefix(line, marker) {
			run := len(marker)
			for run < len(line) && line[run] == marker[0] {
				run++
			}
			return line[:run]
		}
	}
	return ""
}

// closingFence reports whether the line closes a block opened with fence.
// Per CommonMark the closing run must be at least as long and carry no info
// string.
func closingFence(line, fence string) bool {
	if !strings.HasPrefix(line, fence) {
		return false
	}
	return strings.TrimRight(line, string(fence[0])) == ""
}

// parseInfoString splits a fence info string into language and file name.
// The first token is the language unless it looks like a path; later tokens
// may carry the name as "name=", "file=", "filename=", or a bare path.
func parseInfoString(info string) (lang, name string) {
	for i, tok := range strings.Fields(info) {
		tok = strings.Trim(tok, `"'`)
		switch {
		case strings.HasPrefix(tok, "name="),
			strings.HasPrefix(tok, "file="),
			strings.HasPrefix(tok, "filename="),
			strings.HasPrefix(tok, "title="):
			name = cleanName(tok[strings.Index(tok, "=")+1:])
		case i == 0 && !looksLikePath(tok):
			lang = strings.ToLower(tok)
		case name == "" && looksLikePath(tok):
			name = cleanName(tok)
		}
	}
	return lang, name
}

// looksLikePath reports whether a token names a file rather than a language.
func looksLikePath(tok string) bool {
	return strings.ContainsAny(tok, "./") && tok != "." && tok != "./"
}

// cleanName strips quoting and leading ./ and rejects traversal.
func cleanName(name string) string {
	name = strings.Trim(name, `"'`)
	name = strings.TrimPrefix(name, "./")
	if strings.Contains(name, "..") {
		return ""
	}
	return name
}

func synthName(n int, lang string) string {
	ext, ok := langExt[lang]
	if !ok {
		ext = "txt"
	}
	return fmt.Sprintf("artifact-%d.%s", n, ext)
}
