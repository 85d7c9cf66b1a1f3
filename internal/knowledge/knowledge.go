/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package knowledge persists completed task results in a vector store and
// surfaces related prior work when new prompts arrive. Relevance combines
// vector similarity with tag overlap: a hit that shares the new task's role
// tags outranks a merely similar one.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/cortexos/cortexos/internal/vectorstore"
)

const (
	// maxContentRunes caps how much of a task's output is stored per entry.
	maxContentRunes = 2000
	// hitExcerptRunes caps how much of a hit shows up in a context block.
	hitExcerptRunes = 400
)

// Entry is a completed task worth remembering.
type Entry struct {
	TaskID string
	Role   string
	Model  string
	Prompt string
	Output string
	Tags   []string
}

// Hit is a stored entry matched against a new prompt.
type Hit struct {
	TaskID      string
	Content     string
	Role        string
	Tags        []string
	CompletedAt string
	Score       float32
	TagOverlap  int
}

// Base records and retrieves task knowledge over a vector store.
type Base struct {
	store vectorstore.Store
	dim   int
	topK  int
	clock clock.Clock
	log   logr.Logger
}

// Option configures a Base.
type Option func(*Base)

// WithDimension sets the embedding vector size. Must match the store's
// collection dimension.
func WithDimension(dim int) Option {
	return func(b *Base) { b.dim = dim }
}

// WithTopK sets how many hits Search returns.
func WithTopK(k int) Option {
	return func(b *Base) { b.topK = k }
}

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Base) { b.clock = c }
}

// WithLogger attaches a logger. The base is silent without one.
func WithLogger(log logr.Logger) Option {
	return func(b *Base) { b.log = log }
}

// New builds a knowledge base over store.
func New(store vectorstore.Store, opts ...Option) *Base {
	b := &Base{
		store: store,
		dim:   256,
		topK:  3,
		clock: clock.New(),
		log:   logr.Discard(),
	}
	for _, fn := range opts {
		fn(b)
	}
	return b
}

// Record stores a completed task. The prompt and output feed the embedding;
// only the output is kept as retrievable content.
func (b *Base) Record(ctx context.Context, e Entry) error {
	if e.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	tags := TaskTags(e.Role, e.Tags...)
	doc := vectorstore.Document{
		ID:        "task-" + e.TaskID,
		TaskID:    e.TaskID,
		Content:   truncateRunes(e.Output, maxContentRunes),
		Embedding: Embed(e.Prompt+"\n"+e.Output, b.dim),
		Metadata: map[string]string{
			"role":        strings.ToLower(e.Role),
			"model":       e.Model,
			"tags":        strings.Join(tags, ","),
			"completedAt": b.clock.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := b.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("record task %s: %w", e.TaskID, err)
	}
	b.log.V(1).Info("recorded task knowledge", "task", e.TaskID, "tags", tags)
	return nil
}

// Search returns stored entries related to prompt, most relevant first.
// Candidates come back from the store by vector similarity and are then
// reordered by how many of the role's tags they share.
func (b *Base) Search(ctx context.Context, prompt, role string) ([]Hit, error) {
	results, err := b.store.SearchByVector(ctx, Embed(prompt, b.dim), b.topK, nil)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}

	want := tagSet(TaskTags(role))
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		tags := splitTags(r.Document.Metadata["tags"])
		hits = append(hits, Hit{
			TaskID:      r.Document.TaskID,
			Content:     r.Document.Content,
			Role:        r.Document.Metadata["role"],
			Tags:        tags,
			CompletedAt: r.Document.Metadata["completedAt"],
			Score:       r.Score,
			TagOverlap:  overlap(want, tags),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].TagOverlap > hits[j].TagOverlap
	})
	return hits, nil
}

// Forget removes a task's entry.
func (b *Base) Forget(ctx context.Context, taskID string) error {
	return b.store.Delete(ctx, "task-"+taskID)
}

// Health reports whether the backing store is reachable.
func (b *Base) Health(ctx context.Context) error {
	return b.store.Health(ctx)
}

// FormatContext renders hits as a context block a worker can be handed
// alongside the prompt. Empty when there are no hits.
func FormatContext(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Related prior work:\n")
	for _, h := range hits {
		excerpt := strings.ReplaceAll(truncateRunes(h.Content, hitExcerptRunes), "\n", " ")
		fmt.Fprintf(&sb, "- [%s] (%s) %s\n", h.TaskID, h.Role, excerpt)
	}
	return sb.String()
}

// TaskTags derives the tag set for a role: the role itself plus its
// hyphen-separated parts, lowered, with any extras appended. Sorted for
// deterministic storage.
func TaskTags(role string, extra ...string) []string {
	set := make(map[string]bool)
	if role != "" {
		set[strings.ToLower(role)] = true
		for _, part := range strings.Split(role, "-") {
			if len(part) > 2 {
				set[strings.ToLower(part)] = true
			}
		}
	}
	for _, t := range extra {
		t = strings.TrimSpace(strings.ToLower(t))
		if t != "" {
			set[t] = true
		}
	}
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// splitTags splits a comma-separated tag string into a slice.
func splitTags(tagsStr string) []string {
	parts := strings.Split(tagsStr, ",")
	tags := make([]string, 0, len(parts))
	for _, t := range parts {
		t = strings.TrimSpace(strings.ToLower(t))
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// overlap counts how many tags fall in the wanted set.
func overlap(want map[string]bool, tags []string) int {
	count := 0
	for _, t := range tags {
		if want[t] {
			count++
		}
	}
	return count
}

func tagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return set
}

// truncateRunes cuts s to at most n runes without splitting a character.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
