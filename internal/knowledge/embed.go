/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package knowledge

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embed maps text onto a fixed-size vector by feature hashing its words.
// Each word lands in the bucket its hash selects, signed by the hash's low
// bit, and the vector is L2-normalized. Deterministic, no model download,
// good enough to cluster related prompts and outputs.
func Embed(text string, dim int) []float32 {
	if dim <= 0 {
		return nil
	}
	vec := make([]float32, dim)
	for _, w := range tokenize(text) {
		if len(w) <= 2 {
			continue
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sq float64
	for _, v := range vec {
		sq += float64(v) * float64(v)
	}
	if sq == 0 {
		return
	}
	norm := float32(math.Sqrt(sq))
	for i := range vec {
		vec[i] /= norm
	}
}

// tokenize lowercases text and splits it on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
