// Package prompt builds the Map and Reduce prompts and validates the
// LLM's JSON replies at the boundary. Nothing unvalidated leaves this
// package: downstream stages and the merge engine only ever see checked
// values.
package prompt

import (
	"fmt"
	"strings"

	"github.com/design4music/sni-platform/pkg/llm"
)

// extractJSON strips markdown fences and leading prose from a model
// reply, returning the JSON document starting at the first brace or
// bracket. Models wrap JSON in ```json fences often enough that the
// parser has to tolerate it.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return "", fmt.Errorf("%w: no JSON document in reply", llm.ErrMalformed)
	}
	return s[start:], nil
}

// clamp01 bounds a confidence value to [0, 1].
func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
