package facts

import (
	_ "embed"
	"math/rand/v2"
	"strings"
)

//go:embed fallback.txt
var fallbackText string

var fallbackFacts = func() []string {
	var out []string
	for _, line := range strings.Split(fallbackText, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}()

// Fallback returns a generic food fact not in exclude. When every fact
// has been excluded it returns one anyway.
func Fallback(exclude []string) string {
	return fallback(exclude, rand.IntN)
}

func fallback(exclude []string, pick func(n int) int) string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[normalizeText(e)] = true
	}
	var candidates []string
	for _, f := range fallbackFacts {
		if !skip[normalizeText(f)] {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		candidates = fallbackFacts
	}
	return candidates[pick(len(candidates))]
}
