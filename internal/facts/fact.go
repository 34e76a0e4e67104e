// Package facts supplies a short interesting fact about an analyzed
// dish. Facts come from the reasoning service, are filtered against a
// set of quality rules, and are cached per dish in SQLite. When the
// service is unavailable the supplier falls back to cached facts and
// finally to a built-in list, so it always has something to say.
package facts

import (
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"

	"github.com/nugget/platecheck/internal/analysis"
)

// Kind is the subject area of a fact.
type Kind string

const (
	KindHistory    Kind = "history"
	KindIngredient Kind = "ingredient"
	KindEvent      Kind = "event"
	KindCelebrity  Kind = "celebrity"
)

// Quality rules.
const (
	MinTextLen          = 10
	MaxTextLen          = 500
	MinConfidence       = 0.3
	MinCelebritySources = 2
	MaxFactsPerDish     = 3
	MaxSourceDomains    = 2
)

// Fact is one supplementary fact about a dish.
type Fact struct {
	Kind       Kind     `json:"type"`
	Text       string   `json:"text"`
	Sources    []string `json:"sources,omitempty"`
	Confidence float64  `json:"confidence"`
	Verified   bool     `json:"verified"`
}

// String renders the fact with at most two source domains.
func (f Fact) String() string {
	domains := SourceDomains(f.Sources)
	if len(domains) == 0 {
		return f.Text
	}
	return f.Text + "\nSource: " + strings.Join(domains, ", ")
}

// ParseFacts decodes a service reply payload. Both a bare array and an
// object with a "facts" array are accepted. Entries with an unknown
// type are kept as history facts.
func ParseFacts(payload string) ([]Fact, error) {
	payload = strings.TrimSpace(payload)
	var facts []Fact
	switch {
	case strings.HasPrefix(payload, "["):
		if err := json.Unmarshal([]byte(payload), &facts); err != nil {
			return nil, err
		}
	case strings.HasPrefix(payload, "{"):
		var wrapped struct {
			Facts []Fact `json:"facts"`
		}
		if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
			return nil, err
		}
		facts = wrapped.Facts
	default:
		return nil, errors.New("fact payload is not JSON")
	}

	for i := range facts {
		facts[i].Text = strings.Join(strings.Fields(facts[i].Text), " ")
		switch facts[i].Kind {
		case KindHistory, KindIngredient, KindEvent, KindCelebrity:
		default:
			facts[i].Kind = KindHistory
		}
	}
	return facts, nil
}

// Acceptable reports whether f passes the quality rules: text length
// within bounds, confidence at least MinConfidence, and celebrity facts
// verified with at least two sources.
func Acceptable(f Fact) bool {
	n := utf8.RuneCountInString(f.Text)
	if n < MinTextLen || n > MaxTextLen {
		return false
	}
	if f.Confidence < MinConfidence {
		return false
	}
	if f.Kind == KindCelebrity {
		return f.Verified && len(f.Sources) >= MinCelebritySources
	}
	return true
}

// Select drops unacceptable, duplicate and excluded facts, orders the
// rest verified first then by confidence, and keeps at most
// MaxFactsPerDish.
func Select(facts []Fact, exclude []string) []Fact {
	seen := make(map[string]bool, len(exclude)+len(facts))
	for _, e := range exclude {
		seen[normalizeText(e)] = true
	}

	var out []Fact
	for _, f := range facts {
		key := normalizeText(f.Text)
		if seen[key] || !Acceptable(f) {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Verified != out[j].Verified {
			return out[i].Verified
		}
		return out[i].Confidence > out[j].Confidence
	})
	if len(out) > MaxFactsPerDish {
		out = out[:MaxFactsPerDish]
	}
	return out
}

// SourceDomains reduces source URLs to their registrable domains
// ("en.wikipedia.org" becomes "wikipedia.org"), de-duplicated, at most
// MaxSourceDomains. Unparseable URLs are skipped.
func SourceDomains(urls []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if host == "" {
			continue
		}
		domain, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil {
			domain = host
		}
		if seen[domain] {
			continue
		}
		seen[domain] = true
		out = append(out, domain)
		if len(out) == MaxSourceDomains {
			break
		}
	}
	return out
}

// DishKey is the cache key for a dish name.
func DishKey(dish string) string {
	return strings.ToLower(analysis.CleanDishName(dish))
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
