package prompts

import (
	"fmt"
	"strings"
)

// FactSystem is the system prompt for dish fact requests.
const FactSystem = `You share short, true, interesting facts about food. You never invent
sources. Facts about famous people must be well documented.`

const factTemplate = `Give up to 3 interesting facts about the dish %q.

Each fact is 1-3 sentences, between 10 and 500 characters. Prefer history,
ingredients and notable events. Include source URLs when you know them.%s

Reply with a JSON array only:
[{"type": "history|ingredient|event|celebrity", "text": "...",
  "sources": ["https://..."], "confidence": 0.0-1.0, "verified": true|false}]

JSON:`

// FactPrompt returns the prompt for facts about dish. exclude lists fact
// texts the user has already seen.
func FactPrompt(dish string, exclude []string) string {
	avoid := ""
	if len(exclude) > 0 {
		var b strings.Builder
		b.WriteString("\n\nDo not repeat these facts:\n")
		for _, e := range exclude {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
		avoid = strings.TrimRight(b.String(), "\n")
	}
	return fmt.Sprintf(factTemplate, dish, avoid)
}
