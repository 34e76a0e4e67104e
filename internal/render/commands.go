package render

import "strings"

const startText = `Welcome to Platecheck!

Send a photo of your meal, or describe it in a few words ("pasta carbonara 250g"), and I'll estimate calories, protein, fat and carbs.

Then correct me if I got it wrong:
- a weight: "actually 400g", "12 oz"
- a cooking method: "it was fried", "steamed"

Commands:
/fact - a fact about the current dish
/reset - start over
/help - how to use the bot
/privacy - what happens to your data`

const helpText = `How to use Platecheck

Photo analysis: send a photo of a single dish. A caption helps.

Text analysis: describe the dish, ideally with a weight and cooking method, e.g. "grilled salmon 180g".

Corrections: after an estimate, reply with a new weight ("300 g", "0.5 kg", "8 oz") or cooking method (raw, boiled, fried, baked, steamed). The estimate is recalculated without re-describing the dish.

Facts: /fact returns a short fact about the dish: its history, an ingredient, a tradition, or a verified mention of a famous person.

/reset clears the current estimate and its history.`

const privacyText = `Privacy

- Photos are sent to the analysis service and are not stored by this bot.
- Your current estimate and up to five earlier ones are kept while you are active and deleted after 30 minutes of inactivity, or right away with /reset.
- Token counts for each request are recorded for cost accounting, without message content.
- Nothing is shared with anyone else.`

// Command returns the reply for a transport-level command (/start,
// /help, /privacy). ok is false for anything else, including the
// commands the engine handles.
func Command(text string) (reply string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(name) {
	case "start":
		return startText, true
	case "help":
		return helpText, true
	case "privacy":
		return privacyText, true
	}
	return "", false
}
