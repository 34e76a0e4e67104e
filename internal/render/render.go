// Package render turns engine outcomes into chat replies.
//
// [Plain] is for transports without markup (Signal), [Markdown] for
// clients that render it, and [HTML] converts the Markdown form with
// goldmark for the web API.
package render

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/engine"
)

var titleCaser = cases.Title(language.Und, cases.NoLower)

// Plain renders an outcome as plain text.
func Plain(out engine.Outcome) string {
	return render(out, false)
}

// Markdown renders an outcome as CommonMark.
func Markdown(out engine.Outcome) string {
	return render(out, true)
}

// HTML renders an outcome as an HTML fragment. Raw HTML in the
// Markdown source (from a dish name or fact) is not passed through.
func HTML(out engine.Outcome) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(out)), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

func render(out engine.Outcome, md bool) string {
	var sb strings.Builder
	switch out.Kind {
	case engine.NewCard, engine.RefinedCard:
		if out.Analysis == nil {
			return engine.UserMessage(engine.ErrInternal)
		}
		writeCard(&sb, *out.Analysis, out.Kind == engine.RefinedCard, md)
	case engine.FactReply:
		sb.WriteString(bold("Did you know?", md))
		sb.WriteString("\n")
		sb.WriteString(escape(out.Fact, md))
	case engine.Cleared:
		sb.WriteString("Cleared. Send a photo or a description of your next meal.")
	case engine.Failed:
		msg := out.Message
		if msg == "" {
			msg = engine.UserMessage(out.Error)
		}
		sb.WriteString(msg)
	default:
		sb.WriteString(engine.UserMessage(engine.ErrInternal))
	}
	return sb.String()
}

func writeCard(sb *strings.Builder, r analysis.Result, refined, md bool) {
	if refined {
		sb.WriteString(italic("Updated estimate", md))
		sb.WriteString("\n\n")
	}
	sb.WriteString(bold(titleCaser.String(r.DishName), md))
	sb.WriteString("\n\n")

	fmt.Fprintf(sb, "Calories: ~%s kcal (%d g", strconv.FormatFloat(r.CaloriesKcal, 'f', 0, 64), r.WeightGrams)
	if r.CookingMethod != "" && r.CookingMethod != analysis.MethodUnspecified {
		fmt.Fprintf(sb, ", %s", r.CookingMethod)
	}
	sb.WriteString(")")
	sb.WriteString(lineBreak(md))
	fmt.Fprintf(sb, "Protein: %.1f g", r.Macros.ProteinG)
	sb.WriteString(lineBreak(md))
	fmt.Fprintf(sb, "Fat: %.1f g", r.Macros.FatG)
	sb.WriteString(lineBreak(md))
	fmt.Fprintf(sb, "Carbs: %.1f g", r.Macros.CarbG)
	sb.WriteString(lineBreak(md))
	fmt.Fprintf(sb, "Confidence: %s", r.Confidence)

	if len(r.Assumptions) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(italic("Assumptions:", md))
		for _, a := range r.Assumptions {
			sb.WriteString("\n- ")
			sb.WriteString(escape(a, md))
		}
	}

	sb.WriteString("\n\n")
	sb.WriteString(`Not right? Reply with a weight ("400g") or a cooking method ("fried"). /fact for a fact about the dish.`)
}

func bold(s string, md bool) string {
	if !md {
		return s
	}
	return "**" + escape(s, md) + "**"
}

func italic(s string, md bool) string {
	if !md {
		return s
	}
	return "*" + escape(s, md) + "*"
}

// lineBreak ends a line without starting a paragraph. Markdown needs a
// trailing backslash for a hard break.
func lineBreak(md bool) string {
	if md {
		return "\\\n"
	}
	return "\n"
}

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, `*`, `\*`, `_`, `\_`, "`", "\\`",
	`[`, `\[`, `]`, `\]`, `<`, `\<`, `#`, `\#`,
)

func escape(s string, md bool) string {
	if !md {
		return s
	}
	return mdEscaper.Replace(s)
}
