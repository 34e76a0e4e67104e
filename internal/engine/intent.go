package engine

import (
	"strings"

	"github.com/nugget/platecheck/internal/analysis"
)

// Input is one user message delivered by a transport.
type Input struct {
	SessionID string
	Kind      analysis.SourceKind
	// Text is the message body, or the caption of an image.
	Text  string
	Image *Image
}

// Image is an attached meal photo.
type Image struct {
	Data     []byte
	MIMEType string
}

// IntentKind is the result of classifying an [Input].
type IntentKind int

const (
	IntentNewAnalysis IntentKind = iota
	IntentRefine
	IntentInvalidRefinement
	IntentFact
	IntentReset
	IntentUnknownCommand
)

var intentNames = [...]string{
	IntentNewAnalysis:       "new_analysis",
	IntentRefine:            "refine",
	IntentInvalidRefinement: "invalid_refinement",
	IntentFact:              "fact",
	IntentReset:             "reset",
	IntentUnknownCommand:    "unknown_command",
}

func (k IntentKind) String() string {
	if int(k) < len(intentNames) {
		return intentNames[k]
	}
	return "unknown"
}

// Intent is what the engine will do with an input. Refinement is set for
// IntentRefine; Err for IntentInvalidRefinement.
type Intent struct {
	Kind       IntentKind
	Refinement analysis.Refinement
	Err        error
}

// Classify decides what an input means given whether the session has a
// current analysis. It is the only place that inspects message content.
func Classify(in Input, ready bool) Intent {
	if in.Kind == analysis.SourceImage {
		return Intent{Kind: IntentNewAnalysis}
	}

	text := strings.TrimSpace(in.Text)
	if strings.HasPrefix(text, "/") {
		switch command(text) {
		case "reset", "new":
			return Intent{Kind: IntentReset}
		case "fact":
			return Intent{Kind: IntentFact}
		}
		return Intent{Kind: IntentUnknownCommand}
	}

	if ready && analysis.LooksLikeRefinement(text) {
		ref, err := analysis.ParseRefinement(text)
		if err != nil {
			return Intent{Kind: IntentInvalidRefinement, Err: err}
		}
		return Intent{Kind: IntentRefine, Refinement: ref}
	}
	return Intent{Kind: IntentNewAnalysis}
}

// command returns the lowercased command name of a "/name args" message.
func command(text string) string {
	name := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}
