package engine

import (
	"context"
	"errors"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/inference"
)

// OutcomeKind tells the transport which reply to render.
type OutcomeKind string

const (
	NewCard     OutcomeKind = "new_card"
	RefinedCard OutcomeKind = "refined_card"
	FactReply   OutcomeKind = "fact"
	Cleared     OutcomeKind = "cleared"
	Failed      OutcomeKind = "failed"
)

// Outcome is the engine's answer to one input.
type Outcome struct {
	Kind     OutcomeKind      `json:"kind"`
	Analysis *analysis.Result `json:"analysis,omitempty"`
	Fact     string           `json:"fact,omitempty"`

	// Error and Message are set for Failed outcomes. Message is safe to
	// show to the user.
	Error   ErrorKind `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
}

// ErrorKind names the reason for a Failed outcome.
type ErrorKind string

const (
	// Service errors, after retries.
	ErrTimeout              ErrorKind = ErrorKind(inference.Timeout)
	ErrRateLimited          ErrorKind = ErrorKind(inference.RateLimited)
	ErrUnreachable          ErrorKind = ErrorKind(inference.Unreachable)
	ErrInvalidResponseShape ErrorKind = ErrorKind(inference.InvalidResponseShape)
	ErrRejected             ErrorKind = ErrorKind(inference.Rejected)

	// Normalization errors.
	ErrMissingField ErrorKind = ErrorKind(analysis.MissingField)
	ErrOutOfRange   ErrorKind = ErrorKind(analysis.OutOfRange)

	// Refinement text that could not be parsed.
	ErrUnrecognized ErrorKind = ErrorKind(analysis.Unrecognized)

	// User and state errors.
	ErrNoActiveAnalysis ErrorKind = "no_active_analysis"
	ErrEmptyInput       ErrorKind = "empty_input"
	ErrInputTooLarge    ErrorKind = "input_too_large"
	ErrUnknownCommand   ErrorKind = "unknown_command"
	ErrCancelled        ErrorKind = "cancelled"

	ErrInternal ErrorKind = "internal"
)

var userMessages = map[ErrorKind]string{
	ErrTimeout:              "The analysis took too long. Please try again in a moment.",
	ErrRateLimited:          "I'm getting too many requests right now. Please try again in a minute.",
	ErrUnreachable:          "I can't reach the analysis service right now. Please try again later.",
	ErrInvalidResponseShape: "I couldn't understand the analysis result. Please try again or describe the meal in words.",
	ErrRejected:             "The analysis service refused this request. Please try a different photo or description.",
	ErrMissingField:         "I couldn't recognize a dish here. Try a clearer photo or a short description like \"pasta carbonara 250g\".",
	ErrOutOfRange:           "The estimate didn't look plausible, so I discarded it. Please try again with more detail.",
	ErrUnrecognized:         "I didn't catch that correction. Send a weight like \"400g\" or a cooking method like \"fried\".",
	ErrNoActiveAnalysis:     "There's no meal to talk about yet. Send a photo or a description first.",
	ErrEmptyInput:           "Send a photo of your meal or describe it in a few words.",
	ErrInputTooLarge:        "That's too large for me to analyze. Please send a smaller photo or a shorter description.",
	ErrUnknownCommand:       "I don't know that command. Send /help to see what I can do.",
	ErrCancelled:            "Your previous request is still being processed. Please wait for it to finish.",
	ErrInternal:             "Something went wrong on my side. Please try again.",
}

// UserMessage returns the short reason shown to the user for kind.
func UserMessage(kind ErrorKind) string {
	if m, ok := userMessages[kind]; ok {
		return m
	}
	return userMessages[ErrInternal]
}

// KindOf maps an error onto an [ErrorKind].
func KindOf(err error) ErrorKind {
	var se *inference.ServiceError
	var ne *analysis.NormalizationError
	var pe *analysis.ParseError
	switch {
	case errors.As(err, &se):
		return ErrorKind(se.Kind)
	case errors.As(err, &ne):
		return ErrorKind(ne.Kind)
	case errors.As(err, &pe):
		return ErrorKind(pe.Kind)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCancelled
	}
	return ErrInternal
}

func failed(kind ErrorKind) Outcome {
	return Outcome{Kind: Failed, Error: kind, Message: UserMessage(kind)}
}
